// SPDX-License-Identifier: MIT

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g1dev/g1d/internal/auth"
	"github.com/g1dev/g1d/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rules ...config.RateLimitRule) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(func() config.RateLimitConfig {
		return config.RateLimitConfig{Enabled: true, Rules: rules}
	})
	l.now = clock.now
	return l, clock
}

func requestAs(p auth.Principal) *http.Request {
	r := httptest.NewRequest("GET", "/api/v1/motion/command", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	return r.WithContext(auth.ContextWithPrincipal(r.Context(), p))
}

func TestFixedWindowResets(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitRule{
		Name: "g", Scope: "global", Algorithm: "fixed_window", Limit: 2, Window: time.Second,
	})
	r := httptest.NewRequest("GET", "/", nil)

	assert.True(t, l.Check(r).Allowed)
	assert.True(t, l.Check(r).Allowed)
	d := l.Check(r)
	assert.False(t, d.Allowed)
	assert.Equal(t, "g", d.Rule)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)

	clock.advance(time.Second + time.Millisecond)
	assert.True(t, l.Check(r).Allowed)
}

func TestSlidingWindowTrailing(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitRule{
		Name: "g", Scope: "global", Algorithm: "sliding_window", Limit: 3, Window: time.Minute,
	})
	r := httptest.NewRequest("GET", "/", nil)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check(r).Allowed)
		clock.advance(10 * time.Second)
	}
	assert.False(t, l.Check(r).Allowed)

	// Oldest hit at t+0 falls out of the trailing minute at t+60s.
	clock.advance(31 * time.Second)
	assert.True(t, l.Check(r).Allowed)
	assert.False(t, l.Check(r).Allowed)
}

func TestTokenBucketBurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitRule{
		Name: "g", Scope: "global", Algorithm: "token_bucket", Limit: 5, Window: time.Second,
	})
	r := httptest.NewRequest("GET", "/", nil)

	for i := 0; i < 5; i++ {
		require.True(t, l.Check(r).Allowed, "burst admission %d", i)
	}
	assert.False(t, l.Check(r).Allowed)

	clock.advance(400 * time.Millisecond) // refills 2 tokens at 5/s
	assert.True(t, l.Check(r).Allowed)
	assert.True(t, l.Check(r).Allowed)
	assert.False(t, l.Check(r).Allowed)
}

func TestLeakyBucketSmoothsBursts(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitRule{
		Name: "g", Scope: "global", Algorithm: "leaky_bucket", Limit: 2, Window: time.Second,
	})
	r := httptest.NewRequest("GET", "/", nil)

	assert.True(t, l.Check(r).Allowed)
	assert.True(t, l.Check(r).Allowed)
	assert.False(t, l.Check(r).Allowed)

	clock.advance(500 * time.Millisecond) // drains one at 2/s
	assert.True(t, l.Check(r).Allowed)
	assert.False(t, l.Check(r).Allowed)
}

func TestScopesIsolateCounters(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitRule{
		Name: "per_user", Scope: "user", Algorithm: "fixed_window", Limit: 1, Window: time.Minute,
	})

	alice := requestAs(auth.Principal{Subject: "alice", Role: auth.RoleOperator, Method: auth.MethodJWT})
	bob := requestAs(auth.Principal{Subject: "bob", Role: auth.RoleOperator, Method: auth.MethodJWT})

	assert.True(t, l.Check(alice).Allowed)
	assert.False(t, l.Check(alice).Allowed)
	assert.True(t, l.Check(bob).Allowed, "bob's counter is independent")

	// Anonymous requests are outside user scope entirely.
	anon := httptest.NewRequest("GET", "/", nil)
	assert.True(t, l.Check(anon).Allowed)
	assert.True(t, l.Check(anon).Allowed)
}

func TestIPScope(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitRule{
		Name: "per_ip", Scope: "ip", Algorithm: "fixed_window", Limit: 1, Window: time.Minute,
	})

	a := httptest.NewRequest("GET", "/", nil)
	a.RemoteAddr = "10.0.0.1:1000"
	b := httptest.NewRequest("GET", "/", nil)
	b.RemoteAddr = "10.0.0.2:1000"

	assert.True(t, l.Check(a).Allowed)
	assert.False(t, l.Check(a).Allowed)
	assert.True(t, l.Check(b).Allowed)
}

func TestEndpointScopeOnlyMatchesPath(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitRule{
		Name: "motion", Scope: "endpoint", Algorithm: "fixed_window", Limit: 1, Window: time.Minute,
		Endpoint: "/api/v1/motion/command",
	})

	hit := httptest.NewRequest("POST", "/api/v1/motion/command", nil)
	miss := httptest.NewRequest("GET", "/api/v1/system/status", nil)

	assert.True(t, l.Check(hit).Allowed)
	assert.False(t, l.Check(hit).Allowed)
	assert.True(t, l.Check(miss).Allowed, "other endpoints are unconstrained")
	assert.True(t, l.Check(miss).Allowed)
}

func TestFirstDenialWins(t *testing.T) {
	l, _ := newTestLimiter(
		config.RateLimitRule{Name: "loose", Scope: "global", Algorithm: "fixed_window", Limit: 100, Window: time.Minute},
		config.RateLimitRule{Name: "tight", Scope: "global", Algorithm: "fixed_window", Limit: 1, Window: time.Minute},
	)
	r := httptest.NewRequest("GET", "/", nil)

	d := l.Check(r)
	assert.True(t, d.Allowed)
	assert.Equal(t, "tight", d.Rule, "headers report the tightest budget")

	d = l.Check(r)
	assert.False(t, d.Allowed)
	assert.Equal(t, "tight", d.Rule)
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	l := New(func() config.RateLimitConfig {
		return config.RateLimitConfig{Enabled: false, Rules: config.Default().RateLimit.Rules}
	})
	r := httptest.NewRequest("GET", "/", nil)
	for i := 0; i < 1000; i++ {
		require.True(t, l.Check(r).Allowed)
	}
}

func TestPrune(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitRule{
		Name: "per_ip", Scope: "ip", Algorithm: "fixed_window", Limit: 10, Window: time.Second,
	})
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0." + string(rune('1'+i)) + ":1"
		l.Check(r)
	}
	clock.advance(time.Hour)
	assert.Equal(t, 5, l.Prune(30*time.Minute))
	assert.Equal(t, 0, l.Prune(30*time.Minute))
}
