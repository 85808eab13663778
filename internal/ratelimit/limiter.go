// SPDX-License-Identifier: MIT

// Package ratelimit enforces the configured request accounting rules. Each
// rule names a scope (whose counter) and an algorithm (how the counter
// behaves); a request passes only if every applicable rule admits it.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/g1dev/g1d/internal/auth"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/metrics"
)

// Decision is the outcome of one rule check.
type Decision struct {
	Allowed    bool
	Rule       string
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// bucket is one counter instance. Implementations are not safe for
// concurrent use; the limiter serializes access per key.
type bucket interface {
	allow(now time.Time) (ok bool, remaining int, reset time.Time)
}

type entry struct {
	mu       sync.Mutex
	b        bucket
	lastSeen time.Time
}

// Limiter evaluates all configured rules against incoming requests.
type Limiter struct {
	mu      sync.Mutex
	rules   func() config.RateLimitConfig
	buckets map[string]*entry
	now     func() time.Time
}

// New builds a limiter reading its rule set through rules so hot reload
// applies without restart.
func New(rules func() config.RateLimitConfig) *Limiter {
	return &Limiter{
		rules:   rules,
		buckets: make(map[string]*entry),
		now:     time.Now,
	}
}

// Check evaluates every applicable rule for the request. The first denial
// wins; otherwise the decision of the tightest remaining budget is returned.
func (l *Limiter) Check(r *http.Request) Decision {
	cfg := l.rules()
	if !cfg.Enabled || len(cfg.Rules) == 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	now := l.now()
	best := Decision{Allowed: true, Remaining: -1}

	for _, rule := range cfg.Rules {
		key, applicable := scopeKey(rule, r)
		if !applicable {
			continue
		}

		ok, remaining, reset := l.take(rule, key, now)
		d := Decision{
			Allowed:   ok,
			Rule:      rule.Name,
			Limit:     rule.Limit,
			Remaining: remaining,
			Reset:     reset,
		}
		if !ok {
			d.RetryAfter = reset.Sub(now)
			if d.RetryAfter < time.Second {
				d.RetryAfter = time.Second
			}
			metrics.RateLimitRejections.WithLabelValues(rule.Name, rule.Scope).Inc()
			return d
		}
		if best.Remaining < 0 || remaining < best.Remaining {
			best = d
		}
	}
	return best
}

func (l *Limiter) take(rule config.RateLimitRule, key string, now time.Time) (bool, int, time.Time) {
	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{b: newBucket(rule)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.b.allow(now)
}

// Prune drops counters idle longer than maxIdle. Callers run this
// periodically to bound memory under churning client populations.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// scopeKey resolves the counter identity for a rule and request. The second
// return is false when the rule does not apply to this request at all.
func scopeKey(rule config.RateLimitRule, r *http.Request) (string, bool) {
	switch rule.Scope {
	case "global":
		return rule.Name + "|global", true
	case "user":
		p, ok := auth.FromContext(r.Context())
		if !ok || p.Method == auth.MethodAnonymous {
			return "", false
		}
		return rule.Name + "|user|" + p.Subject, true
	case "ip":
		return rule.Name + "|ip|" + clientIP(r), true
	case "api_key":
		p, ok := auth.FromContext(r.Context())
		if !ok || p.Method != auth.MethodAPIKey {
			return "", false
		}
		return rule.Name + "|key|" + p.Subject, true
	case "endpoint":
		if rule.Endpoint != r.URL.Path {
			return "", false
		}
		return rule.Name + "|ep|" + rule.Endpoint, true
	}
	return "", false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newBucket(rule config.RateLimitRule) bucket {
	switch rule.Algorithm {
	case "token_bucket":
		lim := rate.NewLimiter(rate.Limit(float64(rule.Limit)/rule.Window.Seconds()), rule.Limit)
		return &tokenBucket{lim: lim, window: rule.Window}
	case "sliding_window":
		return &slidingWindow{window: rule.Window, limit: rule.Limit}
	case "fixed_window":
		return &fixedWindow{window: rule.Window, limit: rule.Limit}
	case "leaky_bucket":
		return &leakyBucket{capacity: float64(rule.Limit), drainPerSec: float64(rule.Limit) / rule.Window.Seconds()}
	}
	// Validation rejects unknown algorithms at load time; a stale rule
	// falls back to the strictest interpretation.
	return &fixedWindow{window: rule.Window, limit: rule.Limit}
}

// tokenBucket refills continuously and admits bursts up to the limit.
type tokenBucket struct {
	lim    *rate.Limiter
	window time.Duration
}

func (t *tokenBucket) allow(now time.Time) (bool, int, time.Time) {
	ok := t.lim.AllowN(now, 1)
	remaining := int(t.lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return ok, remaining, now.Add(t.window)
}

// slidingWindow counts individual admissions inside a trailing window.
type slidingWindow struct {
	window time.Duration
	limit  int
	hits   []time.Time
}

func (s *slidingWindow) allow(now time.Time) (bool, int, time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.hits) && s.hits[i].Before(cutoff) {
		i++
	}
	s.hits = s.hits[i:]

	if len(s.hits) >= s.limit {
		return false, 0, s.hits[0].Add(s.window)
	}
	s.hits = append(s.hits, now)
	return true, s.limit - len(s.hits), s.hits[0].Add(s.window)
}

// fixedWindow resets the counter at window boundaries.
type fixedWindow struct {
	window time.Duration
	limit  int
	start  time.Time
	count  int
}

func (f *fixedWindow) allow(now time.Time) (bool, int, time.Time) {
	if f.start.IsZero() || now.Sub(f.start) >= f.window {
		f.start = now.Truncate(f.window)
		f.count = 0
	}
	reset := f.start.Add(f.window)
	if f.count >= f.limit {
		return false, 0, reset
	}
	f.count++
	return true, f.limit - f.count, reset
}

// leakyBucket drains at a constant rate and rejects when full, smoothing
// bursts instead of admitting them.
type leakyBucket struct {
	capacity    float64
	drainPerSec float64
	level       float64
	lastDrain   time.Time
}

func (b *leakyBucket) allow(now time.Time) (bool, int, time.Time) {
	if !b.lastDrain.IsZero() {
		b.level -= now.Sub(b.lastDrain).Seconds() * b.drainPerSec
		if b.level < 0 {
			b.level = 0
		}
	}
	b.lastDrain = now

	drainOne := time.Duration(float64(time.Second) / b.drainPerSec)
	if b.level+1 > b.capacity {
		return false, 0, now.Add(drainOne)
	}
	b.level++
	return true, int(b.capacity - b.level), now.Add(drainOne)
}
