// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/g1dev/g1d/internal/auth"
	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/metrics"
)

type startTimeKey struct{}

// requestID assigns every request a UUID, honoring a client-provided
// X-Request-ID, and stamps the start time for processing_time metadata.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := log.ContextWithRequestID(r.Context(), id)
		ctx = context.WithValue(ctx, startTimeKey{}, time.Now())
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response code for access logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Info().
			Str("event", "api.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("request handled")
	})
}

// recoverer converts handler panics into INTERNAL_ERROR responses.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.WithComponentFromContext(r.Context(), "api")
				logger.Error().
					Str("event", "api.panic").
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Msg("handler panicked")
				s.respondError(w, r, errCode(CodeInternal, fmt.Sprintf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves credentials to a principal and stores it in the
// request context. Credential failures end the request here.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Authenticate(r)
		if err != nil {
			if errors.Is(err, auth.ErrTokenMissing) {
				s.respondError(w, r, errCode(CodeAuthentication, "credentials required"))
				return
			}
			s.respondError(w, r, errCode(CodeAuthentication, "invalid credentials"))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), p)))
	})
}

// requireRole gates a route on the role lattice.
func (s *Server) requireRole(min auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok {
				s.respondError(w, r, errCode(CodeAuthentication, "credentials required"))
				return
			}
			if !p.Role.AtLeast(min) {
				logger := log.WithComponentFromContext(r.Context(), "api")
				logger.Warn().
					Str("event", "api.authz_denied").
					Str("subject", p.Subject).
					Str("role", string(p.Role)).
					Str("required", string(min)).
					Str("path", r.URL.Path).
					Msg("insufficient role")
				s.respondError(w, r, errCode(CodeAuthorization,
					fmt.Sprintf("role %s required", min)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requirePermission gates a route on the grant catalog. It runs inside
// requireRole, so a principal is always present by the time it checks.
func (s *Server) requirePermission(p auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pr, ok := auth.FromContext(r.Context())
			if !ok || !pr.Role.Has(p) {
				logger := log.WithComponentFromContext(r.Context(), "api")
				logger.Warn().
					Str("event", "api.authz_denied").
					Str("subject", pr.Subject).
					Str("role", string(pr.Role)).
					Str("required", string(p)).
					Str("path", r.URL.Path).
					Msg("missing permission")
				s.respondError(w, r, errCode(CodeAuthorization,
					fmt.Sprintf("permission %s required", p)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies the configured rule set and exposes the budget headers.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.limiter.Check(r)
		if d.Rule != "" {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
			w.Header().Set("X-RateLimit-Rule", d.Rule)
		}
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
			s.respondError(w, r, &apiError{
				Code:    CodeRateLimited,
				Message: "rate limit exceeded",
				Details: map[string]any{"rule": d.Rule, "retry_after_s": d.RetryAfter.Seconds()},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
