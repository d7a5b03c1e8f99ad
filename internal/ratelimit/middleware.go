package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dealpack/ratekeeper/internal/metrics"
)

// FailureMode selects how the middleware treats limiter backend errors.
type FailureMode string

const (
	// FailOpen admits the request when the backend is unreachable.
	FailOpen FailureMode = "fail_open"
	// FailClosed rejects the request when the backend is unreachable.
	FailClosed FailureMode = "fail_closed"
)

// KeyFunc derives the identity half of the limiter key from a request.
type KeyFunc func(r *http.Request) string

// Middleware applies a named policy to every request it wraps and answers
// rejections with 429 plus the standard rate-limit headers.
type Middleware struct {
	limiter  Limiter
	policies *PolicySet
	scope    string
	mode     FailureMode
	keyFunc  KeyFunc
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewMiddleware wires a limiter and a policy set under the given scope name.
// A nil keyFunc falls back to the client IP.
func NewMiddleware(limiter Limiter, policies *PolicySet, scope string, mode FailureMode, keyFunc KeyFunc, logger *slog.Logger, recorder *metrics.Recorder) *Middleware {
	if keyFunc == nil {
		keyFunc = ClientIPKey
	}
	if mode == "" {
		mode = FailOpen
	}
	return &Middleware{
		limiter:  limiter,
		policies: policies,
		scope:    scope,
		mode:     mode,
		keyFunc:  keyFunc,
		logger:   logger,
		metrics:  recorder,
	}
}

// Wrap returns the http middleware applying this scope's policy.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy, ok := m.policies.Lookup(m.scope)
		if !ok || policy.Limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		identity := m.keyFunc(r)
		if identity == "" {
			identity = ClientIPKey(r)
		}

		start := time.Now()
		decision, err := m.limiter.Check(r.Context(), Key(m.scope, identity), policy)
		elapsed := time.Since(start)
		if err != nil {
			if m.mode == FailClosed {
				m.metrics.ObserveRateLimit(m.scope, metrics.RateLimitRejected, elapsed)
				writeRejection(w, policy, Decision{RetryAfter: policy.Window, ResetAt: time.Now().Add(policy.Window)})
				return
			}
			if m.logger != nil {
				m.logger.Warn("rate limiter backend unavailable, allowing request",
					slog.String("scope", m.scope),
					slog.Any("error", err))
			}
			m.metrics.ObserveRateLimit(m.scope, metrics.RateLimitFailOpen, elapsed)
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			m.metrics.ObserveRateLimit(m.scope, metrics.RateLimitRejected, elapsed)
			writeRejection(w, policy, decision)
			return
		}

		m.metrics.ObserveRateLimit(m.scope, metrics.RateLimitAllowed, elapsed)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		next.ServeHTTP(w, r)
	})
}

func writeRejection(w http.ResponseWriter, policy Policy, decision Decision) {
	retrySeconds := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retrySeconds <= 0 {
		retrySeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	// Reset is an upper bound for the persistent backends, not an exact
	// promise of when capacity returns.
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": retrySeconds,
	})
}

// ClientIPKey keys requests by the client address when no richer identity is
// available.
func ClientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
