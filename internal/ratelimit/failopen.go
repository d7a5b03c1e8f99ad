package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

type failOpenLimiter struct {
	inner  Limiter
	logger *slog.Logger
}

// NewFailOpen wraps a limiter so backend failures admit the request instead of
// surfacing an error. A transient burst of over-admission is preferable to
// failing every request while the store is down; the condition is logged for
// operators.
func NewFailOpen(inner Limiter, logger *slog.Logger) Limiter {
	return &failOpenLimiter{inner: inner, logger: logger}
}

func (l *failOpenLimiter) Check(ctx context.Context, key string, policy Policy) (Decision, error) {
	decision, err := l.inner.Check(ctx, key, policy)
	if err == nil {
		return decision, nil
	}
	if l.logger != nil {
		l.logger.Warn("rate limiter backend unavailable, allowing request",
			slog.String("key", key),
			slog.Any("error", err))
	}
	return Decision{
		Allowed:   true,
		Remaining: policy.Limit - 1,
		ResetAt:   time.Now().Add(policy.Window),
	}, nil
}
