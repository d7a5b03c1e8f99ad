package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/dealpack/ratekeeper/internal/store"
)

// expireBuffer keeps sorted sets alive slightly past the window so the final
// purge-and-count of a quiet key still sees its records.
const expireBuffer = 10 * time.Second

type redisLimiter struct {
	client valkey.Client
	prefix string
}

// NewRedis builds the sorted-set sliding-window limiter. Each admitted event
// becomes a uniquely named member scored by its millisecond timestamp, so a
// rejected probe can remove exactly the member it added rather than trimming
// by rank.
func NewRedis(client valkey.Client, prefix string) Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &redisLimiter{client: client, prefix: prefix}
}

func (l *redisLimiter) Check(ctx context.Context, key string, policy Policy) (Decision, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - policy.Window.Milliseconds()
	setKey := l.prefix + ":" + key
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	resps := l.client.DoMulti(ctx,
		l.client.B().Zremrangebyscore().Key(setKey).Min("-inf").Max(strconv.FormatInt(windowStart, 10)).Build(),
		l.client.B().Zcard().Key(setKey).Build(),
		l.client.B().Zadd().Key(setKey).ScoreMember().ScoreMember(float64(nowMs), member).Build(),
		l.client.B().Pexpire().Key(setKey).Milliseconds((policy.Window + expireBuffer).Milliseconds()).Build(),
	)
	for _, resp := range resps {
		if err := resp.Error(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: redis check %s: %w: %w", key, store.ErrUnavailable, err)
		}
	}

	// Occupancy before this probe's own member was added.
	count, err := resps[1].ToInt64()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis count %s: %w: %w", key, store.ErrUnavailable, err)
	}

	resetAt := now.Add(policy.Window)
	if count >= int64(policy.Limit) {
		rm := l.client.B().Zrem().Key(setKey).Member(member).Build()
		if err := l.client.Do(ctx, rm).Error(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: redis unwind %s: %w: %w", key, store.ErrUnavailable, err)
		}
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: policy.Window,
			ResetAt:    resetAt,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: policy.Limit - int(count) - 1,
		ResetAt:   resetAt,
	}, nil
}
