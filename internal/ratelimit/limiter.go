// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Counters are shared by every relay process pointed at the
// same Redis, so a user's budget holds across servers.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:chat:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleChatSend allows 20 persisted chat sends per 10 seconds per user.
	RuleChatSend = Rule{Key: "rl:chat:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 30 chat connection attempts per minute per user.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, logger: logger}
}

// Allow checks whether identifier is within rule. It increments the counter
// and sets the expiry on first access.
//
// On Redis errors Allow returns true together with the error, so an outage
// never blocks legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("[ratelimit] INCR failed, failing open", "key", key, "err", err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("[ratelimit] EXPIRE failed, failing open", "key", key, "err", err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter reports how long until identifier's current window resets. A
// missing key reports zero; a key without expiry or a Redis error reports the
// full window.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	key := rule.Key + identifier

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		l.logger.Warn("[ratelimit] PTTL failed", "key", key, "err", err)
		return rule.Window, err
	}
	switch {
	case ttl == -2: // no such key
		return 0, nil
	case ttl < 0: // key without expiry
		return rule.Window, nil
	}
	return ttl, nil
}
