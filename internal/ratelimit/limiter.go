// Package ratelimit provides fixed-window rate limiting for match, message and
// connection requests. RedisLimiter uses INCR + EXPIRE so every instance sees
// the same counters; MemoryLimiter keeps them in-process for single-node runs.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:match:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 10 messages per 10 seconds per handle.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleMatch allows 10 match requests per minute per handle.
	RuleMatch = Rule{Key: "rl:match:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 20 gateway connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}

	// RuleAuth allows 30 subscription grants per minute per handle.
	RuleAuth = Rule{Key: "rl:auth:", Limit: 30, Window: 1 * time.Minute}
)

// Limiter checks identifiers against rules.
type Limiter interface {
	// Allow reports whether identifier is still within rule. Implementations
	// fail open: on backend errors they return true along with the error.
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// RedisLimiter performs rate limiting checks against Redis.
type RedisLimiter struct {
	client *redis.Client
	log    *zerolog.Logger
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(client *redis.Client, logger *zerolog.Logger) *RedisLimiter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisLimiter{client: client, log: logger}
}

// Allow increments the counter in Redis and sets the expiry on first access.
// On Redis errors it fails open so that an outage does not block legitimate
// traffic.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("ratelimit INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("ratelimit EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window. Returns the full limit if the key does not exist yet and on
// Redis errors.
func (l *RedisLimiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("ratelimit GET failed, failing open")
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
