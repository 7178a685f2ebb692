// Package ratelimit throttles outbound chat sends. Local applies a token
// bucket inside the process; Window enforces a fixed-window quota in Redis
// shared by every client instance of the same user.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Rule defines a fixed-window policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleSend allows 30 sends per minute per user across all instances.
var RuleSend = Rule{Key: "rl:send:", Limit: 30, Window: 1 * time.Minute}

// Limiter reports whether one more send may go out now.
type Limiter interface {
	Allow() bool
}

// Local is an in-process token bucket.
type Local struct {
	lim *rate.Limiter
}

// NewLocal allows perSecond sends on average with bursts of up to burst.
func NewLocal(perSecond float64, burst int) *Local {
	if burst < 1 {
		burst = 1
	}
	return &Local{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow consumes one token if available.
func (l *Local) Allow() bool {
	return l.lim.Allow()
}

// Window is a Redis-backed INCR + EXPIRE counter for one identifier.
type Window struct {
	client     *redis.Client
	identifier string
	rule       Rule
	timeout    time.Duration
}

// NewWindow creates a Window for identifier under rule.
func NewWindow(client *redis.Client, identifier string, rule Rule) *Window {
	return &Window{client: client, identifier: identifier, rule: rule, timeout: 500 * time.Millisecond}
}

// Allow increments the counter and sets the expiry on first access. On Redis
// errors it fails open so that a Redis outage does not block sending.
func (w *Window) Allow() bool {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	ok, _ := w.AllowContext(ctx)
	return ok
}

// AllowContext is Allow with a caller-supplied context. The error is
// non-nil when Redis failed and the call failed open.
func (w *Window) AllowContext(ctx context.Context) (bool, error) {
	key := w.rule.Key + w.identifier

	count, err := w.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := w.client.Expire(ctx, key, w.rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would block the identifier forever.
			w.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= w.rule.Limit, nil
}

// Remaining returns the sends left in the current window. It returns the
// full limit when the key does not exist yet or Redis fails.
func (w *Window) Remaining(ctx context.Context) (int, error) {
	key := w.rule.Key + w.identifier

	count, err := w.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return w.rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return w.rule.Limit, err
	}

	remaining := w.rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Chain allows a send only when every limiter allows it. Limiters are
// consulted in order and evaluation stops at the first refusal.
type Chain []Limiter

// Allow implements Limiter.
func (c Chain) Allow() bool {
	for _, l := range c {
		if !l.Allow() {
			return false
		}
	}
	return true
}
