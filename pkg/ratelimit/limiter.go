// Package ratelimit implements the gateway's fixed-window limiter on the
// shared KV store, so budgets hold globally across gateway instances.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tutorfleet/tutorfleet/pkg/config"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per (class, key) in fixed windows backed by Redis.
// A Redis outage fails open: availability of the platform is worth more than
// a briefly unenforced budget.
type Limiter struct {
	rdb *redis.Client
	cfg config.RateLimitConfig
	log *slog.Logger
}

// New builds a limiter over rdb with the given budgets.
func New(rdb *redis.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, log: slog.With("component", "ratelimit")}
}

// Allow consumes one attempt for key under the class's budget. key is
// "userId:role" for authenticated requests and the client IP otherwise.
func (l *Limiter) Allow(ctx context.Context, class, key string) Decision {
	budget := l.cfg.BudgetFor(class)
	redisKey := fmt.Sprintf("ratelimit:%s:%s", class, key)

	count, err := l.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		l.log.Warn("Limiter unavailable, failing open", "class", class, "error", err)
		return Decision{Allowed: true, Remaining: budget.MaxAttempts}
	}
	if count == 1 {
		// First hit opens the window.
		if err := l.rdb.PExpire(ctx, redisKey, budget.Window).Err(); err != nil {
			l.log.Warn("Window expiry not set", "key", redisKey, "error", err)
		}
	}

	if count > int64(budget.MaxAttempts) {
		retryAfter := budget.Window
		if ttl, err := l.rdb.PTTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
			retryAfter = ttl
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true, Remaining: budget.MaxAttempts - int(count)}
}
