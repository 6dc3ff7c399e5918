package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/dminischetti/passless/internal/models"
)

// RateLimitStore is the durable counter layer. Hit must be atomic: two
// concurrent calls for the same pair may never observe the same count.
type RateLimitStore interface {
	Hit(ctx context.Context, scope, identifier string, window time.Duration, now time.Time) (*models.RateLimitCounter, error)
	Clear(ctx context.Context, scope, identifier string) error
}

// RateLimiter applies fixed-window counting over the durable store. The
// window restarts from the first attempt after expiry, not from every
// attempt, so steady abuse cannot keep a window alive forever.
type RateLimiter struct {
	store  RateLimitStore
	logger *slog.Logger
}

func NewRateLimiter(store RateLimitStore, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{store: store, logger: logger}
}

// Hit records one attempt and reports whether the pair is over its limit.
// The attempt that crosses the limit is itself allowed; the next one is not.
func (rl *RateLimiter) Hit(ctx context.Context, scope, identifier string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	now := time.Now()

	counter, err := rl.store.Hit(ctx, scope, identifier, window, now)
	if err != nil {
		return nil, err
	}

	result := &models.RateLimitResult{
		Limited: counter.Count > limit,
		Count:   counter.Count,
	}
	if result.Limited {
		result.RetryAfter = counter.ExpiresAt.Sub(now)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		rl.logger.Warn("rate limit exceeded",
			slog.String("scope", scope),
			slog.Int("count", counter.Count),
			slog.Int("limit", limit),
		)
	}

	return result, nil
}

// Clear resets the counter for a pair, typically after a successful
// verification proves the actor legitimate.
func (rl *RateLimiter) Clear(ctx context.Context, scope, identifier string) error {
	return rl.store.Clear(ctx, scope, identifier)
}
