package repositories

import (
	"context"
	"time"

	"github.com/dminischetti/passless/internal/database"
	"github.com/dminischetti/passless/internal/models"
)

type RateLimitRepository struct {
	db *database.DB
}

func NewRateLimitRepository(db *database.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Hit records one attempt against (scope, identifier) and returns the counter
// state after the attempt. The whole read-modify-write is a single upsert so
// concurrent attempts serialize on the row instead of losing increments. A
// counter whose window has lapsed restarts at 1 with a fresh expiry.
func (r *RateLimitRepository) Hit(ctx context.Context, scope, identifier string, window time.Duration, now time.Time) (*models.RateLimitCounter, error) {
	query := `
		INSERT INTO rate_limits (scope, identifier, count, expires_at, last_seen)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (scope, identifier) DO UPDATE SET
			count = CASE WHEN rate_limits.expires_at < $4 THEN 1 ELSE rate_limits.count + 1 END,
			expires_at = CASE WHEN rate_limits.expires_at < $4 THEN $3 ELSE rate_limits.expires_at END,
			last_seen = $4
		RETURNING count, expires_at
	`

	counter := &models.RateLimitCounter{Scope: scope, Identifier: identifier, LastSeen: now}
	err := r.db.Pool.QueryRow(ctx, query, scope, identifier, now.Add(window), now).Scan(&counter.Count, &counter.ExpiresAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return counter, nil
}

// Peek returns the current counter without incrementing it, or nil when no
// live window exists for the pair.
func (r *RateLimitRepository) Peek(ctx context.Context, scope, identifier string, now time.Time) (*models.RateLimitCounter, error) {
	query := `
		SELECT count, expires_at, last_seen
		FROM rate_limits
		WHERE scope = $1 AND identifier = $2 AND expires_at >= $3
	`

	counter := &models.RateLimitCounter{Scope: scope, Identifier: identifier}
	err := r.db.Pool.QueryRow(ctx, query, scope, identifier, now).Scan(&counter.Count, &counter.ExpiresAt, &counter.LastSeen)
	if err != nil {
		err = database.MapPostgresError(err)
		if err == models.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	return counter, nil
}

// Clear removes the counter for (scope, identifier), resetting the window.
func (r *RateLimitRepository) Clear(ctx context.Context, scope, identifier string) error {
	query := `DELETE FROM rate_limits WHERE scope = $1 AND identifier = $2`

	_, err := r.db.Pool.Exec(ctx, query, scope, identifier)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// DeleteStale removes counters whose window lapsed before now.
func (r *RateLimitRepository) DeleteStale(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM rate_limits WHERE expires_at < $1`

	result, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}
