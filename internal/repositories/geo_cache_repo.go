package repositories

import (
	"context"
	"time"

	"github.com/dminischetti/passless/internal/database"
	"github.com/dminischetti/passless/internal/models"
)

type GeoCacheRepository struct {
	db *database.DB
}

func NewGeoCacheRepository(db *database.DB) *GeoCacheRepository {
	return &GeoCacheRepository{db: db}
}

// Get returns a cached lookup no older than maxAge, or nil on a miss.
func (r *GeoCacheRepository) Get(ctx context.Context, ip string, maxAge time.Duration, now time.Time) (*string, error) {
	query := `SELECT country FROM geo_cache WHERE ip_address = $1 AND cached_at > $2`

	var country *string
	err := r.db.Pool.QueryRow(ctx, query, ip, now.Add(-maxAge)).Scan(&country)
	if err != nil {
		err = database.MapPostgresError(err)
		if err == models.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	return country, nil
}

func (r *GeoCacheRepository) Put(ctx context.Context, ip string, country *string, now time.Time) error {
	query := `
		INSERT INTO geo_cache (ip_address, country, cached_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (ip_address) DO UPDATE SET
			country = EXCLUDED.country,
			cached_at = EXCLUDED.cached_at
	`

	_, err := r.db.Pool.Exec(ctx, query, ip, country, now)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// DeleteStale removes cache entries older than the cutoff.
func (r *GeoCacheRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM geo_cache WHERE cached_at < $1`

	result, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}
