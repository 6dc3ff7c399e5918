package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dminischetti/passless/internal/database"
	"github.com/dminischetti/passless/internal/models"
)

type SecurityEventRepository struct {
	db *database.DB
}

func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

func (r *SecurityEventRepository) Insert(ctx context.Context, event *models.SecurityEvent) error {
	payload, err := json.Marshal(event.Context)
	if err != nil {
		return fmt.Errorf("failed to encode event context: %w", err)
	}

	query := `INSERT INTO security_events (event_type, context, created_at) VALUES ($1, $2, $3)`

	_, err = r.db.Pool.Exec(ctx, query, event.EventType, payload, time.Now())
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// ListRecent returns the newest events of a type, most recent first.
func (r *SecurityEventRepository) ListRecent(ctx context.Context, eventType string, limit int) ([]*models.SecurityEvent, error) {
	query := `
		SELECT id, event_type, context, created_at
		FROM security_events
		WHERE event_type = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, eventType, limit)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	var events []*models.SecurityEvent
	for rows.Next() {
		var event models.SecurityEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.EventType, &payload, &event.CreatedAt); err != nil {
			return nil, database.MapPostgresError(err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Context); err != nil {
				return nil, fmt.Errorf("failed to decode event context: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}

	return events, nil
}

// Prune removes events older than the retention cutoff.
func (r *SecurityEventRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM security_events WHERE created_at < $1`

	result, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}
