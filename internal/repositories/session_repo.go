package repositories

import (
	"context"
	"time"

	"github.com/dminischetti/passless/internal/database"
	"github.com/dminischetti/passless/internal/models"
)

type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func scanSessionRow(scanner rowScanner) (*models.SessionRecord, error) {
	var record models.SessionRecord
	var accountID *string
	var absoluteExpiresAt, revokedAt *time.Time

	err := scanner.Scan(
		&record.ID, &accountID, &record.Data,
		&record.CreatedAt, &record.UpdatedAt,
		&record.ExpiresAt, &absoluteExpiresAt, &revokedAt,
		&record.IPAddress, &record.UserAgent,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	record.AccountID = accountID
	record.AbsoluteExpiresAt = absoluteExpiresAt
	record.RevokedAt = revokedAt

	return &record, nil
}

const sessionColumns = `id, account_id, data, created_at, updated_at, expires_at, absolute_expires_at, revoked_at, ip_address, user_agent`

func (r *SessionRepository) Get(ctx context.Context, id string) (*models.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	return scanSessionRow(r.db.Pool.QueryRow(ctx, query, id))
}

// Upsert writes a session row. On conflict created_at survives and the
// COALESCE keeps the first absolute expiry ever proposed for the row, so
// session writes can never push the hard ceiling out.
func (r *SessionRepository) Upsert(ctx context.Context, record *models.SessionRecord) error {
	query := `
		INSERT INTO sessions (id, account_id, data, created_at, updated_at, expires_at, absolute_expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at,
			absolute_expires_at = COALESCE(sessions.absolute_expires_at, EXCLUDED.absolute_expires_at),
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent
	`

	_, err := r.db.Pool.Exec(ctx, query,
		record.ID, record.AccountID, record.Data,
		record.CreatedAt, record.UpdatedAt,
		record.ExpiresAt, record.AbsoluteExpiresAt,
		record.IPAddress, record.UserAgent,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// MarkRevoked soft-deletes a session. Reports whether a live row was revoked.
func (r *SessionRepository) MarkRevoked(ctx context.Context, id string) (bool, error) {
	query := `UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`

	result, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}

	return result.RowsAffected() > 0, nil
}

// RevokeOwned revokes a session only when it belongs to accountID, so one
// account cannot revoke another's sessions by guessing IDs.
func (r *SessionRepository) RevokeOwned(ctx context.Context, id, accountID string) (bool, error) {
	query := `UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND account_id = $2 AND revoked_at IS NULL`

	result, err := r.db.Pool.Exec(ctx, query, id, accountID)
	if err != nil {
		return false, database.MapPostgresError(err)
	}

	return result.RowsAffected() > 0, nil
}

func (r *SessionRepository) ListActiveByAccount(ctx context.Context, accountID string) ([]*models.SessionRecord, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE account_id = $1 AND revoked_at IS NULL AND expires_at > NOW()
			AND (absolute_expires_at IS NULL OR absolute_expires_at > NOW())
		ORDER BY updated_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	var records []*models.SessionRecord
	for rows.Next() {
		record, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}

	return records, nil
}

// DeleteDefunct hard-deletes rows that are revoked or past either expiry.
func (r *SessionRepository) DeleteDefunct(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM sessions
		WHERE revoked_at IS NOT NULL
			OR expires_at < $1
			OR (absolute_expires_at IS NOT NULL AND absolute_expires_at < $1)
	`

	result, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}
