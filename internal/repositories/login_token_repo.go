package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/dminischetti/passless/internal/database"
	"github.com/dminischetti/passless/internal/models"
	"github.com/jackc/pgx/v5"
)

type LoginTokenRepository struct {
	db *database.DB
}

func NewLoginTokenRepository(db *database.DB) *LoginTokenRepository {
	return &LoginTokenRepository{db: db}
}

func scanLoginTokenRow(scanner rowScanner) (*models.LoginToken, error) {
	var token models.LoginToken
	var consumedAt *time.Time
	var consumedIP, consumedUserAgent *string

	err := scanner.Scan(
		&token.ID, &token.Selector, &token.AccountID,
		&token.SecretHash, &token.FingerprintHash,
		&token.ExpiresAt, &consumedAt, &consumedIP, &consumedUserAgent,
		&token.IPAddress, &token.UserAgent, &token.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	token.ConsumedAt = consumedAt
	token.ConsumedIP = consumedIP
	token.ConsumedUserAgent = consumedUserAgent

	return &token, nil
}

const loginTokenColumns = `id, selector, account_id, secret_hash, fingerprint_hash,
		expires_at, consumed_at, consumed_ip, consumed_user_agent,
		ip_address, user_agent, created_at`

func (r *LoginTokenRepository) Create(ctx context.Context, token *models.LoginToken) (*models.LoginToken, error) {
	query := `
		INSERT INTO login_tokens (selector, account_id, secret_hash, fingerprint_hash, expires_at, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + loginTokenColumns + `
	`

	created, err := scanLoginTokenRow(r.db.Pool.QueryRow(ctx, query,
		token.Selector, token.AccountID, token.SecretHash, token.FingerprintHash,
		token.ExpiresAt, token.IPAddress, token.UserAgent, time.Now(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create login token: %w", err)
	}

	return created, nil
}

// TokenWithLock carries the token row plus the owning account's lock state,
// read in a single locked query so verification sees a consistent snapshot.
type TokenWithLock struct {
	Token       *models.LoginToken
	Email       string
	LockedUntil *time.Time
}

// GetForUpdate loads a token by selector with a row lock, joined with the
// owning account's lock state. Must run inside a transaction.
func (r *LoginTokenRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, selector string) (*TokenWithLock, error) {
	query := `
		SELECT t.id, t.selector, t.account_id, t.secret_hash, t.fingerprint_hash,
			t.expires_at, t.consumed_at, t.consumed_ip, t.consumed_user_agent,
			t.ip_address, t.user_agent, t.created_at,
			a.email, a.locked_until
		FROM login_tokens t
		JOIN accounts a ON a.id = t.account_id
		WHERE t.selector = $1
		FOR UPDATE OF t
	`

	var token models.LoginToken
	var consumedAt, lockedUntil *time.Time
	var consumedIP, consumedUserAgent *string
	var email string

	err := tx.QueryRow(ctx, query, selector).Scan(
		&token.ID, &token.Selector, &token.AccountID,
		&token.SecretHash, &token.FingerprintHash,
		&token.ExpiresAt, &consumedAt, &consumedIP, &consumedUserAgent,
		&token.IPAddress, &token.UserAgent, &token.CreatedAt,
		&email, &lockedUntil,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	token.ConsumedAt = consumedAt
	token.ConsumedIP = consumedIP
	token.ConsumedUserAgent = consumedUserAgent

	return &TokenWithLock{Token: &token, Email: email, LockedUntil: lockedUntil}, nil
}

// Consume marks the token used. The consumed_at IS NULL guard makes the
// operation first-writer-wins even if two transactions race past the row lock.
func (r *LoginTokenRepository) Consume(ctx context.Context, tx pgx.Tx, id int64, ip, userAgent string) (bool, error) {
	query := `
		UPDATE login_tokens
		SET consumed_at = NOW(), consumed_ip = $1, consumed_user_agent = $2
		WHERE id = $3 AND consumed_at IS NULL
	`

	result, err := tx.Exec(ctx, query, ip, userAgent, id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}

	return result.RowsAffected() > 0, nil
}

// DeleteExpired removes tokens past their expiry, consumed or not.
func (r *LoginTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM login_tokens WHERE expires_at < $1`

	result, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}
