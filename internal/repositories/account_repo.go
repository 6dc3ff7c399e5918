package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/dminischetti/passless/internal/database"
	"github.com/dminischetti/passless/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type AccountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAccountRow handles nullable fields and populates an Account model from a database row
func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var account models.Account
	var lockedUntil, lastSignInAt *time.Time
	var lastKnownIP, lastKnownCountry *string

	err := scanner.Scan(
		&account.ID, &account.Email,
		&lockedUntil, &lastSignInAt, &lastKnownIP, &lastKnownCountry,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	account.LockedUntil = lockedUntil
	account.LastSignInAt = lastSignInAt
	account.LastKnownIP = lastKnownIP
	account.LastKnownCountry = lastKnownCountry

	return &account, nil
}

const accountColumns = `id, email, locked_until, last_sign_in_at, last_known_ip, last_known_country, created_at, updated_at`

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`

	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, email))
}

// UpsertByEmail returns the account for email, creating it on first request.
// Runs inside the caller's transaction. FOR UPDATE takes no lock on an absent
// row, so two concurrent first requests for the same address can both reach
// the insert; DO NOTHING makes the loser fall through to the re-select and
// pick up the winner's row.
func (r *AccountRepository) UpsertByEmail(ctx context.Context, tx pgx.Tx, email string) (*models.Account, error) {
	selectForUpdate := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1 FOR UPDATE`

	account, err := scanAccountRow(tx.QueryRow(ctx, selectForUpdate, email))
	if err == nil {
		return account, nil
	}
	if err != models.ErrNotFound {
		return nil, err
	}

	insert := `
		INSERT INTO accounts (id, email, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (email) DO NOTHING
		RETURNING ` + accountColumns + `
	`

	created, err := scanAccountRow(tx.QueryRow(ctx, insert, uuid.New().String(), email, time.Now()))
	if err == nil {
		return created, nil
	}
	if err != models.ErrNotFound {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	account, err = scanAccountRow(tx.QueryRow(ctx, selectForUpdate, email))
	if err != nil {
		return nil, fmt.Errorf("failed to load account after insert race: %w", err)
	}

	return account, nil
}

// RecordSignIn updates the last-known attribution fields and clears any lock.
// Called exactly once per successful verification.
func (r *AccountRepository) RecordSignIn(ctx context.Context, id, ip string, country *string) error {
	query := `
		UPDATE accounts
		SET last_sign_in_at = NOW(), last_known_ip = $1, last_known_country = $2, locked_until = NULL, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.Pool.Exec(ctx, query, ip, country, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetLockedUntil applies the lockout policy's temporary lock.
func (r *AccountRepository) SetLockedUntil(ctx context.Context, id string, until time.Time) error {
	query := `UPDATE accounts SET locked_until = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Pool.Exec(ctx, query, until, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
