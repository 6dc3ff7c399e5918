package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dminischetti/passless/internal/models"
)

// Repository defines the durable operations the store needs. The upsert must
// preserve an already-set absolute expiry (first-writer-wins); see the
// repositories package for the SQL that enforces it.
type Repository interface {
	Get(ctx context.Context, id string) (*models.SessionRecord, error)
	Upsert(ctx context.Context, record *models.SessionRecord) error
	MarkRevoked(ctx context.Context, id string) (bool, error)
	RevokeOwned(ctx context.Context, id, accountID string) (bool, error)
	ListActiveByAccount(ctx context.Context, accountID string) ([]*models.SessionRecord, error)
	DeleteDefunct(ctx context.Context, now time.Time) (int64, error)
}

// Config carries the session lifetime policy.
type Config struct {
	Lifetime         time.Duration
	AbsoluteLifetime time.Duration // zero disables the hard ceiling
	RefreshInterval  time.Duration
}

// Store implements the server-side session lifecycle: sliding expiry bounded
// by a refresh interval, a write-once absolute expiry, soft revocation and
// physical garbage collection.
type Store struct {
	repo   Repository
	config Config
	logger *slog.Logger
}

func NewStore(repo Repository, config Config, logger *slog.Logger) *Store {
	if config.Lifetime < time.Minute {
		config.Lifetime = time.Minute
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = config.Lifetime / 3
	}
	return &Store{repo: repo, config: config, logger: logger}
}

// Read loads a live session's payload. Revoked or expired rows yield empty
// data and are eagerly soft-revoked so later reads don't re-evaluate them.
func (s *Store) Read(ctx context.Context, id string) (Data, bool, error) {
	record, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Data{}, false, nil
		}
		return Data{}, false, err
	}

	if !record.IsLive(time.Now()) {
		if _, err := s.repo.MarkRevoked(ctx, id); err != nil {
			s.logger.Error("failed to revoke defunct session", slog.String("session_id", id), slog.Any("error", err))
		}
		return Data{}, false, nil
	}

	data, err := Decode(record.Data)
	if err != nil {
		return Data{}, false, err
	}
	return data, true, nil
}

// Write persists the session payload. The sliding expiry only moves forward
// when at least one refresh interval has elapsed since the previous write,
// which bounds write amplification on hot sessions. The absolute expiry is
// proposed on every write but the upsert keeps whichever value was set first.
func (s *Store) Write(ctx context.Context, sess *Session) error {
	now := time.Now()

	expiresAt := now.Add(s.config.Lifetime)
	if existing, err := s.repo.Get(ctx, sess.ID); err == nil {
		if now.Before(existing.UpdatedAt.Add(s.config.RefreshInterval)) {
			expiresAt = existing.ExpiresAt
		}
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	var absoluteExpiresAt *time.Time
	if s.config.AbsoluteLifetime > 0 {
		abs := now.Add(s.config.AbsoluteLifetime)
		absoluteExpiresAt = &abs
	}

	blob, err := sess.Data.Encode()
	if err != nil {
		return err
	}

	var accountID *string
	if sess.Data.AccountID != "" {
		accountID = &sess.Data.AccountID
	}

	return s.repo.Upsert(ctx, &models.SessionRecord{
		ID:                sess.ID,
		AccountID:         accountID,
		Data:              blob,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: absoluteExpiresAt,
		IPAddress:         sess.IPAddress,
		UserAgent:         sess.UserAgent,
	})
}

// Destroy soft-deletes the session, keeping the row for audit until GC.
func (s *Store) Destroy(ctx context.Context, id string) error {
	_, err := s.repo.MarkRevoked(ctx, id)
	return err
}

// Revoke is the deliberate-invalidation alias for Destroy, kept distinct so
// call sites read as intent rather than passive expiry.
func (s *Store) Revoke(ctx context.Context, id string) error {
	return s.Destroy(ctx, id)
}

// RevokeOwned revokes targetID only when it belongs to accountID and is not
// already revoked. Returns whether a row was actually revoked.
func (s *Store) RevokeOwned(ctx context.Context, targetID, accountID string) (bool, error) {
	return s.repo.RevokeOwned(ctx, targetID, accountID)
}

// ActiveSessions lists the non-revoked sessions belonging to an account.
func (s *Store) ActiveSessions(ctx context.Context, accountID string) ([]*models.SessionRecord, error) {
	return s.repo.ListActiveByAccount(ctx, accountID)
}

// GC physically deletes expired and revoked rows, returning the count.
func (s *Store) GC(ctx context.Context) (int64, error) {
	return s.repo.DeleteDefunct(ctx, time.Now())
}
