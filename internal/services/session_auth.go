package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	intauth "github.com/dminischetti/passless/internal/auth"
	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/internal/sessions"
	"github.com/dminischetti/passless/pkg/auth"
)

// SessionAuth binds verified identities to sessions. Every privilege
// transition regenerates the session identifier and rotates the CSRF secret,
// so nothing captured before the transition remains usable after it.
type SessionAuth struct {
	store      *sessions.Store
	adminEmail string
	events     EventRecorder
	logger     *slog.Logger
}

func NewSessionAuth(store *sessions.Store, adminEmail string, events EventRecorder, logger *slog.Logger) *SessionAuth {
	return &SessionAuth{
		store:      store,
		adminEmail: strings.ToLower(strings.TrimSpace(adminEmail)),
		events:     events,
		logger:     logger,
	}
}

// LogIn promotes the session to an authenticated one. The previous session
// row is revoked, a fresh identifier is issued, and the admin flag is
// snapshotted from configuration at this moment only; changing the configured
// admin address later does not touch sessions already signed in.
func (s *SessionAuth) LogIn(ctx context.Context, sess *sessions.Session, account *models.Account) error {
	newID, err := auth.GenerateSessionID()
	if err != nil {
		return fmt.Errorf("failed to generate session id: %w", err)
	}

	if sess.ID != "" {
		if err := s.store.Revoke(ctx, sess.ID); err != nil {
			s.logger.Error("failed to revoke pre-login session",
				slog.String("session_id", sess.ID), slog.Any("error", err))
		}
	}

	sess.ID = newID
	sess.Data = sessions.Data{
		AccountID: account.ID,
		Email:     account.Email,
		IsAdmin:   s.isAdmin(account.Email),
		IssuedAt:  time.Now(),
	}
	if err := intauth.RotateCSRF(&sess.Data); err != nil {
		return err
	}

	if err := s.store.Write(ctx, sess); err != nil {
		return err
	}

	s.events.Record("session_started", map[string]string{
		"account_id": account.ID,
		"ip":         sess.IPAddress,
	})

	return nil
}

// LogOut demotes the session to anonymous: the authenticated row is revoked
// and the caller continues on a fresh identifier with empty data.
func (s *SessionAuth) LogOut(ctx context.Context, sess *sessions.Session) error {
	accountID := sess.Data.AccountID

	if sess.ID != "" {
		if err := s.store.Revoke(ctx, sess.ID); err != nil {
			return err
		}
	}

	newID, err := auth.GenerateSessionID()
	if err != nil {
		return fmt.Errorf("failed to generate session id: %w", err)
	}

	sess.ID = newID
	sess.Data.Reset()
	if err := intauth.RotateCSRF(&sess.Data); err != nil {
		return err
	}

	if err := s.store.Write(ctx, sess); err != nil {
		return err
	}

	if accountID != "" {
		s.events.Record("session_ended", map[string]string{
			"account_id": accountID,
			"ip":         sess.IPAddress,
		})
	}

	return nil
}

// RevokeSession revokes one of the caller's own sessions. Revoking the
// current session degrades to a full logout so the caller is not left holding
// a dead identifier.
func (s *SessionAuth) RevokeSession(ctx context.Context, sess *sessions.Session, targetID string) error {
	if !sess.Data.SignedIn() {
		return models.ErrUnauthorized
	}

	if targetID == sess.ID {
		return s.LogOut(ctx, sess)
	}

	revoked, err := s.store.RevokeOwned(ctx, targetID, sess.Data.AccountID)
	if err != nil {
		return err
	}
	if !revoked {
		return models.ErrNotFound
	}

	s.events.Record("session_revoked", map[string]string{
		"account_id": sess.Data.AccountID,
		"ip":         sess.IPAddress,
	})

	return nil
}

// ActiveSessions lists the caller's live sessions for the device overview.
func (s *SessionAuth) ActiveSessions(ctx context.Context, sess *sessions.Session) ([]*models.SessionRecord, error) {
	if !sess.Data.SignedIn() {
		return nil, models.ErrUnauthorized
	}
	return s.store.ActiveSessions(ctx, sess.Data.AccountID)
}

// isAdmin compares in constant time even though the addresses are not
// secrets, so the comparison cost does not reveal the configured admin.
func (s *SessionAuth) isAdmin(email string) bool {
	if s.adminEmail == "" {
		return false
	}
	return auth.ConstantTimeEquals(strings.ToLower(strings.TrimSpace(email)), s.adminEmail)
}
