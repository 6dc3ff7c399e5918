package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	intauth "github.com/dminischetti/passless/internal/auth"
	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/internal/repositories"
	"github.com/dminischetti/passless/pkg/auth"
	"github.com/jackc/pgx/v5"
)

// TokenStore is the durable layer for login tokens. GetForUpdate and Consume
// run inside the verification transaction so the status decision and the
// consumption are one atomic step.
type TokenStore interface {
	Create(ctx context.Context, token *models.LoginToken) (*models.LoginToken, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, selector string) (*repositories.TokenWithLock, error)
	Consume(ctx context.Context, tx pgx.Tx, id int64, ip, userAgent string) (bool, error)
}

// TxRunner executes a function inside a database transaction.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error
}

// EventRecorder accepts fire-and-forget security events.
type EventRecorder interface {
	Record(eventType string, context map[string]string)
}

type TokenServiceConfig struct {
	BaseURL      string
	MagicLinkTTL time.Duration
}

// TokenService owns the magic-link token lifecycle: minting selector/secret
// pairs at issuance and running the single-use verification state machine.
type TokenService struct {
	tokens TokenStore
	tx     TxRunner
	delay  *intauth.FailureDelay
	events EventRecorder
	config TokenServiceConfig
	logger *slog.Logger
}

func NewTokenService(tokens TokenStore, tx TxRunner, delay *intauth.FailureDelay, events EventRecorder, config TokenServiceConfig, logger *slog.Logger) *TokenService {
	if config.MagicLinkTTL <= 0 {
		config.MagicLinkTTL = 15 * time.Minute
	}
	return &TokenService{
		tokens: tokens,
		tx:     tx,
		delay:  delay,
		events: events,
		config: config,
		logger: logger,
	}
}

// Issue mints a token for the account and returns the complete magic link.
// Only hashes of the secret and the client fingerprint touch the database;
// the plaintext secret exists in the returned URL and nowhere else.
func (s *TokenService) Issue(ctx context.Context, accountID, email, ip, userAgent string) (*models.MagicLink, error) {
	selector, err := auth.GenerateSelector()
	if err != nil {
		return nil, fmt.Errorf("failed to generate selector: %w", err)
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	secretHash, err := auth.HashSecret(secret)
	if err != nil {
		return nil, err
	}
	fingerprintHash, err := auth.HashSecret(auth.FingerprintMaterial(ip, userAgent))
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(s.config.MagicLinkTTL)

	_, err = s.tokens.Create(ctx, &models.LoginToken{
		Selector:        selector,
		AccountID:       accountID,
		SecretHash:      secretHash,
		FingerprintHash: fingerprintHash,
		ExpiresAt:       expiresAt,
		IPAddress:       ip,
		UserAgent:       userAgent,
	})
	if err != nil {
		return nil, err
	}

	s.events.Record("magic_link_issued", map[string]string{
		"account_id": accountID,
		"ip":         ip,
	})

	link := fmt.Sprintf("%s/auth/verify?selector=%s&token=%s",
		s.config.BaseURL, url.QueryEscape(selector), url.QueryEscape(secret))

	return &models.MagicLink{
		Email:     email,
		URL:       link,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify runs the single-use verification state machine. Checks are ordered
// so the caller learns the most specific failure that does not leak secrets:
// lock state before consumption, consumption before expiry, and secret
// validity before fingerprint binding. Every failure path sleeps a jittered
// delay so outcomes are indistinguishable by timing.
func (s *TokenService) Verify(ctx context.Context, selector, secret, ip, userAgent string) (*models.VerificationResult, error) {
	result := &models.VerificationResult{Status: models.StatusInvalid}

	err := s.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		row, err := s.tokens.GetForUpdate(ctx, tx, selector)
		if err != nil {
			if err == models.ErrNotFound {
				result.Status = models.StatusInvalid
				return nil
			}
			return err
		}

		token := row.Token
		result.AccountID = token.AccountID
		result.Email = row.Email
		now := time.Now()

		switch {
		case row.LockedUntil != nil && now.Before(*row.LockedUntil):
			result.Status = models.StatusLocked
			result.Details = map[string]string{"locked_until": row.LockedUntil.Format(time.RFC3339)}
			return nil
		case token.IsConsumed():
			result.Status = models.StatusConsumed
			return nil
		case token.IsExpired(now):
			result.Status = models.StatusExpired
			return nil
		case !auth.CompareSecret(token.SecretHash, secret):
			result.Status = models.StatusInvalid
			return nil
		case !auth.CompareSecret(token.FingerprintHash, auth.FingerprintMaterial(ip, userAgent)):
			result.Status = models.StatusFingerprintMismatch
			return nil
		}

		consumed, err := s.tokens.Consume(ctx, tx, token.ID, ip, userAgent)
		if err != nil {
			return err
		}
		if !consumed {
			// Lost the race to a concurrent verification of the same token.
			result.Status = models.StatusConsumed
			return nil
		}

		result.Status = models.StatusSuccess
		return nil
	})
	if err != nil {
		s.delay.Sleep()
		return nil, err
	}

	if !result.IsSuccess() {
		s.events.Record("magic_link_rejected", map[string]string{
			"status":     string(result.Status),
			"account_id": result.AccountID,
			"ip":         ip,
		})
		s.delay.Sleep()
	}

	return result, nil
}
