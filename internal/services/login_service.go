package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	intauth "github.com/dminischetti/passless/internal/auth"
	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/internal/sessions"
	"github.com/dminischetti/passless/pkg/logger"
	"github.com/jackc/pgx/v5"
)

const (
	scopeRequestEmail   = "request_email"
	scopeRequestIP      = "request_ip"
	scopeRequestEmailIP = "request_email_ip"
	scopeVerifyIP       = "verify_ip"

	captchaScopePrefix = "request:"
)

// AccountStore is the account persistence the login flow needs.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	UpsertByEmail(ctx context.Context, tx pgx.Tx, email string) (*models.Account, error)
	RecordSignIn(ctx context.Context, id, ip string, country *string) error
}

// GeoResolver attributes an IP to a country. A nil result means unknown.
type GeoResolver interface {
	Lookup(ctx context.Context, ip string) *string
}

type LoginConfig struct {
	RateLimitEmail   int
	RateLimitIP      int
	RateLimitEmailIP int
	RateLimitVerify  int
	RateLimitDecay   time.Duration
	CaptchaThreshold int
	ResendCooldown   time.Duration
}

// RequestOutcome is what a magic-link request produces: either an issued
// link, or a captcha challenge the caller must solve first, or a retry delay.
type RequestOutcome struct {
	Link       *models.MagicLink
	Captcha    *intauth.CaptchaChallenge
	RetryAfter time.Duration
}

// LoginService orchestrates the two halves of passwordless sign-in: the
// request flow (throttle, escalate to captcha, mint and mail the link) and
// the verify flow (consume the token, attribute the sign-in, bind the
// session).
type LoginService struct {
	accounts AccountStore
	tokens   *TokenService
	limiter  *RateLimiter
	lockout  *LockoutPolicy
	session  *SessionAuth
	mailer   EmailService
	geo      GeoResolver
	tx       TxRunner
	delay    *intauth.FailureDelay
	events   EventRecorder
	audit    *logger.AuditLogger
	config   LoginConfig
	logger   *slog.Logger
}

func NewLoginService(
	accounts AccountStore,
	tokens *TokenService,
	limiter *RateLimiter,
	lockout *LockoutPolicy,
	session *SessionAuth,
	mailer EmailService,
	geo GeoResolver,
	tx TxRunner,
	delay *intauth.FailureDelay,
	events EventRecorder,
	audit *logger.AuditLogger,
	config LoginConfig,
	log *slog.Logger,
) *LoginService {
	return &LoginService{
		accounts: accounts,
		tokens:   tokens,
		limiter:  limiter,
		lockout:  lockout,
		session:  session,
		mailer:   mailer,
		geo:      geo,
		tx:       tx,
		delay:    delay,
		events:   events,
		audit:    audit,
		config:   config,
		logger:   log,
	}
}

// RequestMagicLink runs the full request flow for one email address. The
// returned outcome carries exactly one of: an issued link, a captcha
// challenge (with ErrCaptchaRequired), or a retry delay (with
// ErrRateLimitExceeded).
func (s *LoginService) RequestMagicLink(ctx context.Context, sess *sessions.Session, email, captchaAnswer, captchaToken string) (*RequestOutcome, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	emailHash := hashIdentifier(email)
	captchaScope := captchaScopePrefix + emailHash

	// A pending escalation must be satisfied before any counter moves, so
	// solving the challenge is the only way to make further attempts count.
	captchaSolved := false
	if intauth.CaptchaRequired(&sess.Data, captchaScope) {
		if !intauth.ValidateCaptcha(&sess.Data, captchaScope, captchaAnswer, captchaToken) {
			challenge, err := intauth.GenerateCaptcha(&sess.Data, captchaScope)
			if err != nil {
				return nil, err
			}
			return &RequestOutcome{Captcha: challenge}, models.ErrCaptchaRequired
		}
		captchaSolved = true
	}

	outcome, err := s.applyRequestLimits(ctx, sess, email, emailHash, captchaScope, captchaSolved)
	if err != nil || outcome != nil {
		return outcome, err
	}

	var account *models.Account
	err = s.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		account, err = s.accounts.UpsertByEmail(ctx, tx, email)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}

	if account.IsLocked(time.Now()) {
		s.events.Record("request_while_locked", map[string]string{
			"account_id": account.ID,
			"ip":         sess.IPAddress,
		})
		s.delay.Sleep()
		return nil, models.ErrAccountLocked
	}

	link, err := s.tokens.Issue(ctx, account.ID, email, sess.IPAddress, sess.UserAgent)
	if err != nil {
		return nil, err
	}

	// Delivery failure aborts the request: a link the user will never see
	// must not be reported as sent.
	if err := s.mailer.SendMagicLink(ctx, link); err != nil {
		if errors.Is(err, models.ErrMailDelivery) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrMailDelivery, err)
	}

	if s.config.ResendCooldown > 0 {
		sess.Data.ResendAvailableAt = time.Now().Add(s.config.ResendCooldown)
	}

	s.audit.LogAuthAttempt(logger.AuditEvent{
		EventType: "magic_link_requested",
		AccountID: account.ID,
		IPAddress: sess.IPAddress,
		UserAgent: sess.UserAgent,
		Success:   true,
	})

	return &RequestOutcome{Link: link}, nil
}

// applyRequestLimits hits the three request counters and handles captcha
// escalation. A challenge solved in this request grants passage even though
// the counter stays above the threshold. Returns a non-nil outcome when the
// request must stop here.
func (s *LoginService) applyRequestLimits(ctx context.Context, sess *sessions.Session, email, emailHash, captchaScope string, captchaSolved bool) (*RequestOutcome, error) {
	ip := sess.IPAddress
	checks := []struct {
		scope      string
		identifier string
		limit      int
	}{
		{scopeRequestEmail, emailHash, s.config.RateLimitEmail},
		{scopeRequestIP, ip, s.config.RateLimitIP},
		{scopeRequestEmailIP, hashIdentifier(email + "|" + ip), s.config.RateLimitEmailIP},
	}

	var emailCount int
	for _, check := range checks {
		result, err := s.limiter.Hit(ctx, check.scope, check.identifier, check.limit, s.config.RateLimitDecay)
		if err != nil {
			return nil, err
		}
		if check.scope == scopeRequestEmail {
			emailCount = result.Count
		}
		if result.Limited {
			s.events.Record("request_rate_limited", map[string]string{
				"scope": check.scope,
				"ip":    ip,
			})
			s.delay.Sleep()
			return &RequestOutcome{RetryAfter: result.RetryAfter}, models.ErrRateLimitExceeded
		}
	}

	// Escalate to captcha once the per-email counter shows sustained
	// interest, before the hard limit cuts the address off entirely.
	if s.config.CaptchaThreshold > 0 && emailCount >= s.config.CaptchaThreshold && !captchaSolved && !intauth.CaptchaRequired(&sess.Data, captchaScope) {
		intauth.RequireCaptcha(&sess.Data, captchaScope)
		challenge, err := intauth.GenerateCaptcha(&sess.Data, captchaScope)
		if err != nil {
			return nil, err
		}
		return &RequestOutcome{Captcha: challenge}, models.ErrCaptchaRequired
	}

	return nil, nil
}

// VerifyMagicLink consumes a magic link and, on success, signs the session
// in. Failures feed the lockout policy; success clears it and the request
// counters for the address.
func (s *LoginService) VerifyMagicLink(ctx context.Context, sess *sessions.Session, selector, secret string) (*models.VerificationResult, error) {
	ip := sess.IPAddress

	limit, err := s.limiter.Hit(ctx, scopeVerifyIP, ip, s.config.RateLimitVerify, s.config.RateLimitDecay)
	if err != nil {
		return nil, err
	}
	if limit.Limited {
		s.events.Record("verify_rate_limited", map[string]string{"ip": ip})
		s.delay.Sleep()
		return nil, models.ErrRateLimitExceeded
	}

	result, err := s.tokens.Verify(ctx, selector, secret, ip, sess.UserAgent)
	if err != nil {
		return nil, err
	}

	if !result.IsSuccess() {
		s.audit.LogAuthAttempt(logger.AuditEvent{
			EventType:     "magic_link_verification",
			AccountID:     result.AccountID,
			IPAddress:     ip,
			UserAgent:     sess.UserAgent,
			Success:       false,
			FailureReason: string(result.Status),
		})

		// A locked account's failures are already beyond the policy.
		if result.Status != models.StatusLocked {
			if _, err := s.lockout.RegisterFailure(ctx, result.AccountID, result.Email, ip); err != nil {
				s.logger.Error("failed to register verification failure", slog.Any("error", err))
			}
		}
		return result, nil
	}

	account, err := s.accounts.GetByID(ctx, result.AccountID)
	if err != nil {
		return nil, err
	}

	var country *string
	if s.geo != nil {
		country = s.geo.Lookup(ctx, ip)
	}
	s.alertOnLocationChange(ctx, account, country)
	if err := s.accounts.RecordSignIn(ctx, account.ID, ip, country); err != nil {
		s.logger.Error("failed to record sign-in attribution",
			slog.String("account_id", account.ID), slog.Any("error", err))
	}

	s.lockout.ClearFailures(ctx, account.ID, ip)
	s.clearRequestCounters(ctx, account.Email, ip)
	intauth.ClearCaptcha(&sess.Data, captchaScopePrefix+hashIdentifier(account.Email))

	if err := s.session.LogIn(ctx, sess, account); err != nil {
		return nil, err
	}

	s.audit.LogAuthAttempt(logger.AuditEvent{
		EventType: "magic_link_verification",
		AccountID: account.ID,
		IPAddress: ip,
		UserAgent: sess.UserAgent,
		Success:   true,
	})

	return result, nil
}

// alertOnLocationChange notifies the account holder when a sign-in arrives
// from a different country than the previous one. Attribution is best-effort,
// so both countries must be known before the comparison means anything.
func (s *LoginService) alertOnLocationChange(ctx context.Context, account *models.Account, country *string) {
	if country == nil || account.LastKnownCountry == nil || *country == *account.LastKnownCountry {
		return
	}

	s.events.Record("sign_in_location_changed", map[string]string{
		"account_id": account.ID,
		"from":       *account.LastKnownCountry,
		"to":         *country,
	})

	body := fmt.Sprintf(
		"Your account was just signed in from %s. Previous sign-ins came from %s. If this was not you, revoke your active sessions.",
		*country, *account.LastKnownCountry,
	)
	if err := s.mailer.SendSecurityAlert(ctx, account.Email, "New sign-in location", body); err != nil {
		s.logger.Error("failed to send location change alert",
			slog.String("account_id", account.ID), slog.Any("error", err))
	}
}

func (s *LoginService) clearRequestCounters(ctx context.Context, email, ip string) {
	emailHash := hashIdentifier(email)
	pairs := []struct{ scope, identifier string }{
		{scopeRequestEmail, emailHash},
		{scopeRequestEmailIP, hashIdentifier(email + "|" + ip)},
	}
	for _, pair := range pairs {
		if err := s.limiter.Clear(ctx, pair.scope, pair.identifier); err != nil {
			s.logger.Error("failed to clear request counter",
				slog.String("scope", pair.scope), slog.Any("error", err))
		}
	}
}

// hashIdentifier keeps raw email addresses out of the rate limit table.
func hashIdentifier(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
