package services

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/internal/repositories"
	"github.com/dminischetti/passless/internal/sessions"
	"github.com/dminischetti/passless/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loginFixture struct {
	service     *LoginService
	accounts    *MockAccountStore
	mailer      *MockEmailService
	events      *MockEventRecorder
	sessionRepo *memSessionRepo
	sentLinks   []*models.MagicLink
}

func newLoginFixture(t *testing.T, mutate func(f *loginFixture, cfg *LoginConfig)) *loginFixture {
	t.Helper()

	f := &loginFixture{
		accounts:    &MockAccountStore{},
		events:      &MockEventRecorder{},
		sessionRepo: newMemSessionRepo(),
	}
	f.mailer = &MockEmailService{
		SendMagicLinkFunc: func(ctx context.Context, link *models.MagicLink) error {
			f.sentLinks = append(f.sentLinks, link)
			return nil
		},
	}

	accountsByID := map[string]*models.Account{}
	f.accounts.UpsertByEmailFunc = func(ctx context.Context, tx pgx.Tx, email string) (*models.Account, error) {
		id := "acct-" + email
		account, ok := accountsByID[id]
		if !ok {
			account = &models.Account{ID: id, Email: email}
			accountsByID[id] = account
		}
		return account, nil
	}
	f.accounts.GetByIDFunc = func(ctx context.Context, id string) (*models.Account, error) {
		if account, ok := accountsByID[id]; ok {
			return account, nil
		}
		return nil, models.ErrNotFound
	}

	cfg := LoginConfig{
		RateLimitEmail:   5,
		RateLimitIP:      10,
		RateLimitEmailIP: 3,
		RateLimitVerify:  10,
		RateLimitDecay:   15 * time.Minute,
		CaptchaThreshold: 3,
	}
	if mutate != nil {
		mutate(f, &cfg)
	}

	limiter := NewRateLimiter(newMemRateLimitStore(), testLogger())
	tokenStore := newMemTokenStore()
	tokens := NewTokenService(tokenStore, &MockTxRunner{}, noDelay(), f.events, TokenServiceConfig{
		BaseURL:      "https://example.test",
		MagicLinkTTL: 15 * time.Minute,
	}, testLogger())
	lockout := NewLockoutPolicy(limiter, f.accounts, f.events, f.mailer, LockoutConfig{
		Threshold: 3,
		Window:    15 * time.Minute,
		Duration:  30 * time.Minute,
	}, testLogger())
	sessionStore := sessions.NewStore(f.sessionRepo, sessions.Config{Lifetime: 30 * time.Minute}, testLogger())
	sessionAuth := NewSessionAuth(sessionStore, "", f.events, testLogger())

	f.service = NewLoginService(
		f.accounts, tokens, limiter, lockout, sessionAuth,
		f.mailer, &MockGeoResolver{}, &MockTxRunner{}, noDelay(),
		f.events, logger.NewAuditLogger(testLogger()), cfg, testLogger(),
	)
	return f
}

// memTokenStore keeps issued tokens in memory so request and verify flows
// compose in one test.
type memTokenStore struct {
	nextID int64
	tokens map[string]*models.LoginToken
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]*models.LoginToken)}
}

func (m *memTokenStore) Create(ctx context.Context, token *models.LoginToken) (*models.LoginToken, error) {
	m.nextID++
	created := *token
	created.ID = m.nextID
	m.tokens[created.Selector] = &created
	return &created, nil
}

func (m *memTokenStore) GetForUpdate(ctx context.Context, tx pgx.Tx, selector string) (*repositories.TokenWithLock, error) {
	token, ok := m.tokens[selector]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &repositories.TokenWithLock{Token: token, Email: strings.TrimPrefix(token.AccountID, "acct-")}, nil
}

func (m *memTokenStore) Consume(ctx context.Context, tx pgx.Tx, id int64, ip, userAgent string) (bool, error) {
	for _, token := range m.tokens {
		if token.ID == id {
			if token.ConsumedAt != nil {
				return false, nil
			}
			now := time.Now()
			token.ConsumedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func sessionFor(ip string) *sessions.Session {
	return &sessions.Session{IPAddress: ip, UserAgent: "Mozilla/5.0"}
}

func linkParts(t *testing.T, link *models.MagicLink) (selector, secret string) {
	t.Helper()
	parsed, err := url.Parse(link.URL)
	require.NoError(t, err)
	return parsed.Query().Get("selector"), parsed.Query().Get("token")
}

func TestLoginService_RequestIssuesAndMailsLink(t *testing.T) {
	f := newLoginFixture(t, nil)
	sess := sessionFor("203.0.113.9")

	outcome, err := f.service.RequestMagicLink(context.Background(), sess, "User@Example.com ", "", "")
	require.NoError(t, err)
	require.NotNil(t, outcome.Link)
	assert.Equal(t, "user@example.com", outcome.Link.Email)
	require.Len(t, f.sentLinks, 1)
	assert.Contains(t, f.sentLinks[0].URL, "selector=")
}

func TestLoginService_RequestThenVerifySignsIn(t *testing.T) {
	f := newLoginFixture(t, nil)
	sess := sessionFor("203.0.113.9")

	outcome, err := f.service.RequestMagicLink(context.Background(), sess, "user@example.com", "", "")
	require.NoError(t, err)
	selector, secret := linkParts(t, outcome.Link)

	result, err := f.service.VerifyMagicLink(context.Background(), sess, selector, secret)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.True(t, sess.Data.SignedIn())
	assert.Equal(t, "user@example.com", sess.Data.Email)
}

func TestLoginService_LinkIsSingleUse(t *testing.T) {
	f := newLoginFixture(t, nil)
	sess := sessionFor("203.0.113.9")

	outcome, err := f.service.RequestMagicLink(context.Background(), sess, "user@example.com", "", "")
	require.NoError(t, err)
	selector, secret := linkParts(t, outcome.Link)

	first, err := f.service.VerifyMagicLink(context.Background(), sess, selector, secret)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, first.Status)

	second, err := f.service.VerifyMagicLink(context.Background(), sessionFor("203.0.113.9"), selector, secret)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConsumed, second.Status)
}

func TestLoginService_VerifyFromDifferentClientFails(t *testing.T) {
	f := newLoginFixture(t, nil)

	outcome, err := f.service.RequestMagicLink(context.Background(), sessionFor("203.0.113.9"), "user@example.com", "", "")
	require.NoError(t, err)
	selector, secret := linkParts(t, outcome.Link)

	result, err := f.service.VerifyMagicLink(context.Background(), sessionFor("198.51.100.7"), selector, secret)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFingerprintMismatch, result.Status)
}

func TestLoginService_MailFailureAbortsRequest(t *testing.T) {
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		f.mailer.SendMagicLinkFunc = func(ctx context.Context, link *models.MagicLink) error {
			return fmt.Errorf("%w: smtp down", models.ErrMailDelivery)
		}
	})

	_, err := f.service.RequestMagicLink(context.Background(), sessionFor("203.0.113.9"), "user@example.com", "", "")
	assert.ErrorIs(t, err, models.ErrMailDelivery)
}

func TestLoginService_EmailIPLimitStopsRequests(t *testing.T) {
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		cfg.CaptchaThreshold = 10
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.service.RequestMagicLink(ctx, sessionFor("203.0.113.9"), "victim@example.com", "", "")
		require.NoError(t, err)
	}

	outcome, err := f.service.RequestMagicLink(ctx, sessionFor("203.0.113.9"), "victim@example.com", "", "")
	require.ErrorIs(t, err, models.ErrRateLimitExceeded)
	assert.Greater(t, outcome.RetryAfter, time.Duration(0))
	assert.Contains(t, f.events.Types(), "request_rate_limited")
}

func TestLoginService_CaptchaEscalationAndSolve(t *testing.T) {
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		cfg.CaptchaThreshold = 2
		cfg.RateLimitEmailIP = 10
		cfg.RateLimitEmail = 10
	})
	ctx := context.Background()
	sess := sessionFor("203.0.113.9")

	_, err := f.service.RequestMagicLink(ctx, sess, "user@example.com", "", "")
	require.NoError(t, err)

	outcome, err := f.service.RequestMagicLink(ctx, sess, "user@example.com", "", "")
	require.ErrorIs(t, err, models.ErrCaptchaRequired)
	require.NotNil(t, outcome.Captcha)

	answer := solveCaptcha(t, outcome.Captcha.Question)
	outcome, err = f.service.RequestMagicLink(ctx, sess, "user@example.com", answer, outcome.Captcha.Token)
	require.NoError(t, err)
	assert.NotNil(t, outcome.Link)
}

func TestLoginService_WrongCaptchaAnswerReissuesChallenge(t *testing.T) {
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		cfg.CaptchaThreshold = 1
		cfg.RateLimitEmailIP = 10
		cfg.RateLimitEmail = 10
	})
	ctx := context.Background()
	sess := sessionFor("203.0.113.9")

	outcome, err := f.service.RequestMagicLink(ctx, sess, "user@example.com", "", "")
	require.ErrorIs(t, err, models.ErrCaptchaRequired)
	firstToken := outcome.Captcha.Token

	outcome, err = f.service.RequestMagicLink(ctx, sess, "user@example.com", "999", firstToken)
	require.ErrorIs(t, err, models.ErrCaptchaRequired)
	require.NotNil(t, outcome.Captcha)
	assert.NotEqual(t, firstToken, outcome.Captcha.Token)
}

func TestLoginService_RequestWhileLockedRefused(t *testing.T) {
	lockedUntil := time.Now().Add(30 * time.Minute)
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		f.accounts.UpsertByEmailFunc = func(ctx context.Context, tx pgx.Tx, email string) (*models.Account, error) {
			return &models.Account{ID: "acct-1", Email: email, LockedUntil: &lockedUntil}, nil
		}
	})

	_, err := f.service.RequestMagicLink(context.Background(), sessionFor("203.0.113.9"), "user@example.com", "", "")
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Contains(t, f.events.Types(), "request_while_locked")
}

func TestLoginService_SuccessClearsRequestCounters(t *testing.T) {
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		cfg.RateLimitEmailIP = 2
		cfg.CaptchaThreshold = 10
	})
	ctx := context.Background()
	sess := sessionFor("203.0.113.9")

	outcome, err := f.service.RequestMagicLink(ctx, sess, "user@example.com", "", "")
	require.NoError(t, err)
	_, err = f.service.RequestMagicLink(ctx, sess, "user@example.com", "", "")
	require.NoError(t, err)

	selector, secret := linkParts(t, outcome.Link)
	result, err := f.service.VerifyMagicLink(ctx, sess, selector, secret)
	require.NoError(t, err)
	require.True(t, result.IsSuccess())

	// Counters were cleared, so the pair limit of 2 admits fresh requests.
	_, err = f.service.RequestMagicLink(ctx, sessionFor("203.0.113.9"), "user@example.com", "", "")
	require.NoError(t, err)
	_, err = f.service.RequestMagicLink(ctx, sessionFor("203.0.113.9"), "user@example.com", "", "")
	require.NoError(t, err)
}

func TestLoginService_VerifyRateLimitedPerIP(t *testing.T) {
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		cfg.RateLimitVerify = 2
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.service.VerifyMagicLink(ctx, sessionFor("203.0.113.9"), "ffffffffffffffffffff", "junk")
		require.NoError(t, err)
	}

	_, err := f.service.VerifyMagicLink(ctx, sessionFor("203.0.113.9"), "ffffffffffffffffffff", "junk")
	assert.ErrorIs(t, err, models.ErrRateLimitExceeded)
}

func TestLoginService_SignInAttributionRecorded(t *testing.T) {
	country := "Italy"
	var recordedIP string
	var recordedCountry *string
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		f.accounts.RecordSignInFunc = func(ctx context.Context, id, ip string, c *string) error {
			recordedIP = ip
			recordedCountry = c
			return nil
		}
	})
	f.service.geo = &MockGeoResolver{
		LookupFunc: func(ctx context.Context, ip string) *string { return &country },
	}
	ctx := context.Background()
	sess := sessionFor("203.0.113.9")

	outcome, err := f.service.RequestMagicLink(ctx, sess, "user@example.com", "", "")
	require.NoError(t, err)
	selector, secret := linkParts(t, outcome.Link)

	_, err = f.service.VerifyMagicLink(ctx, sess, selector, secret)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", recordedIP)
	require.NotNil(t, recordedCountry)
	assert.Equal(t, "Italy", *recordedCountry)
}

func TestLoginService_LocationChangeSendsAlert(t *testing.T) {
	previous := "DE"
	current := "IT"
	var alertEmail, alertSubject string
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		f.accounts.GetByIDFunc = func(ctx context.Context, id string) (*models.Account, error) {
			return &models.Account{ID: id, Email: "user@example.com", LastKnownCountry: &previous}, nil
		}
		f.mailer.SendSecurityAlertFunc = func(ctx context.Context, email, subject, body string) error {
			alertEmail = email
			alertSubject = subject
			return nil
		}
	})
	f.service.geo = &MockGeoResolver{
		LookupFunc: func(ctx context.Context, ip string) *string { return &current },
	}
	ctx := context.Background()
	sess := sessionFor("203.0.113.9")

	outcome, err := f.service.RequestMagicLink(ctx, sess, "user@example.com", "", "")
	require.NoError(t, err)
	selector, secret := linkParts(t, outcome.Link)

	_, err = f.service.VerifyMagicLink(ctx, sess, selector, secret)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", alertEmail)
	assert.Equal(t, "New sign-in location", alertSubject)
	assert.Contains(t, f.events.Types(), "sign_in_location_changed")
}

func TestLoginService_SameCountrySendsNoAlert(t *testing.T) {
	country := "IT"
	alerted := false
	f := newLoginFixture(t, func(f *loginFixture, cfg *LoginConfig) {
		f.accounts.GetByIDFunc = func(ctx context.Context, id string) (*models.Account, error) {
			return &models.Account{ID: id, Email: "user@example.com", LastKnownCountry: &country}, nil
		}
		f.mailer.SendSecurityAlertFunc = func(ctx context.Context, email, subject, body string) error {
			alerted = true
			return nil
		}
	})
	f.service.geo = &MockGeoResolver{
		LookupFunc: func(ctx context.Context, ip string) *string { return &country },
	}
	ctx := context.Background()
	sess := sessionFor("203.0.113.9")

	outcome, err := f.service.RequestMagicLink(ctx, sess, "user@example.com", "", "")
	require.NoError(t, err)
	selector, secret := linkParts(t, outcome.Link)

	result, err := f.service.VerifyMagicLink(ctx, sess, selector, secret)
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())
	assert.False(t, alerted)
}

// solveCaptcha extracts the two operands from the challenge question.
func solveCaptcha(t *testing.T, question string) string {
	t.Helper()
	var a, b int
	_, err := fmt.Sscanf(question, "What is %d + %d?", &a, &b)
	require.NoError(t, err)
	return strconv.Itoa(a + b)
}
