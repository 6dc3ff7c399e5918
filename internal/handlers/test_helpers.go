package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dminischetti/passless/internal/auth"
	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/internal/services"
	"github.com/dminischetti/passless/internal/sessions"
	pkghttp "github.com/dminischetti/passless/pkg/http"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

const testCookieName = "passless_session"

func newTestSessionManager() (*SessionManager, *memSessionRepo) {
	repo := newMemSessionRepo()
	store := sessions.NewStore(repo, sessions.Config{Lifetime: 30 * time.Minute}, testLogger())
	manager := NewSessionManager(store, auth.CookieConfig{Name: testCookieName}, &pkghttp.IPConfig{})
	return manager, repo
}

// MockLoginFlow implements LoginFlow for testing
type MockLoginFlow struct {
	RequestMagicLinkFunc func(ctx context.Context, sess *sessions.Session, email, captchaAnswer, captchaToken string) (*services.RequestOutcome, error)
	VerifyMagicLinkFunc  func(ctx context.Context, sess *sessions.Session, selector, secret string) (*models.VerificationResult, error)
}

func (m *MockLoginFlow) RequestMagicLink(ctx context.Context, sess *sessions.Session, email, captchaAnswer, captchaToken string) (*services.RequestOutcome, error) {
	if m.RequestMagicLinkFunc != nil {
		return m.RequestMagicLinkFunc(ctx, sess, email, captchaAnswer, captchaToken)
	}
	return &services.RequestOutcome{Link: &models.MagicLink{
		Email:     email,
		URL:       "https://example.test/auth/verify?selector=abc&token=def",
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}}, nil
}

func (m *MockLoginFlow) VerifyMagicLink(ctx context.Context, sess *sessions.Session, selector, secret string) (*models.VerificationResult, error) {
	if m.VerifyMagicLinkFunc != nil {
		return m.VerifyMagicLinkFunc(ctx, sess, selector, secret)
	}
	return &models.VerificationResult{Status: models.StatusInvalid}, nil
}

// MockSessionFlow implements SessionFlow for testing
type MockSessionFlow struct {
	LogOutFunc         func(ctx context.Context, sess *sessions.Session) error
	RevokeSessionFunc  func(ctx context.Context, sess *sessions.Session, targetID string) error
	ActiveSessionsFunc func(ctx context.Context, sess *sessions.Session) ([]*models.SessionRecord, error)
}

func (m *MockSessionFlow) LogOut(ctx context.Context, sess *sessions.Session) error {
	if m.LogOutFunc != nil {
		return m.LogOutFunc(ctx, sess)
	}
	sess.Data.Reset()
	return nil
}

func (m *MockSessionFlow) RevokeSession(ctx context.Context, sess *sessions.Session, targetID string) error {
	if m.RevokeSessionFunc != nil {
		return m.RevokeSessionFunc(ctx, sess, targetID)
	}
	return nil
}

func (m *MockSessionFlow) ActiveSessions(ctx context.Context, sess *sessions.Session) ([]*models.SessionRecord, error) {
	if m.ActiveSessionsFunc != nil {
		return m.ActiveSessionsFunc(ctx, sess)
	}
	if !sess.Data.SignedIn() {
		return nil, models.ErrUnauthorized
	}
	return nil, nil
}

// memSessionRepo is an in-memory sessions.Repository.
type memSessionRepo struct {
	mu      sync.Mutex
	records map[string]*models.SessionRecord
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{records: make(map[string]*models.SessionRecord)}
}

func (m *memSessionRepo) Get(ctx context.Context, id string) (*models.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	snapshot := *record
	return &snapshot, nil
}

func (m *memSessionRepo) Upsert(ctx context.Context, record *models.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *record
	m.records[record.ID] = &snapshot
	return nil
}

func (m *memSessionRepo) MarkRevoked(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok || record.RevokedAt != nil {
		return false, nil
	}
	now := time.Now()
	record.RevokedAt = &now
	return true, nil
}

func (m *memSessionRepo) RevokeOwned(ctx context.Context, id, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok || record.RevokedAt != nil || record.AccountID == nil || *record.AccountID != accountID {
		return false, nil
	}
	now := time.Now()
	record.RevokedAt = &now
	return true, nil
}

func (m *memSessionRepo) ListActiveByAccount(ctx context.Context, accountID string) ([]*models.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var records []*models.SessionRecord
	for _, record := range m.records {
		if record.AccountID != nil && *record.AccountID == accountID && record.IsLive(now) {
			snapshot := *record
			records = append(records, &snapshot)
		}
	}
	return records, nil
}

func (m *memSessionRepo) DeleteDefunct(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, record := range m.records {
		if !record.IsLive(now) {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}
