package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	intauth "github.com/dminischetti/passless/internal/auth"
	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/internal/repositories"
	"github.com/jackc/pgx/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// noDelay builds a timing delay with a zero range, which disables sleeping.
func noDelay() *intauth.FailureDelay {
	return intauth.NewFailureDelay(intauth.DelayConfig{})
}

// MockTokenStore implements TokenStore for testing
type MockTokenStore struct {
	CreateFunc       func(ctx context.Context, token *models.LoginToken) (*models.LoginToken, error)
	GetForUpdateFunc func(ctx context.Context, tx pgx.Tx, selector string) (*repositories.TokenWithLock, error)
	ConsumeFunc      func(ctx context.Context, tx pgx.Tx, id int64, ip, userAgent string) (bool, error)
}

func (m *MockTokenStore) Create(ctx context.Context, token *models.LoginToken) (*models.LoginToken, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, token)
	}
	created := *token
	created.ID = 1
	return &created, nil
}

func (m *MockTokenStore) GetForUpdate(ctx context.Context, tx pgx.Tx, selector string) (*repositories.TokenWithLock, error) {
	if m.GetForUpdateFunc != nil {
		return m.GetForUpdateFunc(ctx, tx, selector)
	}
	return nil, models.ErrNotFound
}

func (m *MockTokenStore) Consume(ctx context.Context, tx pgx.Tx, id int64, ip, userAgent string) (bool, error) {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, tx, id, ip, userAgent)
	}
	return true, nil
}

// MockTxRunner implements TxRunner for testing. The default passes a nil
// transaction through, which the mock stores never touch.
type MockTxRunner struct {
	WithTransactionFunc func(ctx context.Context, fn func(pgx.Tx) error) error
}

func (m *MockTxRunner) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(nil)
}

// MockRateLimitStore implements RateLimitStore for testing
type MockRateLimitStore struct {
	HitFunc   func(ctx context.Context, scope, identifier string, window time.Duration, now time.Time) (*models.RateLimitCounter, error)
	ClearFunc func(ctx context.Context, scope, identifier string) error
}

func (m *MockRateLimitStore) Hit(ctx context.Context, scope, identifier string, window time.Duration, now time.Time) (*models.RateLimitCounter, error) {
	if m.HitFunc != nil {
		return m.HitFunc(ctx, scope, identifier, window, now)
	}
	return &models.RateLimitCounter{
		Scope:      scope,
		Identifier: identifier,
		Count:      1,
		ExpiresAt:  now.Add(window),
		LastSeen:   now,
	}, nil
}

func (m *MockRateLimitStore) Clear(ctx context.Context, scope, identifier string) error {
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx, scope, identifier)
	}
	return nil
}

// memRateLimitStore is an in-memory counter store with real window
// semantics, for flows that need counters to actually accumulate.
type memRateLimitStore struct {
	mu       sync.Mutex
	counters map[string]*models.RateLimitCounter
}

func newMemRateLimitStore() *memRateLimitStore {
	return &memRateLimitStore{counters: make(map[string]*models.RateLimitCounter)}
}

func (m *memRateLimitStore) Hit(ctx context.Context, scope, identifier string, window time.Duration, now time.Time) (*models.RateLimitCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scope + "|" + identifier
	counter, ok := m.counters[key]
	if !ok || counter.ExpiresAt.Before(now) {
		counter = &models.RateLimitCounter{
			Scope:      scope,
			Identifier: identifier,
			Count:      1,
			ExpiresAt:  now.Add(window),
		}
		m.counters[key] = counter
	} else {
		counter.Count++
	}
	counter.LastSeen = now

	snapshot := *counter
	return &snapshot, nil
}

func (m *memRateLimitStore) Clear(ctx context.Context, scope, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, scope+"|"+identifier)
	return nil
}

// MockAccountStore implements AccountStore and AccountLocker for testing
type MockAccountStore struct {
	GetByIDFunc        func(ctx context.Context, id string) (*models.Account, error)
	UpsertByEmailFunc  func(ctx context.Context, tx pgx.Tx, email string) (*models.Account, error)
	RecordSignInFunc   func(ctx context.Context, id, ip string, country *string) error
	SetLockedUntilFunc func(ctx context.Context, id string, until time.Time) error
}

func (m *MockAccountStore) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockAccountStore) UpsertByEmail(ctx context.Context, tx pgx.Tx, email string) (*models.Account, error) {
	if m.UpsertByEmailFunc != nil {
		return m.UpsertByEmailFunc(ctx, tx, email)
	}
	return &models.Account{ID: "acct-1", Email: email}, nil
}

func (m *MockAccountStore) RecordSignIn(ctx context.Context, id, ip string, country *string) error {
	if m.RecordSignInFunc != nil {
		return m.RecordSignInFunc(ctx, id, ip, country)
	}
	return nil
}

func (m *MockAccountStore) SetLockedUntil(ctx context.Context, id string, until time.Time) error {
	if m.SetLockedUntilFunc != nil {
		return m.SetLockedUntilFunc(ctx, id, until)
	}
	return nil
}

// MockEmailService implements EmailService for testing
type MockEmailService struct {
	SendMagicLinkFunc     func(ctx context.Context, link *models.MagicLink) error
	SendSecurityAlertFunc func(ctx context.Context, email, subject, body string) error
}

func (m *MockEmailService) SendMagicLink(ctx context.Context, link *models.MagicLink) error {
	if m.SendMagicLinkFunc != nil {
		return m.SendMagicLinkFunc(ctx, link)
	}
	return nil
}

func (m *MockEmailService) SendSecurityAlert(ctx context.Context, email, subject, body string) error {
	if m.SendSecurityAlertFunc != nil {
		return m.SendSecurityAlertFunc(ctx, email, subject, body)
	}
	return nil
}

// MockEventRecorder captures recorded events for assertions
type MockEventRecorder struct {
	mu     sync.Mutex
	Events []RecordedEvent
}

type RecordedEvent struct {
	EventType string
	Context   map[string]string
}

func (m *MockEventRecorder) Record(eventType string, context map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, RecordedEvent{EventType: eventType, Context: context})
}

func (m *MockEventRecorder) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.Events))
	for i, event := range m.Events {
		types[i] = event.EventType
	}
	return types
}

// MockGeoResolver implements GeoResolver for testing
type MockGeoResolver struct {
	LookupFunc func(ctx context.Context, ip string) *string
}

func (m *MockGeoResolver) Lookup(ctx context.Context, ip string) *string {
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, ip)
	}
	return nil
}

// memSessionRepo is an in-memory sessions.Repository for orchestrator tests.
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
	if existing, ok := m.records[record.ID]; ok {
		record.CreatedAt = existing.CreatedAt
		if existing.AbsoluteExpiresAt != nil {
			record.AbsoluteExpiresAt = existing.AbsoluteExpiresAt
		}
	}
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
