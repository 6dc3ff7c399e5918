package sessions

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dminischetti/passless/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo mimics the durable upsert semantics: created_at survives and
// absolute_expires_at is first-writer-wins.
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*models.SessionRecord
	revoked []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*models.SessionRecord)}
}

func (f *fakeRepo) Get(ctx context.Context, id string) (*models.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	snapshot := *record
	return &snapshot, nil
}

func (f *fakeRepo) Upsert(ctx context.Context, record *models.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := *record
	if existing, ok := f.records[record.ID]; ok {
		snapshot.CreatedAt = existing.CreatedAt
		if existing.AbsoluteExpiresAt != nil {
			snapshot.AbsoluteExpiresAt = existing.AbsoluteExpiresAt
		}
	}
	f.records[record.ID] = &snapshot
	return nil
}

func (f *fakeRepo) MarkRevoked(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	record, ok := f.records[id]
	if !ok || record.RevokedAt != nil {
		return false, nil
	}
	now := time.Now()
	record.RevokedAt = &now
	return true, nil
}

func (f *fakeRepo) RevokeOwned(ctx context.Context, id, accountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok || record.RevokedAt != nil || record.AccountID == nil || *record.AccountID != accountID {
		return false, nil
	}
	now := time.Now()
	record.RevokedAt = &now
	return true, nil
}

func (f *fakeRepo) ListActiveByAccount(ctx context.Context, accountID string) ([]*models.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var records []*models.SessionRecord
	for _, record := range f.records {
		if record.AccountID != nil && *record.AccountID == accountID && record.IsLive(now) {
			snapshot := *record
			records = append(records, &snapshot)
		}
	}
	return records, nil
}

func (f *fakeRepo) DeleteDefunct(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for id, record := range f.records {
		if !record.IsLive(now) {
			delete(f.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func newTestStore(repo Repository, config Config) *Store {
	return NewStore(repo, config, slog.New(slog.DiscardHandler))
}

func TestStore_WriteThenRead(t *testing.T) {
	repo := newFakeRepo()
	store := newTestStore(repo, Config{Lifetime: 30 * time.Minute})
	ctx := context.Background()

	sess := &Session{ID: "sess-1", Data: Data{AccountID: "acct-1", Email: "user@example.com"}}
	require.NoError(t, store.Write(ctx, sess))

	data, ok, err := store.Read(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acct-1", data.AccountID)
	assert.Equal(t, "user@example.com", data.Email)
}

func TestStore_ReadUnknownSessionIsMiss(t *testing.T) {
	store := newTestStore(newFakeRepo(), Config{Lifetime: 30 * time.Minute})

	_, ok, err := store.Read(context.Background(), "no-such-id")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ExpiredSessionIsMissAndRevoked(t *testing.T) {
	repo := newFakeRepo()
	store := newTestStore(repo, Config{Lifetime: 30 * time.Minute})
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &models.SessionRecord{
		ID:        "stale",
		ExpiresAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now().Add(-time.Hour),
	}))

	_, ok, err := store.Read(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, repo.revoked, "stale")
}

func TestStore_RevokedSessionIsMiss(t *testing.T) {
	repo := newFakeRepo()
	store := newTestStore(repo, Config{Lifetime: 30 * time.Minute})
	ctx := context.Background()

	sess := &Session{ID: "sess-1", Data: Data{AccountID: "acct-1"}}
	require.NoError(t, store.Write(ctx, sess))
	require.NoError(t, store.Revoke(ctx, "sess-1"))

	_, ok, err := store.Read(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SlidingExpiryOnlyAfterRefreshInterval(t *testing.T) {
	repo := newFakeRepo()
	store := newTestStore(repo, Config{Lifetime: 30 * time.Minute, RefreshInterval: 10 * time.Minute})
	ctx := context.Background()

	sess := &Session{ID: "sess-1"}
	require.NoError(t, store.Write(ctx, sess))

	first, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)

	// A write inside the refresh interval keeps the expiry untouched.
	require.NoError(t, store.Write(ctx, sess))
	second, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, second.ExpiresAt.Equal(first.ExpiresAt))

	// Once the interval has passed, the expiry slides forward.
	repo.mu.Lock()
	repo.records["sess-1"].UpdatedAt = time.Now().Add(-11 * time.Minute)
	repo.mu.Unlock()

	require.NoError(t, store.Write(ctx, sess))
	third, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, third.ExpiresAt.After(first.ExpiresAt))
}

func TestStore_AbsoluteExpiryIsFirstWriterWins(t *testing.T) {
	repo := newFakeRepo()
	store := newTestStore(repo, Config{Lifetime: 30 * time.Minute, AbsoluteLifetime: 12 * time.Hour, RefreshInterval: time.Nanosecond})
	ctx := context.Background()

	sess := &Session{ID: "sess-1"}
	require.NoError(t, store.Write(ctx, sess))

	first, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, first.AbsoluteExpiresAt)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Write(ctx, sess))

	second, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, second.AbsoluteExpiresAt)
	assert.True(t, second.AbsoluteExpiresAt.Equal(*first.AbsoluteExpiresAt))
}

func TestStore_AbsoluteExpiryEndsLiveSession(t *testing.T) {
	repo := newFakeRepo()
	store := newTestStore(repo, Config{Lifetime: 30 * time.Minute})
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, repo.Upsert(ctx, &models.SessionRecord{
		ID:                "sess-1",
		ExpiresAt:         time.Now().Add(time.Hour),
		AbsoluteExpiresAt: &past,
		UpdatedAt:         time.Now(),
	}))

	_, ok, err := store.Read(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_GCDeletesDefunctOnly(t *testing.T) {
	repo := newFakeRepo()
	store := newTestStore(repo, Config{Lifetime: 30 * time.Minute})
	ctx := context.Background()

	live := &Session{ID: "live"}
	require.NoError(t, store.Write(ctx, live))

	dead := &Session{ID: "dead"}
	require.NoError(t, store.Write(ctx, dead))
	require.NoError(t, store.Revoke(ctx, "dead"))

	deleted, err := store.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, ok, err := store.Read(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestData_EncodeDecodeRoundTrip(t *testing.T) {
	data := Data{
		AccountID:  "acct-1",
		Email:      "user@example.com",
		IsAdmin:    true,
		IssuedAt:   time.Now().Truncate(time.Second),
		CSRFSecret: "secret",
		CaptchaRequired: map[string]bool{
			"request:abc": true,
		},
	}

	blob, err := data.Encode()
	require.NoError(t, err)

	decoded, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, data.AccountID, decoded.AccountID)
	assert.Equal(t, data.IsAdmin, decoded.IsAdmin)
	assert.True(t, decoded.CaptchaRequired["request:abc"])
}

func TestDecode_EmptyBlob(t *testing.T) {
	data, err := Decode(nil)
	require.NoError(t, err)
	assert.False(t, data.SignedIn())
}
