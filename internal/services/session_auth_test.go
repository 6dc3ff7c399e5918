package services

import (
	"context"
	"testing"
	"time"

	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/internal/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionAuth(repo *memSessionRepo, adminEmail string) *SessionAuth {
	store := sessions.NewStore(repo, sessions.Config{
		Lifetime:         30 * time.Minute,
		AbsoluteLifetime: 12 * time.Hour,
	}, testLogger())
	return NewSessionAuth(store, adminEmail, &MockEventRecorder{}, testLogger())
}

func anonymousSession(id string) *sessions.Session {
	return &sessions.Session{ID: id, IPAddress: "203.0.113.9", UserAgent: "UA"}
}

func TestSessionAuth_LogInRegeneratesIDAndRevokesOld(t *testing.T) {
	repo := newMemSessionRepo()
	auth := newSessionAuth(repo, "")
	ctx := context.Background()

	sess := anonymousSession("old-session-id")
	require.NoError(t, repo.Upsert(ctx, &models.SessionRecord{
		ID:        "old-session-id",
		ExpiresAt: time.Now().Add(time.Hour),
		UpdatedAt: time.Now(),
	}))

	account := &models.Account{ID: "acct-1", Email: "user@example.com"}
	require.NoError(t, auth.LogIn(ctx, sess, account))

	assert.NotEqual(t, "old-session-id", sess.ID)
	assert.Equal(t, "acct-1", sess.Data.AccountID)
	assert.NotEmpty(t, sess.Data.CSRFSecret)
	assert.False(t, sess.Data.IssuedAt.IsZero())

	old, err := repo.Get(ctx, "old-session-id")
	require.NoError(t, err)
	assert.NotNil(t, old.RevokedAt)

	current, err := repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, current.RevokedAt)
	require.NotNil(t, current.AccountID)
	assert.Equal(t, "acct-1", *current.AccountID)
}

func TestSessionAuth_AdminSnapshotAtLogin(t *testing.T) {
	auth := newSessionAuth(newMemSessionRepo(), "Admin@Example.com")
	ctx := context.Background()

	admin := anonymousSession("")
	require.NoError(t, auth.LogIn(ctx, admin, &models.Account{ID: "a", Email: "admin@example.com"}))
	assert.True(t, admin.Data.IsAdmin)

	regular := anonymousSession("")
	require.NoError(t, auth.LogIn(ctx, regular, &models.Account{ID: "b", Email: "user@example.com"}))
	assert.False(t, regular.Data.IsAdmin)
}

func TestSessionAuth_LogInRotatesCSRF(t *testing.T) {
	auth := newSessionAuth(newMemSessionRepo(), "")
	ctx := context.Background()

	sess := anonymousSession("")
	sess.Data.CSRFSecret = "pre-login-secret"

	require.NoError(t, auth.LogIn(ctx, sess, &models.Account{ID: "acct-1", Email: "user@example.com"}))
	assert.NotEqual(t, "pre-login-secret", sess.Data.CSRFSecret)
}

func TestSessionAuth_LogOutClearsIdentity(t *testing.T) {
	repo := newMemSessionRepo()
	auth := newSessionAuth(repo, "")
	ctx := context.Background()

	sess := anonymousSession("")
	require.NoError(t, auth.LogIn(ctx, sess, &models.Account{ID: "acct-1", Email: "user@example.com"}))
	loggedInID := sess.ID

	require.NoError(t, auth.LogOut(ctx, sess))

	assert.NotEqual(t, loggedInID, sess.ID)
	assert.False(t, sess.Data.SignedIn())
	assert.NotEmpty(t, sess.Data.CSRFSecret)

	old, err := repo.Get(ctx, loggedInID)
	require.NoError(t, err)
	assert.NotNil(t, old.RevokedAt)
}

func TestSessionAuth_RevokeOwnSessionOnly(t *testing.T) {
	repo := newMemSessionRepo()
	auth := newSessionAuth(repo, "")
	ctx := context.Background()

	victim := anonymousSession("")
	require.NoError(t, auth.LogIn(ctx, victim, &models.Account{ID: "victim", Email: "victim@example.com"}))

	attacker := anonymousSession("")
	require.NoError(t, auth.LogIn(ctx, attacker, &models.Account{ID: "attacker", Email: "attacker@example.com"}))

	err := auth.RevokeSession(ctx, attacker, victim.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	record, getErr := repo.Get(ctx, victim.ID)
	require.NoError(t, getErr)
	assert.Nil(t, record.RevokedAt)
}

func TestSessionAuth_RevokeCurrentSessionLogsOut(t *testing.T) {
	auth := newSessionAuth(newMemSessionRepo(), "")
	ctx := context.Background()

	sess := anonymousSession("")
	require.NoError(t, auth.LogIn(ctx, sess, &models.Account{ID: "acct-1", Email: "user@example.com"}))
	currentID := sess.ID

	require.NoError(t, auth.RevokeSession(ctx, sess, currentID))
	assert.False(t, sess.Data.SignedIn())
	assert.NotEqual(t, currentID, sess.ID)
}

func TestSessionAuth_RevokeRequiresSignIn(t *testing.T) {
	auth := newSessionAuth(newMemSessionRepo(), "")

	err := auth.RevokeSession(context.Background(), anonymousSession("anon"), "target")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestSessionAuth_ActiveSessionsListsOwnOnly(t *testing.T) {
	repo := newMemSessionRepo()
	auth := newSessionAuth(repo, "")
	ctx := context.Background()

	first := anonymousSession("")
	require.NoError(t, auth.LogIn(ctx, first, &models.Account{ID: "acct-1", Email: "user@example.com"}))

	second := anonymousSession("")
	require.NoError(t, auth.LogIn(ctx, second, &models.Account{ID: "acct-1", Email: "user@example.com"}))

	other := anonymousSession("")
	require.NoError(t, auth.LogIn(ctx, other, &models.Account{ID: "acct-2", Email: "other@example.com"}))

	records, err := auth.ActiveSessions(ctx, second)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, record := range records {
		require.NotNil(t, record.AccountID)
		assert.Equal(t, "acct-1", *record.AccountID)
	}
}
