package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dminischetti/passless/internal/auth"
	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/internal/services"
	"github.com/dminischetti/passless/internal/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(login LoginFlow, session SessionFlow) (*AuthHandler, *SessionManager, *memSessionRepo) {
	manager, repo := newTestSessionManager()
	if login == nil {
		login = &MockLoginFlow{}
	}
	if session == nil {
		session = &MockSessionFlow{}
	}
	return NewAuthHandler(login, session, manager, false, testLogger()), manager, repo
}

// seedSession persists a session and returns its cookie.
func seedSession(t *testing.T, manager *SessionManager, data sessions.Data) (*http.Cookie, string) {
	t.Helper()
	sess := &sessions.Session{ID: "seeded-session-id", Data: data}
	require.NoError(t, manager.store.Write(context.Background(), sess))
	return &http.Cookie{Name: testCookieName, Value: sess.ID}, sess.ID
}

func TestRequestMagicLink_Success(t *testing.T) {
	handler, _, _ := newTestHandler(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/request", strings.NewReader(`{"email":"user@example.com"}`))
	rec := httptest.NewRecorder()
	handler.RequestMagicLink(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp MagicLinkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Message)
	assert.Empty(t, resp.Link, "link must not be echoed outside development")

	// A session cookie is minted for the anonymous caller.
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, testCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
}

func TestRequestMagicLink_InvalidBody(t *testing.T) {
	handler, _, _ := newTestHandler(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/request", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	handler.RequestMagicLink(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestMagicLink_InvalidEmail(t *testing.T) {
	handler, _, _ := newTestHandler(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/request", strings.NewReader(`{"email":"not-an-email"}`))
	rec := httptest.NewRecorder()
	handler.RequestMagicLink(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestMagicLink_CaptchaChallenge(t *testing.T) {
	login := &MockLoginFlow{
		RequestMagicLinkFunc: func(ctx context.Context, sess *sessions.Session, email, answer, token string) (*services.RequestOutcome, error) {
			return &services.RequestOutcome{Captcha: &auth.CaptchaChallenge{
				Question: "What is 3 + 4?",
				Token:    "challenge-token",
			}}, models.ErrCaptchaRequired
		},
	}
	handler, _, _ := newTestHandler(login, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/request", strings.NewReader(`{"email":"user@example.com"}`))
	rec := httptest.NewRecorder()
	handler.RequestMagicLink(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp CaptchaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "captcha_required", resp.Error)
	assert.Equal(t, "What is 3 + 4?", resp.Question)
	assert.Equal(t, "challenge-token", resp.Token)
}

func TestRequestMagicLink_RateLimited(t *testing.T) {
	login := &MockLoginFlow{
		RequestMagicLinkFunc: func(ctx context.Context, sess *sessions.Session, email, answer, token string) (*services.RequestOutcome, error) {
			return &services.RequestOutcome{RetryAfter: 90 * time.Second}, models.ErrRateLimitExceeded
		},
	}
	handler, _, _ := newTestHandler(login, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/request", strings.NewReader(`{"email":"user@example.com"}`))
	rec := httptest.NewRecorder()
	handler.RequestMagicLink(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "91", rec.Header().Get("Retry-After"))
}

func TestRequestMagicLink_MailFailure(t *testing.T) {
	login := &MockLoginFlow{
		RequestMagicLinkFunc: func(ctx context.Context, sess *sessions.Session, email, answer, token string) (*services.RequestOutcome, error) {
			return nil, models.ErrMailDelivery
		},
	}
	handler, _, _ := newTestHandler(login, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/request", strings.NewReader(`{"email":"user@example.com"}`))
	rec := httptest.NewRecorder()
	handler.RequestMagicLink(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestMagicLink_EchoesLinkInDevMode(t *testing.T) {
	manager, _ := newTestSessionManager()
	handler := NewAuthHandler(&MockLoginFlow{}, &MockSessionFlow{}, manager, true, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/auth/request", strings.NewReader(`{"email":"user@example.com"}`))
	rec := httptest.NewRecorder()
	handler.RequestMagicLink(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp MagicLinkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Link, "selector=")
}

func TestVerifyMagicLink_Success(t *testing.T) {
	login := &MockLoginFlow{
		VerifyMagicLinkFunc: func(ctx context.Context, sess *sessions.Session, selector, secret string) (*models.VerificationResult, error) {
			sess.ID = "post-login-id"
			sess.Data = sessions.Data{AccountID: "acct-1", Email: "user@example.com", IssuedAt: time.Now()}
			return &models.VerificationResult{Status: models.StatusSuccess, AccountID: "acct-1", Email: "user@example.com"}, nil
		},
	}
	handler, _, _ := newTestHandler(login, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/verify?selector=abc&token=def", nil)
	rec := httptest.NewRecorder()
	handler.VerifyMagicLink(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user@example.com", resp.Email)
	assert.NotEmpty(t, resp.CSRFToken)

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, "post-login-id", cookies[0].Value)
}

func TestVerifyMagicLink_MissingParams(t *testing.T) {
	handler, _, _ := newTestHandler(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/verify?selector=abc", nil)
	rec := httptest.NewRecorder()
	handler.VerifyMagicLink(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyMagicLink_FailureStatuses(t *testing.T) {
	cases := []struct {
		status   models.VerificationStatus
		wantCode int
		wantErr  string
	}{
		{models.StatusInvalid, http.StatusUnauthorized, "link_invalid"},
		{models.StatusExpired, http.StatusUnauthorized, "link_expired"},
		{models.StatusConsumed, http.StatusUnauthorized, "link_used"},
		{models.StatusFingerprintMismatch, http.StatusUnauthorized, "link_wrong_device"},
		{models.StatusLocked, http.StatusLocked, "account_locked"},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			login := &MockLoginFlow{
				VerifyMagicLinkFunc: func(ctx context.Context, sess *sessions.Session, selector, secret string) (*models.VerificationResult, error) {
					return &models.VerificationResult{Status: tc.status}, nil
				},
			}
			handler, _, _ := newTestHandler(login, nil)

			req := httptest.NewRequest(http.MethodGet, "/auth/verify?selector=abc&token=def", nil)
			rec := httptest.NewRecorder()
			handler.VerifyMagicLink(rec, req)

			assert.Equal(t, tc.wantCode, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantErr, resp["error"])
		})
	}
}

func TestLogout_RequiresCSRF(t *testing.T) {
	handler, manager, _ := newTestHandler(nil, nil)
	cookie, _ := seedSession(t, manager, sessions.Data{AccountID: "acct-1", CSRFSecret: "csrf-secret"})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.Logout(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogout_WithCSRF(t *testing.T) {
	handler, manager, _ := newTestHandler(nil, nil)
	cookie, _ := seedSession(t, manager, sessions.Data{AccountID: "acct-1", CSRFSecret: "csrf-secret"})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(cookie)
	req.Header.Set("X-CSRF-Token", "csrf-secret")
	rec := httptest.NewRecorder()
	handler.Logout(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListSessions_RequiresSignIn(t *testing.T) {
	handler, _, _ := newTestHandler(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ListSessions(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListSessions_MarksCurrent(t *testing.T) {
	session := &MockSessionFlow{
		ActiveSessionsFunc: func(ctx context.Context, sess *sessions.Session) ([]*models.SessionRecord, error) {
			accountID := "acct-1"
			return []*models.SessionRecord{
				{ID: sess.ID, AccountID: &accountID, IPAddress: "203.0.113.9"},
				{ID: "other-session", AccountID: &accountID, IPAddress: "198.51.100.7"},
			}, nil
		},
	}
	handler, manager, _ := newTestHandler(nil, session)
	cookie, seededID := seedSession(t, manager, sessions.Data{AccountID: "acct-1"})

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ListSessions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string][]SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	infos := resp["sessions"]
	require.Len(t, infos, 2)

	byID := map[string]SessionInfo{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.True(t, byID[seededID].Current)
	assert.False(t, byID["other-session"].Current)
}

func TestRevokeSession_NotFound(t *testing.T) {
	session := &MockSessionFlow{
		RevokeSessionFunc: func(ctx context.Context, sess *sessions.Session, targetID string) error {
			return models.ErrNotFound
		},
	}
	handler, manager, _ := newTestHandler(nil, session)
	cookie, _ := seedSession(t, manager, sessions.Data{AccountID: "acct-1", CSRFSecret: "csrf-secret"})

	router := chi.NewRouter()
	router.Delete("/auth/sessions/{id}", handler.RevokeSession)

	req := httptest.NewRequest(http.MethodDelete, "/auth/sessions/unknown-id", nil)
	req.AddCookie(cookie)
	req.Header.Set("X-CSRF-Token", "csrf-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMe_NotSignedIn(t *testing.T) {
	handler, _, _ := newTestHandler(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rec := httptest.NewRecorder()
	handler.Me(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_ReturnsIdentityAndCSRF(t *testing.T) {
	handler, manager, _ := newTestHandler(nil, nil)
	cookie, _ := seedSession(t, manager, sessions.Data{AccountID: "acct-1", Email: "user@example.com"})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.Me(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "user@example.com", resp.Email)
	assert.NotEmpty(t, resp.CSRFToken)
}
