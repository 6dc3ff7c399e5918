package handlers

import (
	"context"
	"net/http"

	"github.com/dminischetti/passless/internal/auth"
	"github.com/dminischetti/passless/internal/sessions"
	pkgauth "github.com/dminischetti/passless/pkg/auth"
	pkghttp "github.com/dminischetti/passless/pkg/http"
)

// SessionManager loads a request's session from its cookie and persists it
// back after the handler has mutated it. An absent or dead cookie yields a
// fresh anonymous session so handlers never see a nil session.
type SessionManager struct {
	store    *sessions.Store
	cookie   auth.CookieConfig
	ipConfig *pkghttp.IPConfig
}

func NewSessionManager(store *sessions.Store, cookie auth.CookieConfig, ipConfig *pkghttp.IPConfig) *SessionManager {
	return &SessionManager{store: store, cookie: cookie, ipConfig: ipConfig}
}

// Load resolves the request's session. The returned session always has an
// identifier, but the identifier only reaches the database once Save runs.
func (m *SessionManager) Load(r *http.Request) (*sessions.Session, error) {
	sess := &sessions.Session{
		IPAddress: pkghttp.ExtractClientIP(r, m.ipConfig),
		UserAgent: r.Header.Get("User-Agent"),
	}

	if id := auth.GetSessionCookie(r, m.cookie); id != "" {
		data, ok, err := m.store.Read(r.Context(), id)
		if err != nil {
			return nil, err
		}
		if ok {
			sess.ID = id
			sess.Data = data
			return sess, nil
		}
	}

	id, err := pkgauth.GenerateSessionID()
	if err != nil {
		return nil, err
	}
	sess.ID = id
	return sess, nil
}

// Save persists the session and refreshes the cookie. Services may have
// swapped the identifier underneath, so the cookie is always rewritten.
func (m *SessionManager) Save(ctx context.Context, w http.ResponseWriter, sess *sessions.Session) error {
	if err := m.store.Write(ctx, sess); err != nil {
		return err
	}
	auth.SetSessionCookie(w, sess.ID, m.cookie)
	return nil
}
