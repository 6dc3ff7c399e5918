package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dminischetti/passless/internal/auth"
	"github.com/dminischetti/passless/internal/models"
	"github.com/dminischetti/passless/internal/services"
	"github.com/dminischetti/passless/internal/sessions"
	pkghttp "github.com/dminischetti/passless/pkg/http"
	"github.com/go-chi/chi/v5"
)

// LoginFlow is the slice of the login orchestration the handler drives.
type LoginFlow interface {
	RequestMagicLink(ctx context.Context, sess *sessions.Session, email, captchaAnswer, captchaToken string) (*services.RequestOutcome, error)
	VerifyMagicLink(ctx context.Context, sess *sessions.Session, selector, secret string) (*models.VerificationResult, error)
}

// SessionFlow is the session lifecycle surface exposed over HTTP.
type SessionFlow interface {
	LogOut(ctx context.Context, sess *sessions.Session) error
	RevokeSession(ctx context.Context, sess *sessions.Session, targetID string) error
	ActiveSessions(ctx context.Context, sess *sessions.Session) ([]*models.SessionRecord, error)
}

// AuthHandler handles the passwordless authentication endpoints
type AuthHandler struct {
	login    LoginFlow
	session  SessionFlow
	manager  *SessionManager
	echoLink bool
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler. echoLink puts the minted magic
// link into the request response, for development without a mailbox only.
func NewAuthHandler(login LoginFlow, session SessionFlow, manager *SessionManager, echoLink bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		login:    login,
		session:  session,
		manager:  manager,
		echoLink: echoLink,
		logger:   logger,
	}
}

// Request DTOs

// MagicLinkRequest represents the request body for requesting a sign-in link
type MagicLinkRequest struct {
	Email         string `json:"email" validate:"required,email"`
	CaptchaAnswer string `json:"captcha_answer,omitempty"`
	CaptchaToken  string `json:"captcha_token,omitempty"`
}

// MagicLinkResponse is returned when a link was issued
type MagicLinkResponse struct {
	Message           string     `json:"message"`
	ResendAvailableAt *time.Time `json:"resend_available_at,omitempty"`
	Link              string     `json:"link,omitempty"`
}

// CaptchaResponse is returned when the request was escalated to a challenge
type CaptchaResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Question string `json:"question"`
	Token    string `json:"token"`
}

// VerifyResponse is returned on a successful verification
type VerifyResponse struct {
	Message   string `json:"message"`
	Email     string `json:"email"`
	IsAdmin   bool   `json:"is_admin"`
	CSRFToken string `json:"csrf_token"`
}

// SessionInfo describes one active session in the device overview
type SessionInfo struct {
	ID        string    `json:"id"`
	Current   bool      `json:"current"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// RequestMagicLink handles POST /auth/request
func (h *AuthHandler) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req MagicLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	sess, err := h.manager.Load(r)
	if err != nil {
		h.logger.Error("failed to load session", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	outcome, err := h.login.RequestMagicLink(r.Context(), sess, req.Email, req.CaptchaAnswer, req.CaptchaToken)

	// Captcha and rate limit mutate session state; persist before replying.
	if saveErr := h.manager.Save(r.Context(), w, sess); saveErr != nil {
		h.logger.Error("failed to save session", slog.Any("error", saveErr))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, models.ErrCaptchaRequired):
			pkghttp.WriteJSON(w, http.StatusForbidden, CaptchaResponse{
				Error:    "captcha_required",
				Message:  "Please solve the challenge and retry.",
				Question: outcome.Captcha.Question,
				Token:    outcome.Captcha.Token,
			})
		case errors.Is(err, models.ErrRateLimitExceeded):
			w.Header().Set("Retry-After", strconv.Itoa(int(outcome.RetryAfter.Seconds())+1))
			pkghttp.WriteTooManyRequests(w, "Too many sign-in requests. Please try again later.")
		case errors.Is(err, models.ErrAccountLocked):
			pkghttp.WriteError(w, http.StatusLocked, "account_locked", "Sign-in is temporarily locked for this account.")
		case errors.Is(err, models.ErrMailDelivery):
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "mail_delivery_failed", "Could not send the sign-in email. Please try again.")
		default:
			h.logger.Error("magic link request failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	resp := MagicLinkResponse{Message: "If the address is valid, a sign-in link is on its way."}
	if !sess.Data.ResendAvailableAt.IsZero() {
		resendAt := sess.Data.ResendAvailableAt
		resp.ResendAvailableAt = &resendAt
	}
	if h.echoLink && outcome.Link != nil {
		resp.Link = outcome.Link.URL
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// VerifyMagicLink handles GET /auth/verify
func (h *AuthHandler) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	selector := r.URL.Query().Get("selector")
	secret := r.URL.Query().Get("token")
	if selector == "" || secret == "" {
		pkghttp.WriteBadRequest(w, "Missing selector or token")
		return
	}

	sess, err := h.manager.Load(r)
	if err != nil {
		h.logger.Error("failed to load session", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	result, err := h.login.VerifyMagicLink(r.Context(), sess, selector, secret)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrRateLimitExceeded):
			pkghttp.WriteTooManyRequests(w, "Too many verification attempts. Please try again later.")
		default:
			h.logger.Error("verification failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	if !result.IsSuccess() {
		h.writeVerificationFailure(w, result)
		return
	}

	// LogIn already wrote the session row; Save refreshes the cookie to the
	// regenerated identifier.
	if err := h.manager.Save(r.Context(), w, sess); err != nil {
		h.logger.Error("failed to save session", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	csrfToken, err := auth.CSRFToken(&sess.Data)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{
		Message:   "Signed in.",
		Email:     sess.Data.Email,
		IsAdmin:   sess.Data.IsAdmin,
		CSRFToken: csrfToken,
	})
}

func (h *AuthHandler) writeVerificationFailure(w http.ResponseWriter, result *models.VerificationResult) {
	switch result.Status {
	case models.StatusExpired:
		pkghttp.WriteError(w, http.StatusUnauthorized, "link_expired", "This sign-in link has expired. Request a new one.")
	case models.StatusConsumed:
		pkghttp.WriteError(w, http.StatusUnauthorized, "link_used", "This sign-in link was already used. Request a new one.")
	case models.StatusFingerprintMismatch:
		pkghttp.WriteError(w, http.StatusUnauthorized, "link_wrong_device", "This sign-in link only works from the device that requested it.")
	case models.StatusLocked:
		pkghttp.WriteError(w, http.StatusLocked, "account_locked", "Sign-in is temporarily locked for this account.")
	default:
		pkghttp.WriteError(w, http.StatusUnauthorized, "link_invalid", "This sign-in link is not valid.")
	}
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireCSRF(w, r)
	if !ok {
		return
	}

	if err := h.session.LogOut(r.Context(), sess); err != nil {
		h.logger.Error("logout failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	auth.SetSessionCookie(w, sess.ID, h.manager.cookie)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "Signed out."})
}

// ListSessions handles GET /auth/sessions
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sess, err := h.manager.Load(r)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	records, err := h.session.ActiveSessions(r.Context(), sess)
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "Sign in to view sessions")
			return
		}
		h.logger.Error("failed to list sessions", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	infos := make([]SessionInfo, 0, len(records))
	for _, record := range records {
		infos = append(infos, SessionInfo{
			ID:        record.ID,
			Current:   record.ID == sess.ID,
			IPAddress: record.IPAddress,
			UserAgent: record.UserAgent,
			CreatedAt: record.CreatedAt,
			LastSeen:  record.UpdatedAt,
		})
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string][]SessionInfo{"sessions": infos})
}

// RevokeSession handles DELETE /auth/sessions/{id}
func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireCSRF(w, r)
	if !ok {
		return
	}

	targetID := chi.URLParam(r, "id")
	if targetID == "" {
		pkghttp.WriteBadRequest(w, "Missing session id")
		return
	}

	err := h.session.RevokeSession(r.Context(), sess, targetID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Sign in to revoke sessions")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "No such session")
		default:
			h.logger.Error("session revocation failed", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	// Self-revocation swapped the identifier underneath.
	auth.SetSessionCookie(w, sess.ID, h.manager.cookie)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "Session revoked."})
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess, err := h.manager.Load(r)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if !sess.Data.SignedIn() {
		pkghttp.WriteUnauthorized(w, "Not signed in")
		return
	}

	csrfToken, err := auth.CSRFToken(&sess.Data)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if err := h.manager.Save(r.Context(), w, sess); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{
		Message:   "Signed in.",
		Email:     sess.Data.Email,
		IsAdmin:   sess.Data.IsAdmin,
		CSRFToken: csrfToken,
	})
}

// requireCSRF loads the session and enforces the anti-forgery token on
// mutating endpoints. Writes the error response itself on failure.
func (h *AuthHandler) requireCSRF(w http.ResponseWriter, r *http.Request) (*sessions.Session, bool) {
	sess, err := h.manager.Load(r)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return nil, false
	}

	if !auth.ValidateCSRF(&sess.Data, r.Header.Get("X-CSRF-Token")) {
		pkghttp.WriteForbidden(w, "Invalid or missing CSRF token")
		return nil, false
	}
	return sess, true
}
