package auth

import (
	"net/http"
)

// CookieConfig holds session cookie settings
type CookieConfig struct {
	Name   string
	Secure bool
}

// SetSessionCookie writes the opaque session identifier. HttpOnly always:
// the ID is the credential, script access to it would defeat the model.
func SetSessionCookie(w http.ResponseWriter, id string, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.Name,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie deletes the session cookie.
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// GetSessionCookie reads the session identifier, empty when absent.
func GetSessionCookie(r *http.Request, config CookieConfig) string {
	cookie, err := r.Cookie(config.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
