package auth

import (
	"github.com/dminischetti/passless/internal/sessions"
	pkgauth "github.com/dminischetti/passless/pkg/auth"
)

const csrfSecretBytes = 32

// CSRFToken lazily creates and returns the per-session anti-forgery secret.
// Repeated calls within a session return the same value.
func CSRFToken(data *sessions.Data) (string, error) {
	if data.CSRFSecret == "" {
		secret, err := pkgauth.RandomHex(csrfSecretBytes)
		if err != nil {
			return "", err
		}
		data.CSRFSecret = secret
	}
	return data.CSRFSecret, nil
}

// ValidateCSRF checks a candidate token in constant time. A session without a
// secret rejects everything.
func ValidateCSRF(data *sessions.Data, candidate string) bool {
	if data.CSRFSecret == "" || candidate == "" {
		return false
	}
	return pkgauth.ConstantTimeEquals(data.CSRFSecret, candidate)
}

// RotateCSRF replaces the secret. Called on every privilege transition so a
// token captured before login/logout cannot be replayed after it.
func RotateCSRF(data *sessions.Data) error {
	secret, err := pkgauth.RandomHex(csrfSecretBytes)
	if err != nil {
		return err
	}
	data.CSRFSecret = secret
	return nil
}
