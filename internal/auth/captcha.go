package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/dminischetti/passless/internal/sessions"
	pkgauth "github.com/dminischetti/passless/pkg/auth"
)

// CaptchaChallenge is what the client sees: a question plus the verification
// token it must echo back with the answer.
type CaptchaChallenge struct {
	Question string
	Token    string
}

// RequireCaptcha flags a scope as needing a human challenge. Invoked once the
// scope's attempt counter crosses the escalation threshold.
func RequireCaptcha(data *sessions.Data, scope string) {
	if data.CaptchaRequired == nil {
		data.CaptchaRequired = make(map[string]bool)
	}
	data.CaptchaRequired[scope] = true
}

// CaptchaRequired reports whether the scope is currently escalated.
func CaptchaRequired(data *sessions.Data, scope string) bool {
	return data.CaptchaRequired[scope]
}

// ClearCaptcha drops both the escalation flag and any pending challenge.
func ClearCaptcha(data *sessions.Data, scope string) {
	delete(data.CaptchaRequired, scope)
	delete(data.CaptchaChallenges, scope)
}

// GenerateCaptcha issues a simple arithmetic challenge for the scope. Only a
// salted hash of the expected answer is kept in the session.
func GenerateCaptcha(data *sessions.Data, scope string) (*CaptchaChallenge, error) {
	a, err := cryptoRandIntn(8)
	if err != nil {
		return nil, err
	}
	b, err := cryptoRandIntn(8)
	if err != nil {
		return nil, err
	}
	a += 2
	b += 2

	token, err := pkgauth.RandomHex(16)
	if err != nil {
		return nil, err
	}

	if data.CaptchaChallenges == nil {
		data.CaptchaChallenges = make(map[string]sessions.CaptchaState)
	}
	data.CaptchaChallenges[scope] = sessions.CaptchaState{
		AnswerHash: captchaAnswerHash(strconv.Itoa(a+b), token),
		Token:      token,
	}

	return &CaptchaChallenge{
		Question: fmt.Sprintf("What is %d + %d?", a, b),
		Token:    token,
	}, nil
}

// ValidateCaptcha checks the verification token and the answer hash, both in
// constant time. Success clears the scope's escalation flag: a challenge is
// single-use per escalation cycle.
func ValidateCaptcha(data *sessions.Data, scope, answer, token string) bool {
	state, ok := data.CaptchaChallenges[scope]
	if !ok || answer == "" || token == "" {
		return false
	}

	if !pkgauth.ConstantTimeEquals(state.Token, token) {
		return false
	}

	valid := pkgauth.ConstantTimeEquals(state.AnswerHash, captchaAnswerHash(strings.TrimSpace(answer), token))
	if valid {
		ClearCaptcha(data, scope)
	}
	return valid
}

func captchaAnswerHash(answer, token string) string {
	sum := sha256.Sum256([]byte(answer + "|" + token))
	return hex.EncodeToString(sum[:])
}
