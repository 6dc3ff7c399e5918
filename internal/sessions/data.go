package sessions

import (
	"encoding/json"
	"fmt"
	"time"
)

// CaptchaState is one pending arithmetic challenge: the salted hash of the
// expected answer plus the verification token handed to the client.
type CaptchaState struct {
	AnswerHash string `json:"answer_hash"`
	Token      string `json:"token"`
}

// Data is the typed session payload. Everything request handlers used to keep
// in an ambient bag lives here explicitly: the signed-in identity snapshot,
// the CSRF secret and per-scope captcha escalation state.
type Data struct {
	AccountID         string                  `json:"account_id,omitempty"`
	Email             string                  `json:"email,omitempty"`
	IsAdmin           bool                    `json:"is_admin,omitempty"`
	IssuedAt          time.Time               `json:"issued_at,omitempty"`
	CSRFSecret        string                  `json:"csrf_secret,omitempty"`
	CaptchaRequired   map[string]bool         `json:"captcha_required,omitempty"`
	CaptchaChallenges map[string]CaptchaState `json:"captcha_challenges,omitempty"`
	ResendAvailableAt time.Time               `json:"resend_available_at,omitempty"`
}

// SignedIn reports whether the session carries an authenticated identity.
func (d *Data) SignedIn() bool {
	return d.AccountID != ""
}

// Reset clears everything, used on logout so no state survives the
// privilege transition.
func (d *Data) Reset() {
	*d = Data{}
}

// Encode serializes the payload for the opaque session blob.
func (d *Data) Encode() ([]byte, error) {
	encoded, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return encoded, nil
}

// Decode deserializes a session blob. An empty blob yields empty data.
func Decode(blob []byte) (Data, error) {
	var d Data
	if len(blob) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(blob, &d); err != nil {
		return Data{}, fmt.Errorf("failed to decode session data: %w", err)
	}
	return d, nil
}

// Session is the runtime handle for one request's session: the opaque
// identifier plus the decoded payload and the client attribution persisted
// alongside it.
type Session struct {
	ID        string
	Data      Data
	IPAddress string
	UserAgent string
}
