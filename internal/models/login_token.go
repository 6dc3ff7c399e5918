package models

import "time"

// LoginToken is a single-use magic-link credential. The selector is the public
// lookup key; the secret is never stored, only its bcrypt hash. The
// fingerprint hash binds the token to the issuing client so a stolen link
// cannot be replayed from a different IP/user-agent.
type LoginToken struct {
	ID                int64
	Selector          string
	AccountID         string
	SecretHash        string
	FingerprintHash   string
	ExpiresAt         time.Time
	ConsumedAt        *time.Time
	ConsumedIP        *string
	ConsumedUserAgent *string
	IPAddress         string
	UserAgent         string
	CreatedAt         time.Time
}

// IsConsumed reports whether the token was already redeemed.
func (t *LoginToken) IsConsumed() bool {
	return t.ConsumedAt != nil
}

// IsExpired reports whether the token's TTL has elapsed.
func (t *LoginToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// MagicLink is the outcome of token issuance. The URL embeds the only copy of
// the secret that will ever exist in recoverable form.
type MagicLink struct {
	Email     string
	URL       string
	ExpiresAt time.Time
}
