package models

import (
	"time"
)

// Account is a passwordless identity. There is no credential column: sign-in
// happens exclusively through single-use magic-link tokens.
type Account struct {
	ID               string
	Email            string
	LockedUntil      *time.Time // Temporary lock set by the lockout policy
	LastSignInAt     *time.Time
	LastKnownIP      *string
	LastKnownCountry *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsLocked reports whether the account is locked at the given instant.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}
