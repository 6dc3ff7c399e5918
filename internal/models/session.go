package models

import "time"

// SessionRecord is the durable form of a server-side session. ExpiresAt
// slides forward on activity; AbsoluteExpiresAt is set once at creation and
// never extended. RevokedAt is a soft-delete marker kept for audit until GC.
type SessionRecord struct {
	ID                string
	AccountID         *string
	Data              []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
	AbsoluteExpiresAt *time.Time
	RevokedAt         *time.Time
	IPAddress         string
	UserAgent         string
}

// IsLive reports whether the record is neither revoked nor past either expiry.
func (s *SessionRecord) IsLive(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	if s.ExpiresAt.Before(now) {
		return false
	}
	if s.AbsoluteExpiresAt != nil && s.AbsoluteExpiresAt.Before(now) {
		return false
	}
	return true
}
