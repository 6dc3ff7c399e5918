package models

import "time"

// SecurityEvent is one row in the security/audit trail. Context is stored as
// JSON so post-incident queries can filter on arbitrary keys.
type SecurityEvent struct {
	ID        string
	EventType string
	Context   map[string]string
	CreatedAt time.Time
}
