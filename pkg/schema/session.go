package schema

import "time"

// AdminSession is the persisted admin login state.
type AdminSession struct {
	Authenticated     bool      `json:"authenticated"`
	AdminCredentialID string    `json:"admin_credential_id,omitempty"`
	SessionStart      time.Time `json:"session_start,omitzero"`
	LastActivity      time.Time `json:"last_activity,omitzero"`
}

// AuthAttemptCounter tracks consecutive failed admin authentications.
// The count is only reset by a successful authentication.
type AuthAttemptCounter struct {
	Count         int        `json:"count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
}

// LockedAt reports whether the counter holds a lock that is still in force.
func (c AuthAttemptCounter) LockedAt(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// SecurityEvent is one entry of the security audit log.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}
