package schema

import (
	"encoding/base64"
	"time"
)

// Credential is an enrolled hardware-key record.
// PublicID is the authenticator-issued credential identifier; it is unique
// and never changes once enrolled.
type Credential struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	PublicID    []byte     `json:"public_id"`
	EnrolledAt  time.Time  `json:"enrolled_at"`
	Active      bool       `json:"active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// PublicIDText returns the standard base64 form of the public identifier.
func (c *Credential) PublicIDText() string {
	return base64.StdEncoding.EncodeToString(c.PublicID)
}

// CredentialFilter narrows a credential listing.
type CredentialFilter struct {
	ActiveOnly bool
	Name       string
}
