package store

import (
	"encoding/json"
	"time"
)

// CredentialUpdate holds optional credential field changes.
// Only non-nil fields are applied.
type CredentialUpdate struct {
	Name        *string
	Description *string
	Active      *bool
	LastUsedAt  *time.Time
}

// Snapshot is a named, versioned JSON document.
type Snapshot struct {
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Blob is an opaque payload in a named collection.
type Blob struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Data       []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// BlobInfo is the listing view of a blob.
type BlobInfo struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventFilter narrows a security event listing.
type EventFilter struct {
	Kind  string
	Since *time.Time
	Limit int
}
