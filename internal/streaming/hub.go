package streaming

import (
	"context"

	"github.com/rendis/pairvault/pkg/schema"
)

// EventFilter specifies which security events a subscriber wants.
// An empty Kinds list receives everything.
type EventFilter struct {
	Kinds []string `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for live security events.
type EventHub interface {
	Publish(ctx context.Context, event schema.SecurityEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.SecurityEvent, func(), error)
}
