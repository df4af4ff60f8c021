// Package ceremony runs proof-of-possession ceremonies against the
// authenticator, one at a time per credential.
package ceremony

import (
	"sync"

	"github.com/rendis/pairvault/pkg/schema"
)

// Guard ensures at most one ceremony is in flight per credential.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{inflight: make(map[string]struct{})}
}

// Handle marks a credential as busy until Release is called.
type Handle struct {
	guard *Guard
	id    string
	once  sync.Once
}

// Start marks credentialID as busy. It fails with ErrCodeAlreadyInProgress if
// a ceremony for the same credential has not been released yet.
func (g *Guard) Start(credentialID string) (*Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inflight[credentialID]; ok {
		return nil, schema.NewErrorf(schema.ErrCodeAlreadyInProgress,
			"authentication already in progress for credential %s", credentialID).
			WithDetails(map[string]any{"credential_id": credentialID})
	}
	g.inflight[credentialID] = struct{}{}
	return &Handle{guard: g, id: credentialID}, nil
}

// Busy reports whether a ceremony for credentialID is in flight.
func (g *Guard) Busy(credentialID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[credentialID]
	return ok
}

// Release frees the credential. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.guard.mu.Lock()
		defer h.guard.mu.Unlock()
		delete(h.guard.inflight, h.id)
	})
}
