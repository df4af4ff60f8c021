// Package authenticator defines the proof-of-possession capability used by
// ceremonies, plus a software stand-in device for development.
package authenticator

import (
	"context"
	"errors"
)

var (
	// ErrCancelled is returned when the holder declines or aborts a ceremony.
	ErrCancelled = errors.New("authenticator: ceremony cancelled by user")
	// ErrUnsupported is returned when no authenticator is available.
	ErrUnsupported = errors.New("authenticator: not supported on this platform")
	// ErrUnknownCredential is returned by Get when the device does not hold
	// the requested credential.
	ErrUnknownCredential = errors.New("authenticator: unknown credential")
)

// CreateParams describes a credential-creation ceremony.
type CreateParams struct {
	Name      string
	Challenge []byte
}

// Attestation is the result of a creation ceremony.
type Attestation struct {
	PublicID  []byte
	PublicKey []byte
}

// GetParams describes an assertion ceremony for one specific credential.
type GetParams struct {
	PublicID  []byte
	Challenge []byte
}

// Assertion is the result of an assertion ceremony.
type Assertion struct {
	PublicID  []byte
	Signature []byte
}

// Authenticator performs proof-of-possession ceremonies against a hardware
// key or an equivalent device. Implementations must honor ctx cancellation.
type Authenticator interface {
	Create(ctx context.Context, p CreateParams) (*Attestation, error)
	Get(ctx context.Context, p GetParams) (*Assertion, error)
}
