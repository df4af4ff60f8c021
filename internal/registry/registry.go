// Package registry manages enrolled hardware-key credentials.
package registry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rendis/pairvault/internal/access"
	"github.com/rendis/pairvault/internal/audit"
	"github.com/rendis/pairvault/internal/logging"
	"github.com/rendis/pairvault/internal/store"
	"github.com/rendis/pairvault/pkg/schema"
)

const maxNameLength = 64

// CredentialStore is the subset of store.Store used by the registry.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *schema.Credential) error
	GetCredential(ctx context.Context, id string) (*schema.Credential, error)
	GetCredentialByPublicID(ctx context.Context, publicID []byte) (*schema.Credential, error)
	ListCredentials(ctx context.Context, filter schema.CredentialFilter) ([]*schema.Credential, error)
	UpdateCredential(ctx context.Context, id string, update store.CredentialUpdate) error
	DeleteCredential(ctx context.Context, id string) error
}

// SensitiveGuard runs fn behind an admin re-authentication check.
// Satisfied by *gate.Gate.
type SensitiveGuard interface {
	Guard(ctx context.Context, op string, fn func(ctx context.Context) error) (schema.ReauthOutcome, error)
}

// Registry is the CredentialRegistry.
type Registry struct {
	store  CredentialStore
	guard  SensitiveGuard
	sink   audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry. sink may be nil.
func New(s CredentialStore, guard SensitiveGuard, sink audit.Sink, logger *slog.Logger, opts ...Option) *Registry {
	if sink == nil {
		sink = audit.Nop{}
	}
	r := &Registry{store: s, guard: guard, sink: sink, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidateName checks a credential display name.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"credential name is too long: max %d characters", maxNameLength)
	}
	return nil
}

// ValidateCredential checks required fields on a credential record.
func ValidateCredential(c *schema.Credential) error {
	if c.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential id is required")
	}
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if len(c.PublicID) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "credential public id is required")
	}
	return nil
}

// Enroll records a new credential. A public id that is already enrolled is
// rejected with CONFLICT.
func (r *Registry) Enroll(ctx context.Context, name, description string, publicID []byte) (*schema.Credential, error) {
	cred := &schema.Credential{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		PublicID:    bytes.Clone(publicID),
		EnrolledAt:  r.now().UTC(),
		Active:      true,
	}
	if err := ValidateCredential(cred); err != nil {
		return nil, err
	}

	if existing, err := r.store.GetCredentialByPublicID(ctx, publicID); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"this key is already enrolled as %q", existing.Name).
			WithDetails(map[string]any{"credential_id": existing.ID})
	} else if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, storeError("look up credential", err)
	}

	if err := r.store.CreateCredential(ctx, cred); err != nil {
		return nil, storeError("create credential", err)
	}
	ctx = logging.WithCredentialID(ctx, cred.ID)
	r.logger.InfoContext(ctx, "credential enrolled", slog.String("name", cred.Name))
	r.sink.Record(ctx, schema.EventCredentialEnrolled, map[string]any{
		"credential_id": cred.ID,
		"name":          cred.Name,
	})
	return cred, nil
}

// Get returns a credential by id.
func (r *Registry) Get(ctx context.Context, id string) (*schema.Credential, error) {
	c, err := r.store.GetCredential(ctx, id)
	if err != nil {
		return nil, storeError("get credential", err)
	}
	return c, nil
}

// GetCredential satisfies gate.CredentialSource.
func (r *Registry) GetCredential(ctx context.Context, id string) (*schema.Credential, error) {
	return r.Get(ctx, id)
}

// Resolve finds a credential by id or by name. A name shared by more than one
// credential is rejected as ambiguous.
func (r *Registry) Resolve(ctx context.Context, ref string) (*schema.Credential, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "credential reference is required")
	}
	c, err := r.store.GetCredential(ctx, ref)
	if err == nil {
		return c, nil
	}
	if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, storeError("get credential", err)
	}

	matches, err := r.store.ListCredentials(ctx, schema.CredentialFilter{Name: ref})
	if err != nil {
		return nil, storeError("list credentials", err)
	}
	switch len(matches) {
	case 0:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no credential named or identified by %q", ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"credential name %q is ambiguous; use an id", ref).
			WithDetails(map[string]any{"candidates": ids})
	}
}

// List returns credentials in enumeration order.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]*schema.Credential, error) {
	creds, err := r.store.ListCredentials(ctx, schema.CredentialFilter{ActiveOnly: activeOnly})
	if err != nil {
		return nil, storeError("list credentials", err)
	}
	access.SortForEnumeration(creds)
	return creds, nil
}

// Count returns the number of enrolled credentials, active or not.
func (r *Registry) Count(ctx context.Context) (int, error) {
	creds, err := r.List(ctx, false)
	if err != nil {
		return 0, err
	}
	return len(creds), nil
}

// Rename changes a credential's display name.
func (r *Registry) Rename(ctx context.Context, id, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if err := r.store.UpdateCredential(ctx, id, store.CredentialUpdate{Name: &name}); err != nil {
		return storeError("rename credential", err)
	}
	r.logger.InfoContext(logging.WithCredentialID(ctx, id), "credential renamed", slog.String("name", name))
	return nil
}

// Describe sets a credential's description.
func (r *Registry) Describe(ctx context.Context, id, description string) error {
	description = strings.TrimSpace(description)
	if err := r.store.UpdateCredential(ctx, id, store.CredentialUpdate{Description: &description}); err != nil {
		return storeError("update credential", err)
	}
	return nil
}

// SetActive enables or disables a credential. Disabled credentials are
// excluded from new vaults and cannot log in.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	if err := r.store.UpdateCredential(ctx, id, store.CredentialUpdate{Active: &active}); err != nil {
		return storeError("update credential", err)
	}
	r.logger.InfoContext(logging.WithCredentialID(ctx, id), "credential status changed", slog.Bool("active", active))
	return nil
}

// MarkUsed stamps the credential's last successful ceremony.
func (r *Registry) MarkUsed(ctx context.Context, id string) error {
	now := r.now().UTC()
	if err := r.store.UpdateCredential(ctx, id, store.CredentialUpdate{LastUsedAt: &now}); err != nil {
		return storeError("update credential", err)
	}
	return nil
}

// Remove deletes a credential behind admin re-authentication. Vault access
// pairs that name it become unusable; they are not rewritten.
func (r *Registry) Remove(ctx context.Context, id string) (schema.ReauthOutcome, error) {
	cred, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	ctx = logging.WithCredentialID(ctx, cred.ID)
	return r.guard.Guard(ctx, "delete_credential", func(ctx context.Context) error {
		if err := r.store.DeleteCredential(ctx, cred.ID); err != nil {
			return storeError("delete credential", err)
		}
		r.sink.Record(ctx, schema.EventCredentialDeleted, map[string]any{
			"credential_id": cred.ID,
			"name":          cred.Name,
		})
		return nil
	})
}

// Import stores a credential record received from elsewhere, keeping its id
// when free. It reports false when the public id is already enrolled.
func (r *Registry) Import(ctx context.Context, cred *schema.Credential) (bool, error) {
	if err := ValidateCredential(cred); err != nil {
		return false, err
	}
	if _, err := r.store.GetCredentialByPublicID(ctx, cred.PublicID); err == nil {
		return false, nil
	} else if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return false, storeError("look up credential", err)
	}

	rec := *cred
	rec.PublicID = bytes.Clone(cred.PublicID)
	if rec.EnrolledAt.IsZero() {
		rec.EnrolledAt = r.now().UTC()
	}
	if _, err := r.store.GetCredential(ctx, rec.ID); err == nil {
		rec.ID = uuid.NewString()
	}
	if err := r.store.CreateCredential(ctx, &rec); err != nil {
		return false, storeError("import credential", err)
	}
	r.logger.InfoContext(logging.WithCredentialID(ctx, rec.ID), "credential imported", slog.String("name", rec.Name))
	return true, nil
}

// storeError passes structured errors through and wraps anything else as a
// STORE_ERROR.
func storeError(op string, err error) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}
