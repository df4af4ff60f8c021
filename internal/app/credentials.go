package app

import (
	"context"
	"log/slog"

	"github.com/rendis/pairvault/internal/logging"
	"github.com/rendis/pairvault/internal/query"
	"github.com/rendis/pairvault/internal/registry"
	"github.com/rendis/pairvault/pkg/schema"
)

// Enroll runs a creation ceremony and records the new credential. The very
// first credential may be enrolled without a session; every later one
// needs an admin session.
func (a *App) Enroll(ctx context.Context, name, description string) (*schema.Credential, error) {
	if err := registry.ValidateName(name); err != nil {
		return nil, err
	}
	n, err := a.registry.Count(ctx)
	if err != nil {
		return nil, err
	}
	bootstrap := n == 0
	if !bootstrap {
		if err := a.gate.RequireSession(ctx); err != nil {
			return nil, err
		}
	}

	ctx = logging.WithOperation(ctx, "enroll")
	publicID, err := a.runner.Enroll(ctx, name)
	if err != nil {
		return nil, err
	}
	cred, err := a.registry.Enroll(ctx, name, description, publicID)
	if err != nil {
		return nil, err
	}
	if err := a.backups.PushEnrollment(ctx, cred); err != nil {
		a.logger.WarnContext(logging.WithCredentialID(ctx, cred.ID), "enrollment not published",
			slog.String("error", err.Error()))
	}
	if !bootstrap {
		_ = a.gate.Touch(ctx)
	}
	return cred, nil
}

// Credentials lists every credential in enumeration order, optionally
// narrowed by an expr predicate such as `active && idle_days > 30`.
func (a *App) Credentials(ctx context.Context, where string) ([]*schema.Credential, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return nil, err
	}
	creds, err := a.registry.List(ctx, false)
	if err != nil {
		return nil, err
	}
	out, err := query.FilterCredentials(a.expr, where, creds, a.now())
	if err != nil {
		return nil, err
	}
	_ = a.gate.Touch(ctx)
	return out, nil
}

// RenameCredential changes a credential's display name.
func (a *App) RenameCredential(ctx context.Context, ref, name string) (*schema.Credential, error) {
	return a.updateCredential(ctx, ref, func(ctx context.Context, id string) error {
		return a.registry.Rename(ctx, id, name)
	})
}

// DescribeCredential changes a credential's description.
func (a *App) DescribeCredential(ctx context.Context, ref, description string) (*schema.Credential, error) {
	return a.updateCredential(ctx, ref, func(ctx context.Context, id string) error {
		return a.registry.Describe(ctx, id, description)
	})
}

// SetCredentialActive enables or disables a credential. A disabled
// credential cannot log in or open vaults, and is left out of new vaults.
func (a *App) SetCredentialActive(ctx context.Context, ref string, active bool) (*schema.Credential, error) {
	return a.updateCredential(ctx, ref, func(ctx context.Context, id string) error {
		return a.registry.SetActive(ctx, id, active)
	})
}

func (a *App) updateCredential(ctx context.Context, ref string, fn func(ctx context.Context, id string) error) (*schema.Credential, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return nil, err
	}
	cred, err := a.registry.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithCredentialID(ctx, cred.ID)
	if err := fn(ctx, cred.ID); err != nil {
		return nil, err
	}
	_ = a.gate.Touch(ctx)
	return a.registry.Get(ctx, cred.ID)
}

// RemoveCredential deletes a credential behind re-authentication.
func (a *App) RemoveCredential(ctx context.Context, ref string) (schema.ReauthOutcome, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return "", err
	}
	cred, err := a.registry.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return a.registry.Remove(ctx, cred.ID)
}

// TestCredential runs one ceremony against a credential and records its
// use. Failures here never count toward the admin lockout.
func (a *App) TestCredential(ctx context.Context, ref string) (*schema.Credential, error) {
	cred, err := a.registry.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithOperation(logging.WithCredentialID(ctx, cred.ID), "test_credential")
	if err := a.runner.Prove(ctx, cred); err != nil {
		return nil, err
	}
	if err := a.registry.MarkUsed(ctx, cred.ID); err != nil {
		return nil, err
	}
	return a.registry.Get(ctx, cred.ID)
}
