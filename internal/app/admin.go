package app

import (
	"context"
	"io"
	"log/slog"

	"github.com/rendis/pairvault/internal/backup"
	"github.com/rendis/pairvault/internal/gate"
	"github.com/rendis/pairvault/internal/query"
	"github.com/rendis/pairvault/internal/store"
	"github.com/rendis/pairvault/pkg/schema"
)

// Login opens an admin session with the referenced credential.
func (a *App) Login(ctx context.Context, ref string) error {
	cred, err := a.registry.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	return a.gate.Authenticate(ctx, cred.ID)
}

// Logout ends the admin session.
func (a *App) Logout(ctx context.Context) error {
	return a.gate.Logout(ctx)
}

// Status reports the admin gate after applying any pending expiry.
func (a *App) Status(ctx context.Context) gate.Status {
	a.gate.CheckExpiry(ctx)
	return a.gate.Status()
}

// Reset deletes every credential and vault behind re-authentication, then
// logs out and clears the lockout counter. The audit log and stored blobs
// are kept.
func (a *App) Reset(ctx context.Context) (schema.ReauthOutcome, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return "", err
	}
	var counts map[string]any
	outcome, err := a.gate.Guard(ctx, "system_reset", func(ctx context.Context) error {
		creds, err := a.store.ListCredentials(ctx, schema.CredentialFilter{})
		if err != nil {
			return storeErr("list credentials", err)
		}
		vaults, err := a.store.ListVaults(ctx)
		if err != nil {
			return storeErr("list vaults", err)
		}
		if err := a.store.Reset(ctx); err != nil {
			return storeErr("reset", err)
		}
		// Reclaim the pages that held the removed keys and ciphertexts.
		if err := a.store.Vacuum(ctx); err != nil {
			a.logger.WarnContext(ctx, "vacuum after reset failed", slog.String("error", err.Error()))
		}
		counts = map[string]any{"credentials": len(creds), "vaults": len(vaults)}
		a.recorder.Record(ctx, schema.EventSystemReset, counts)
		return nil
	})
	if err != nil || !outcome.Proceed() {
		return outcome, err
	}
	a.gate.Reset(ctx)
	a.logger.InfoContext(ctx, "system reset", slog.Any("removed", counts))
	return outcome, nil
}

// ExportBackup writes a compressed bundle of every credential and vault.
func (a *App) ExportBackup(ctx context.Context, w io.Writer) (*backup.Bundle, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return nil, err
	}
	b, err := a.backups.Export(ctx)
	if err != nil {
		return nil, err
	}
	if err := backup.Write(w, b); err != nil {
		return nil, err
	}
	_ = a.gate.Touch(ctx)
	return b, nil
}

// ImportBackup replaces every credential and vault with a bundle read from
// r. Any supported bundle version is accepted.
func (a *App) ImportBackup(ctx context.Context, r io.Reader) (schema.ReauthOutcome, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return "", err
	}
	b, err := backup.Read(r, a.validator)
	if err != nil {
		return "", err
	}
	return a.restore(ctx, b)
}

// UploadBackup stores a fresh bundle in the blob store.
func (a *App) UploadBackup(ctx context.Context) (*store.BlobInfo, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return nil, err
	}
	b, err := a.backups.Export(ctx)
	if err != nil {
		return nil, err
	}
	info, err := a.backups.Upload(ctx, b)
	if err != nil {
		return nil, err
	}
	_ = a.gate.Touch(ctx)
	return info, nil
}

// RestoreBackup replaces every credential and vault with an uploaded
// bundle.
func (a *App) RestoreBackup(ctx context.Context, id string) (schema.ReauthOutcome, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return "", err
	}
	b, err := a.backups.Download(ctx, id)
	if err != nil {
		return "", err
	}
	return a.restore(ctx, b)
}

func (a *App) restore(ctx context.Context, b *backup.Bundle) (schema.ReauthOutcome, error) {
	return a.gate.Guard(ctx, "restore_backup", func(ctx context.Context) error {
		if err := a.backups.Restore(ctx, b); err != nil {
			return err
		}
		a.recorder.Record(ctx, schema.EventBackupRestored, map[string]any{
			"backup_id":   b.ID,
			"credentials": len(b.Credentials),
			"vaults":      len(b.Vaults),
		})
		return nil
	})
}

// DeleteBackup removes an uploaded bundle behind a fresh proof of presence.
func (a *App) DeleteBackup(ctx context.Context, id string) (schema.ReauthOutcome, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return "", err
	}
	if _, err := a.backups.Download(ctx, id); err != nil {
		return "", err
	}
	return a.gate.Guard(ctx, "delete_backup", func(ctx context.Context) error {
		return a.backups.Delete(ctx, id)
	})
}

// Backups lists uploaded bundles, newest first.
func (a *App) Backups(ctx context.Context) ([]*store.BlobInfo, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return nil, err
	}
	return a.backups.List(ctx)
}

// Sync imports published enrollments whose keys are not enrolled here.
func (a *App) Sync(ctx context.Context) (backup.SyncResult, error) {
	res, err := a.backups.PullEnrollments(ctx, a.registry)
	if err != nil {
		return res, err
	}
	if res.Imported > 0 || res.Invalid > 0 {
		a.logger.InfoContext(ctx, "enrollments synced",
			slog.Int("imported", res.Imported),
			slog.Int("invalid", res.Invalid),
		)
	}
	return res, nil
}

// Events returns security events in log order. A non-empty jq program is
// run over the whole list and its results returned instead.
func (a *App) Events(ctx context.Context, filter store.EventFilter, jq string) ([]any, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return nil, err
	}
	events, err := a.store.ListSecurityEvents(ctx, filter)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	if jq == "" {
		jq = ".[]"
	}
	out, err := query.FilterEvents(ctx, a.jq, jq, events)
	if err != nil {
		return nil, err
	}
	_ = a.gate.Touch(ctx)
	return out, nil
}

// VerifyEvents checks the audit log for removed rows and returns the
// number of events checked.
func (a *App) VerifyEvents(ctx context.Context) (int, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return 0, err
	}
	return a.store.VerifyEventSequence(ctx)
}
