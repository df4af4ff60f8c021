package backup

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/pairvault/internal/store"
	"github.com/rendis/pairvault/internal/validation"
	"github.com/rendis/pairvault/pkg/schema"
)

// Blob collections used by this package.
const (
	CollectionBackups     = "backup"
	CollectionEnrollments = "enrollment"
)

// DefaultRetention is how many uploaded backups are kept.
const DefaultRetention = 10

// DataStore is the part of store.Store a backup reads and replaces.
type DataStore interface {
	ListCredentials(ctx context.Context, filter schema.CredentialFilter) ([]*schema.Credential, error)
	ListVaults(ctx context.Context) ([]*schema.Vault, error)
	ReplaceAll(ctx context.Context, creds []*schema.Credential, vaults []*schema.Vault) error
}

// BlobStore is the durable blob store backups and enrollments are kept in.
type BlobStore interface {
	PutBlob(ctx context.Context, blob *store.Blob) error
	GetBlob(ctx context.Context, collection, id string) (*store.Blob, error)
	ListBlobs(ctx context.Context, collection string) ([]*store.BlobInfo, error)
	DeleteBlob(ctx context.Context, collection, id string) error
	PruneBlobs(ctx context.Context, collection string, keep int) (int, error)
}

// Manager exports, restores, and stores backups.
type Manager struct {
	data      DataStore
	blobs     BlobStore
	validator validation.Validator
	logger    *slog.Logger
	retention int
	now       func() time.Time
}

// NewManager creates a backup manager. retention <= 0 uses DefaultRetention.
func NewManager(data DataStore, blobs BlobStore, v validation.Validator, logger *slog.Logger, retention int) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		data:      data,
		blobs:     blobs,
		validator: v,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}
}

// Export snapshots every credential and vault into a bundle.
func (m *Manager) Export(ctx context.Context) (*Bundle, error) {
	creds, err := m.data.ListCredentials(ctx, schema.CredentialFilter{})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list credentials for backup").WithCause(err)
	}
	vaults, err := m.data.ListVaults(ctx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list vaults for backup").WithCause(err)
	}
	if creds == nil {
		creds = []*schema.Credential{}
	}
	if vaults == nil {
		vaults = []*schema.Vault{}
	}
	return &Bundle{
		Version:     CurrentVersion,
		ID:          uuid.NewString(),
		CreatedAt:   m.now().UTC(),
		Credentials: creds,
		Vaults:      vaults,
	}, nil
}

// Restore replaces every credential and vault with the bundle's contents.
func (m *Manager) Restore(ctx context.Context, b *Bundle) error {
	if err := Check(b); err != nil {
		return err
	}
	if err := m.data.ReplaceAll(ctx, b.Credentials, b.Vaults); err != nil {
		if schema.CodeOf(err) != "" {
			return err
		}
		return schema.NewError(schema.ErrCodeStore, "restore backup").WithCause(err)
	}
	m.logger.InfoContext(ctx, "backup restored",
		slog.String("backup_id", b.ID),
		slog.Int("credentials", len(b.Credentials)),
		slog.Int("vaults", len(b.Vaults)),
	)
	return nil
}

// Upload stores the bundle in the blob store and prunes old uploads.
func (m *Manager) Upload(ctx context.Context, b *Bundle) (*store.BlobInfo, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	data, err := Marshal(b)
	if err != nil {
		return nil, err
	}
	blob := &store.Blob{
		Collection: CollectionBackups,
		ID:         b.ID,
		Data:       data,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.blobs.PutBlob(ctx, blob); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "upload backup").WithCause(err)
	}

	pruned, err := m.blobs.PruneBlobs(ctx, CollectionBackups, m.retention)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to prune old backups", slog.String("error", err.Error()))
	} else if pruned > 0 {
		m.logger.InfoContext(ctx, "pruned old backups", slog.Int("count", pruned))
	}

	return &store.BlobInfo{
		Collection: blob.Collection,
		ID:         blob.ID,
		Size:       int64(len(data)),
		CreatedAt:  blob.CreatedAt,
	}, nil
}

// Download fetches and decodes an uploaded bundle.
func (m *Manager) Download(ctx context.Context, id string) (*Bundle, error) {
	blob, err := m.blobs.GetBlob(ctx, CollectionBackups, id)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "backup %q not found", id)
		}
		return nil, schema.NewError(schema.ErrCodeStore, "download backup").WithCause(err)
	}
	return Read(bytes.NewReader(blob.Data), m.validator)
}

// List returns uploaded backups, newest first as the store orders them.
func (m *Manager) List(ctx context.Context) ([]*store.BlobInfo, error) {
	infos, err := m.blobs.ListBlobs(ctx, CollectionBackups)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list backups").WithCause(err)
	}
	return infos, nil
}

// Delete removes one uploaded backup.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.blobs.DeleteBlob(ctx, CollectionBackups, id); err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "backup %q not found", id)
		}
		return schema.NewError(schema.ErrCodeStore, "delete backup").WithCause(err)
	}
	m.logger.InfoContext(ctx, "backup deleted", slog.String("backup_id", id))
	return nil
}
