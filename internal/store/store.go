package store

import (
	"context"

	"github.com/rendis/pairvault/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Credentials
	CreateCredential(ctx context.Context, cred *schema.Credential) error
	GetCredential(ctx context.Context, id string) (*schema.Credential, error)
	GetCredentialByPublicID(ctx context.Context, publicID []byte) (*schema.Credential, error)
	ListCredentials(ctx context.Context, filter schema.CredentialFilter) ([]*schema.Credential, error)
	UpdateCredential(ctx context.Context, id string, update CredentialUpdate) error
	DeleteCredential(ctx context.Context, id string) error

	// Vaults (immutable after create)
	CreateVault(ctx context.Context, v *schema.Vault) error
	GetVault(ctx context.Context, id string) (*schema.Vault, error)
	ListVaults(ctx context.Context) ([]*schema.Vault, error)
	DeleteVault(ctx context.Context, id string) error

	// Snapshots
	PutSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, name string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, name string) error

	// Security events (append-only)
	AppendSecurityEvent(ctx context.Context, ev *schema.SecurityEvent) error
	ListSecurityEvents(ctx context.Context, filter EventFilter) ([]*schema.SecurityEvent, error)

	// Blobs
	PutBlob(ctx context.Context, blob *Blob) error
	GetBlob(ctx context.Context, collection, id string) (*Blob, error)
	ListBlobs(ctx context.Context, collection string) ([]*BlobInfo, error)
	DeleteBlob(ctx context.Context, collection, id string) error
	PruneBlobs(ctx context.Context, collection string, keep int) (int, error)

	// Bulk
	ReplaceAll(ctx context.Context, creds []*schema.Credential, vaults []*schema.Vault) error
	Reset(ctx context.Context) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
