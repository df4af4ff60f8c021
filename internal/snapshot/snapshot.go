// Package snapshot persists small pieces of local state as versioned JSON
// documents. Older versions are migrated forward explicitly and corrupt
// documents fall back to defaults.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/pairvault/internal/store"
	"github.com/rendis/pairvault/internal/validation"
	"github.com/rendis/pairvault/pkg/schema"
)

// Snapshot names.
const (
	NameAdminSession = "admin_session"
	NameAuthAttempts = "auth_attempts"
)

// CurrentVersion is the version every snapshot is written with.
const CurrentVersion = 2

// Store is the persistence needed by the codec. Satisfied by store.Store.
type Store interface {
	PutSnapshot(ctx context.Context, snap *store.Snapshot) error
	GetSnapshot(ctx context.Context, name string) (*store.Snapshot, error)
}

// migrateFunc rewrites a document of one version into the next version.
type migrateFunc func(raw []byte) ([]byte, error)

type kind struct {
	schemas    map[int]string
	migrations map[int]migrateFunc
}

var kinds = map[string]kind{
	NameAdminSession: {
		schemas: map[int]string{
			1: validation.SchemaAdminSessionV1,
			2: validation.SchemaAdminSessionV2,
		},
		migrations: map[int]migrateFunc{1: migrateSessionV1},
	},
	NameAuthAttempts: {
		schemas: map[int]string{
			1: validation.SchemaAuthAttemptsV1,
			2: validation.SchemaAuthAttemptsV2,
		},
		migrations: map[int]migrateFunc{1: migrateAttemptsV1},
	},
}

// Codec reads and writes snapshots.
type Codec struct {
	store     Store
	validator validation.Validator
	logger    *slog.Logger
}

// NewCodec creates a snapshot codec.
func NewCodec(s Store, v validation.Validator, logger *slog.Logger) *Codec {
	return &Codec{store: s, validator: v, logger: logger}
}

// LoadSession returns the persisted admin session, or the logged-out
// default when it is missing or unreadable.
func (c *Codec) LoadSession(ctx context.Context) (schema.AdminSession, error) {
	return load[schema.AdminSession](ctx, c, NameAdminSession)
}

// SaveSession persists the admin session.
func (c *Codec) SaveSession(ctx context.Context, s schema.AdminSession) error {
	return c.save(ctx, NameAdminSession, s)
}

// LoadAttempts returns the persisted attempt counter, or a zero counter when
// it is missing or unreadable.
func (c *Codec) LoadAttempts(ctx context.Context) (schema.AuthAttemptCounter, error) {
	return load[schema.AuthAttemptCounter](ctx, c, NameAuthAttempts)
}

// SaveAttempts persists the attempt counter.
func (c *Codec) SaveAttempts(ctx context.Context, a schema.AuthAttemptCounter) error {
	return c.save(ctx, NameAuthAttempts, a)
}

// load decodes the named snapshot. Only store failures are returned; a
// missing or corrupt document yields the zero value.
func load[T any](ctx context.Context, c *Codec, name string) (T, error) {
	var zero T
	snap, err := c.store.GetSnapshot(ctx, name)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return zero, nil
	}
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeStore, "read snapshot %s", name).WithCause(err)
	}

	var out T
	raw, err := c.upgrade(name, snap.Version, snap.Data)
	if err == nil {
		err = json.Unmarshal(raw, &out)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "discarding unreadable snapshot, using defaults",
			slog.String("snapshot", name),
			slog.Int("version", snap.Version),
			slog.String("error", err.Error()),
		)
		return zero, nil
	}
	return out, nil
}

// upgrade validates raw at its stored version and migrates it forward one
// version at a time, validating after every step.
func (c *Codec) upgrade(name string, version int, raw []byte) ([]byte, error) {
	k, ok := kinds[name]
	if !ok {
		return nil, fmt.Errorf("unknown snapshot %q", name)
	}
	if version < 1 || version > CurrentVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}
	for {
		if err := c.validator.Validate(k.schemas[version], raw); err != nil {
			return nil, err
		}
		if version == CurrentVersion {
			return raw, nil
		}
		migrate, ok := k.migrations[version]
		if !ok {
			return nil, fmt.Errorf("no migration from version %d", version)
		}
		next, err := migrate(raw)
		if err != nil {
			return nil, fmt.Errorf("migrate from version %d: %w", version, err)
		}
		raw = next
		version++
	}
}

func (c *Codec) save(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}
	if err := c.store.PutSnapshot(ctx, &store.Snapshot{
		Name:      name,
		Version:   CurrentVersion,
		Data:      raw,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write snapshot %s", name).WithCause(err)
	}
	return nil
}
