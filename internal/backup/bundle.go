// Package backup exports and restores the credential and vault tables as
// versioned bundles, keeps uploaded bundles in the blob store, and syncs
// enrollment records between installations.
package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/rendis/pairvault/internal/secrets"
	"github.com/rendis/pairvault/internal/validation"
	"github.com/rendis/pairvault/pkg/schema"
)

// CurrentVersion is the bundle format written by this build.
const CurrentVersion = 3

const maxBundleSize = 64 << 20

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Bundle is a full copy of the credential and vault tables.
type Bundle struct {
	Version     int                  `json:"version"`
	ID          string               `json:"id,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	Credentials []*schema.Credential `json:"credentials"`
	Vaults      []*schema.Vault      `json:"vaults"`
}

// Write encodes the bundle as zstd-compressed JSON.
func Write(w io.Writer, b *Bundle) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush backup: %w", err)
	}
	return nil
}

// Marshal is Write into a byte slice.
func Marshal(b *Bundle) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read decodes a bundle, compressed or plain JSON, of any supported version.
func Read(r io.Reader, v validation.Validator) (*Bundle, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxBundleSize+1))
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if len(raw) > maxBundleSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "backup exceeds %d bytes", maxBundleSize)
	}
	if bytes.HasPrefix(raw, zstdMagic) {
		zr, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBundleSize))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		raw, err = zr.DecodeAll(raw, nil)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "backup is not valid zstd data").WithCause(err)
		}
	}
	return Decode(raw, v)
}

// Decode parses uncompressed bundle JSON. Legacy bundles are migrated to
// the current version.
func Decode(raw []byte, v validation.Validator) (*Bundle, error) {
	var head struct {
		Version json.RawMessage `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "backup is not valid JSON").WithCause(err)
	}
	if len(head.Version) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "backup has no version")
	}

	var (
		b   *Bundle
		err error
	)
	if head.Version[0] == '"' {
		b, err = decodeLegacy(raw, v)
	} else {
		b, err = decodeCurrent(raw, v)
	}
	if err != nil {
		return nil, err
	}
	if err := Check(b); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeCurrent(raw []byte, v validation.Validator) (*Bundle, error) {
	var head struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Version == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "backup version must be an integer")
	}
	if version := *head.Version; version != CurrentVersion {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported backup version %d (this build reads %d and legacy 2.x)", version, CurrentVersion)
	}
	if err := v.Validate(validation.SchemaBackupV3, raw); err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode backup").WithCause(err)
	}
	return &b, nil
}

// Check enforces the invariants a restored bundle must satisfy.
func Check(b *Bundle) error {
	credIDs := make(map[string]bool, len(b.Credentials))
	publicIDs := make(map[string]bool, len(b.Credentials))
	for _, c := range b.Credentials {
		if c.ID == "" || len(c.PublicID) == 0 {
			return schema.NewError(schema.ErrCodeValidation, "backup credential without id or public id")
		}
		if credIDs[c.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate credential id %q in backup", c.ID)
		}
		if publicIDs[string(c.PublicID)] {
			return schema.NewErrorf(schema.ErrCodeValidation, "credential %q duplicates another public id", c.ID)
		}
		credIDs[c.ID] = true
		publicIDs[string(c.PublicID)] = true
	}

	vaultIDs := make(map[string]bool, len(b.Vaults))
	for _, vt := range b.Vaults {
		if vaultIDs[vt.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate vault id %q in backup", vt.ID)
		}
		vaultIDs[vt.ID] = true
		if vt.Mode == "" {
			vt.Mode = schema.VaultModePair
		}
		if !vt.Mode.Valid() {
			return schema.NewErrorf(schema.ErrCodeValidation, "vault %q has unknown mode %q", vt.ID, vt.Mode)
		}
		if len(vt.IV) != secrets.IVSize {
			return schema.NewErrorf(schema.ErrCodeValidation, "vault %q has a %d-byte iv", vt.ID, len(vt.IV))
		}
		if len(vt.Salt) != secrets.SaltSize {
			return schema.NewErrorf(schema.ErrCodeValidation, "vault %q has a %d-byte salt", vt.ID, len(vt.Salt))
		}
		for i, p := range vt.AccessPairs {
			vt.AccessPairs[i] = schema.NewPair(p.A, p.B)
		}
		d := vt.DerivationPair
		if !vt.HasPair(d.First, d.Second) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"vault %q derivation pair is not among its access pairs", vt.ID)
		}
		if vt.Mode == schema.VaultModeShared && len(vt.Wraps) != len(vt.AccessPairs) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"shared vault %q needs one key wrap per access pair", vt.ID)
		}
	}
	return nil
}
