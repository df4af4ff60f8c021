package app

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/pairvault/internal/access"
	"github.com/rendis/pairvault/internal/logging"
	"github.com/rendis/pairvault/internal/secrets"
	"github.com/rendis/pairvault/pkg/schema"
)

// Opened is a decrypted vault.
type Opened struct {
	Vault     schema.VaultSummary
	Plaintext []byte
}

// CreateVault encrypts plaintext for the current set of active
// credentials. The first two credentials in enumeration order prove
// possession and derive the key; every pair over the active set is
// recorded as an access pair.
func (a *App) CreateVault(ctx context.Context, name string, plaintext []byte) (*schema.Vault, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return nil, err
	}
	active, err := a.registry.List(ctx, true)
	if err != nil {
		return nil, err
	}
	pairs, used, err := access.AtCreation(active)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*schema.Credential, len(active))
	for _, c := range active {
		byID[c.ID] = c
	}
	first, second := byID[used.First], byID[used.Second]

	ctx = logging.WithOperation(ctx, "create_vault")
	for _, c := range []*schema.Credential{first, second} {
		if err := a.runner.Prove(ctx, c); err != nil {
			return nil, err
		}
	}

	now := a.now().UTC()
	if name == "" {
		name = "Vault " + now.Format("2006-01-02 15:04")
	}
	salt, err := secrets.NewSalt()
	if err != nil {
		return nil, err
	}
	vault := &schema.Vault{
		ID:             uuid.NewString(),
		Name:           name,
		Mode:           a.cfg.VaultMode,
		Salt:           salt,
		CreatedAt:      now,
		AccessPairs:    pairs,
		DerivationPair: used,
	}

	switch vault.Mode {
	case schema.VaultModeShared:
		err = sealShared(vault, plaintext, byID)
	default:
		var key [secrets.KeySize]byte
		key, err = secrets.DeriveKey(first.PublicID, second.PublicID, salt)
		if err == nil {
			vault.Ciphertext, vault.IV, err = secrets.Encrypt(plaintext, key)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := a.store.CreateVault(ctx, vault); err != nil {
		return nil, storeErr("create vault", err)
	}
	for _, c := range []*schema.Credential{first, second} {
		if err := a.registry.MarkUsed(ctx, c.ID); err != nil {
			a.logger.WarnContext(ctx, "last-used not updated", slog.String("error", err.Error()))
		}
	}

	ctx = logging.WithVaultID(ctx, vault.ID)
	a.recorder.Record(ctx, schema.EventVaultCreated, map[string]any{
		"vault_id":     vault.ID,
		"mode":         string(vault.Mode),
		"access_pairs": len(vault.AccessPairs),
	})
	_ = a.gate.Touch(ctx)
	return vault, nil
}

// sealShared encrypts under a random content key and wraps that key once
// per access pair.
func sealShared(v *schema.Vault, plaintext []byte, byID map[string]*schema.Credential) error {
	content, err := secrets.NewContentKey()
	if err != nil {
		return err
	}
	if v.Ciphertext, v.IV, err = secrets.Encrypt(plaintext, content); err != nil {
		return err
	}
	v.Wraps = make([]schema.KeyWrap, 0, len(v.AccessPairs))
	for _, p := range v.AccessPairs {
		pairKey, err := secrets.DeriveKey(byID[p.A].PublicID, byID[p.B].PublicID, v.Salt)
		if err != nil {
			return err
		}
		wrapped, iv, err := secrets.WrapKey(content, pairKey, v.Salt)
		if err != nil {
			return err
		}
		v.Wraps = append(v.Wraps, schema.KeyWrap{Pair: p, IV: iv, WrappedKey: wrapped})
	}
	return nil
}

// Vaults lists vault summaries, newest first.
func (a *App) Vaults(ctx context.Context) ([]schema.VaultSummary, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return nil, err
	}
	vaults, err := a.store.ListVaults(ctx)
	if err != nil {
		return nil, storeErr("list vaults", err)
	}
	out := make([]schema.VaultSummary, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, v.Summary())
	}
	_ = a.gate.Touch(ctx)
	return out, nil
}

// OpenVault decrypts the vault recorded against the two credentials. When
// several vaults list the pair the most recent one is opened. Both holders
// prove possession first.
func (a *App) OpenVault(ctx context.Context, refA, refB string) (*Opened, error) {
	x, y, err := a.presentPair(ctx, refA, refB)
	if err != nil {
		return nil, err
	}
	vaults, err := a.store.ListVaults(ctx)
	if err != nil {
		return nil, storeErr("list vaults", err)
	}
	v, err := access.Lookup(vaults, x.ID, y.ID)
	if err != nil {
		return nil, err
	}
	return a.open(ctx, v, x, y)
}

// OpenVaultByID decrypts a specific vault with two of its credentials.
func (a *App) OpenVaultByID(ctx context.Context, vaultID, refA, refB string) (*Opened, error) {
	x, y, err := a.presentPair(ctx, refA, refB)
	if err != nil {
		return nil, err
	}
	v, err := a.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, storeErr("get vault", err)
	}
	if !v.HasPair(x.ID, y.ID) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"vault %q has no access pair for these credentials", vaultID)
	}
	return a.open(ctx, v, x, y)
}

// presentPair resolves two credential references to distinct active
// credentials. A disabled or deleted credential makes the pair unusable.
func (a *App) presentPair(ctx context.Context, refA, refB string) (*schema.Credential, *schema.Credential, error) {
	var pair [2]*schema.Credential
	for i, ref := range []string{refA, refB} {
		c, err := a.registry.Resolve(ctx, ref)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "credential unavailable: %s", ref).WithCause(err)
			}
			return nil, nil, err
		}
		if !c.Active {
			return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "credential unavailable: %q is disabled", c.Name).
				WithDetails(map[string]any{"credential_id": c.ID})
		}
		pair[i] = c
	}
	if pair[0].ID == pair[1].ID {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "two different credentials are required")
	}
	return pair[0], pair[1], nil
}

func (a *App) open(ctx context.Context, v *schema.Vault, x, y *schema.Credential) (*Opened, error) {
	ctx = logging.WithPair(logging.WithOperation(logging.WithVaultID(ctx, v.ID), "open_vault"), x.ID, y.ID)
	for _, c := range []*schema.Credential{x, y} {
		if err := a.runner.Prove(ctx, c); err != nil {
			return nil, err
		}
	}

	plaintext, err := decryptVault(v, x, y)
	if err != nil {
		a.logger.WarnContext(ctx, "vault did not open", slog.String("error", err.Error()))
		return nil, err
	}
	for _, c := range []*schema.Credential{x, y} {
		if err := a.registry.MarkUsed(ctx, c.ID); err != nil {
			a.logger.WarnContext(ctx, "last-used not updated", slog.String("error", err.Error()))
		}
	}
	a.recorder.Record(ctx, schema.EventVaultOpened, map[string]any{
		"vault_id": v.ID,
		"pair":     []string{x.ID, y.ID},
	})
	return &Opened{Vault: v.Summary(), Plaintext: plaintext}, nil
}

// decryptVault re-derives the key from exactly the presented pair. In pair
// mode only the derivation pair decrypts; any other recorded pair fails
// the authentication tag check.
func decryptVault(v *schema.Vault, x, y *schema.Credential) ([]byte, error) {
	key, err := secrets.DeriveKey(x.PublicID, y.PublicID, v.Salt)
	if err != nil {
		return nil, err
	}
	if v.Mode == schema.VaultModeShared {
		w, ok := v.WrapFor(x.ID, y.ID)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "vault %q has no key wrap for this pair", v.ID)
		}
		if key, err = secrets.UnwrapKey(w.WrappedKey, w.IV, key, v.Salt); err != nil {
			return nil, err
		}
	}
	return secrets.Decrypt(v.Ciphertext, key, v.IV)
}

// DeleteVault removes a vault behind re-authentication.
func (a *App) DeleteVault(ctx context.Context, vaultID string) (schema.ReauthOutcome, error) {
	if err := a.gate.RequireSession(ctx); err != nil {
		return "", err
	}
	v, err := a.store.GetVault(ctx, vaultID)
	if err != nil {
		return "", storeErr("get vault", err)
	}
	ctx = logging.WithVaultID(ctx, v.ID)
	return a.gate.Guard(ctx, "delete_vault", func(ctx context.Context) error {
		if err := a.store.DeleteVault(ctx, v.ID); err != nil {
			return storeErr("delete vault", err)
		}
		a.recorder.Record(ctx, schema.EventVaultDeleted, map[string]any{
			"vault_id": v.ID,
			"name":     v.Name,
		})
		return nil
	})
}

// storeErr passes structured errors through and wraps anything else as a
// STORE_ERROR.
func storeErr(op string, err error) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}
