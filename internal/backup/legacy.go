package backup

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/pairvault/internal/validation"
	"github.com/rendis/pairvault/pkg/schema"
)

// Legacy bundles come from the browser-era admin panel. Maps were serialised
// as [key, value] entry arrays, binary fields as base64 text, and records
// used camelCase names.

type legacyBundle struct {
	Version   string               `json:"version"`
	CreatedAt string               `json:"createdAt"`
	Keys      [][2]json.RawMessage `json:"keys"`
	Vaults    [][2]json.RawMessage `json:"vaults"`
}

type legacyKey struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  *string `json:"description"`
	CredentialID string  `json:"credentialId"`
	EnrolledAt   *string `json:"enrolledAt"`
	Active       *bool   `json:"active"`
	LastUsed     *string `json:"lastUsed"`
}

type legacyVault struct {
	ID                string     `json:"id"`
	Name              *string    `json:"name"`
	EncryptedData     string     `json:"encryptedData"`
	IV                string     `json:"iv"`
	Salt              string     `json:"salt"`
	CreatedAt         *string    `json:"createdAt"`
	KeyPairs          [][]string `json:"keyPairs"`
	EncryptionKeyPair []string   `json:"encryptionKeyPair"`
}

func decodeLegacy(raw []byte, v validation.Validator) (*Bundle, error) {
	if err := v.Validate(validation.SchemaBackupLegacy, raw); err != nil {
		return nil, err
	}
	var lb legacyBundle
	if err := json.Unmarshal(raw, &lb); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode legacy backup").WithCause(err)
	}
	if !strings.HasPrefix(lb.Version, "2.") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported legacy backup version %q", lb.Version)
	}
	return migrateLegacy(&lb)
}

// migrateLegacy converts a 2.x bundle to the current model. Key ids are kept
// as credential ids so the recorded pairs stay valid.
func migrateLegacy(lb *legacyBundle) (*Bundle, error) {
	created, _ := parseLegacyTime(lb.CreatedAt)
	if created.IsZero() {
		created = time.Now().UTC()
	}
	b := &Bundle{Version: CurrentVersion, CreatedAt: created}

	for _, entry := range lb.Keys {
		var k legacyKey
		if err := json.Unmarshal(entry[1], &k); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "decode legacy key").WithCause(err)
		}
		cred, err := migrateLegacyKey(&k, created)
		if err != nil {
			return nil, err
		}
		b.Credentials = append(b.Credentials, cred)
	}

	for _, entry := range lb.Vaults {
		var lv legacyVault
		if err := json.Unmarshal(entry[1], &lv); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "decode legacy vault").WithCause(err)
		}
		vault, err := migrateLegacyVault(&lv, created)
		if err != nil {
			return nil, err
		}
		b.Vaults = append(b.Vaults, vault)
	}
	return b, nil
}

func migrateLegacyKey(k *legacyKey, fallback time.Time) (*schema.Credential, error) {
	publicID, err := base64.StdEncoding.DecodeString(k.CredentialID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "legacy key %q has a malformed credential id", k.ID).WithCause(err)
	}
	cred := &schema.Credential{
		ID:         k.ID,
		Name:       strings.TrimSpace(k.Name),
		PublicID:   publicID,
		EnrolledAt: fallback,
		Active:     k.Active == nil || *k.Active,
	}
	if cred.Name == "" {
		cred.Name = "Imported Key"
	}
	if k.Description != nil {
		cred.Description = *k.Description
	}
	if k.EnrolledAt != nil {
		if t, ok := parseLegacyTime(*k.EnrolledAt); ok {
			cred.EnrolledAt = t
		}
	}
	if k.LastUsed != nil {
		if t, ok := parseLegacyTime(*k.LastUsed); ok {
			cred.LastUsedAt = &t
		}
	}
	return cred, nil
}

func migrateLegacyVault(lv *legacyVault, fallback time.Time) (*schema.Vault, error) {
	vault := &schema.Vault{
		ID:        lv.ID,
		Name:      "Vault " + lv.ID,
		Mode:      schema.VaultModePair,
		CreatedAt: fallback,
	}
	if lv.Name != nil && strings.TrimSpace(*lv.Name) != "" {
		vault.Name = strings.TrimSpace(*lv.Name)
	}
	if lv.CreatedAt != nil {
		if t, ok := parseLegacyTime(*lv.CreatedAt); ok {
			vault.CreatedAt = t
		}
	}

	var err error
	if vault.Ciphertext, err = decodeLegacyField(lv.ID, "encryptedData", lv.EncryptedData); err != nil {
		return nil, err
	}
	if vault.IV, err = decodeLegacyField(lv.ID, "iv", lv.IV); err != nil {
		return nil, err
	}
	if vault.Salt, err = decodeLegacyField(lv.ID, "salt", lv.Salt); err != nil {
		return nil, err
	}

	seen := make(map[schema.Pair]bool, len(lv.KeyPairs))
	for _, kp := range lv.KeyPairs {
		if len(kp) != 2 || kp[0] == kp[1] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "legacy vault %q has a malformed key pair", lv.ID)
		}
		p := schema.NewPair(kp[0], kp[1])
		if !seen[p] {
			seen[p] = true
			vault.AccessPairs = append(vault.AccessPairs, p)
		}
	}
	if len(vault.AccessPairs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "legacy vault %q has no key pairs", lv.ID)
	}

	// Early bundles did not record which pair encrypted the vault; the first
	// recorded pair was always the one used.
	switch {
	case len(lv.EncryptionKeyPair) == 2:
		vault.DerivationPair = schema.OrderedPair{First: lv.EncryptionKeyPair[0], Second: lv.EncryptionKeyPair[1]}
	default:
		vault.DerivationPair = schema.OrderedPair{First: lv.KeyPairs[0][0], Second: lv.KeyPairs[0][1]}
	}
	return vault, nil
}

func decodeLegacyField(vaultID, field, text string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"legacy vault %q has malformed %s", vaultID, field).WithCause(err)
	}
	return out, nil
}

func parseLegacyTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
