package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pairvault/internal/logging"
	"github.com/rendis/pairvault/internal/secrets"
	"github.com/rendis/pairvault/internal/store"
	"github.com/rendis/pairvault/internal/validation"
	"github.com/rendis/pairvault/pkg/schema"
)

type memData struct {
	creds  []*schema.Credential
	vaults []*schema.Vault
}

func (m *memData) ListCredentials(context.Context, schema.CredentialFilter) ([]*schema.Credential, error) {
	return m.creds, nil
}

func (m *memData) ListVaults(context.Context) ([]*schema.Vault, error) {
	return m.vaults, nil
}

func (m *memData) ReplaceAll(_ context.Context, creds []*schema.Credential, vaults []*schema.Vault) error {
	m.creds, m.vaults = creds, vaults
	return nil
}

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string]*store.Blob
}

func newMemBlobs() *memBlobs { return &memBlobs{blobs: make(map[string]*store.Blob)} }

func (m *memBlobs) key(collection, id string) string { return collection + "/" + id }

func (m *memBlobs) PutBlob(_ context.Context, b *store.Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.blobs[m.key(b.Collection, b.ID)] = &cp
	return nil
}

func (m *memBlobs) GetBlob(_ context.Context, collection, id string) (*store.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[m.key(collection, id)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", collection, id)
	}
	cp := *b
	return &cp, nil
}

func (m *memBlobs) ListBlobs(_ context.Context, collection string) ([]*store.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.BlobInfo
	for _, b := range m.blobs {
		if b.Collection == collection {
			out = append(out, &store.BlobInfo{Collection: b.Collection, ID: b.ID, Size: int64(len(b.Data)), CreatedAt: b.CreatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *memBlobs) DeleteBlob(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(collection, id)
	if _, ok := m.blobs[k]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", collection, id)
	}
	delete(m.blobs, k)
	return nil
}

func (m *memBlobs) PruneBlobs(ctx context.Context, collection string, keep int) (int, error) {
	infos, _ := m.ListBlobs(ctx, collection)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i, info := range infos {
		if i >= keep {
			delete(m.blobs, m.key(collection, info.ID))
			n++
		}
	}
	return n, nil
}

func newValidator(t *testing.T) validation.Validator {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func sampleData(t *testing.T) *memData {
	t.Helper()
	creds := []*schema.Credential{
		{ID: "K1", Name: "one", PublicID: []byte("cred-A"), EnrolledAt: t0, Active: true},
		{ID: "K2", Name: "two", PublicID: []byte("cred-B"), EnrolledAt: t0.Add(time.Minute), Active: true},
	}
	salt := bytes.Repeat([]byte{7}, secrets.SaltSize)
	key, err := secrets.DeriveKey(creds[0].PublicID, creds[1].PublicID, salt)
	require.NoError(t, err)
	ct, iv, err := secrets.Encrypt([]byte("launch codes"), key)
	require.NoError(t, err)
	vault := &schema.Vault{
		ID: "V1", Name: "vault", Mode: schema.VaultModePair,
		Ciphertext: ct, IV: iv, Salt: salt, CreatedAt: t0.Add(time.Hour),
		AccessPairs:    []schema.Pair{schema.NewPair("K1", "K2")},
		DerivationPair: schema.OrderedPair{First: "K1", Second: "K2"},
	}
	return &memData{creds: creds, vaults: []*schema.Vault{vault}}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	v := newValidator(t)
	data := sampleData(t)
	m := NewManager(data, newMemBlobs(), v, logging.Nop(), 0)

	b, err := m.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, b.Version)
	assert.NotEmpty(t, b.ID)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, b))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), zstdMagic))

	got, err := Read(&buf, v)
	require.NoError(t, err)
	require.Len(t, got.Credentials, 2)
	require.Len(t, got.Vaults, 1)
	assert.Equal(t, []byte("cred-A"), got.Credentials[0].PublicID)
	assert.Equal(t, data.vaults[0].Ciphertext, got.Vaults[0].Ciphertext)
	assert.Equal(t, schema.OrderedPair{First: "K1", Second: "K2"}, got.Vaults[0].DerivationPair)
}

func TestRead_PlainJSON(t *testing.T) {
	v := newValidator(t)
	m := NewManager(sampleData(t), newMemBlobs(), v, logging.Nop(), 0)
	b, err := m.Export(context.Background())
	require.NoError(t, err)
	raw, err := json.Marshal(b)
	require.NoError(t, err)

	got, err := Read(bytes.NewReader(raw), v)
	require.NoError(t, err)
	assert.Len(t, got.Vaults, 1)
}

func TestExport_EmptyStoreIsValid(t *testing.T) {
	v := newValidator(t)
	m := NewManager(&memData{}, newMemBlobs(), v, logging.Nop(), 0)
	b, err := m.Export(context.Background())
	require.NoError(t, err)
	raw, err := Marshal(b)
	require.NoError(t, err)
	got, err := Read(bytes.NewReader(raw), v)
	require.NoError(t, err)
	assert.Empty(t, got.Credentials)
}

func TestDecode_Rejects(t *testing.T) {
	v := newValidator(t)
	tests := map[string]string{
		"not json":        `{`,
		"no version":      `{"credentials": [], "vaults": []}`,
		"future version":  `{"version": 4, "created_at": "2025-01-01T00:00:00Z", "credentials": [], "vaults": []}`,
		"legacy 1.x":      `{"version": "1.0", "keys": [], "vaults": []}`,
		"schema mismatch": `{"version": 3, "created_at": "2025-01-01T00:00:00Z", "credentials": [{"id": "x"}], "vaults": []}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(doc), v)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestCheck(t *testing.T) {
	base := func() *Bundle {
		d := sampleData(t)
		return &Bundle{Version: CurrentVersion, Credentials: d.creds, Vaults: d.vaults}
	}
	require.NoError(t, Check(base()))

	b := base()
	b.Credentials[1].PublicID = []byte("cred-A")
	assert.Error(t, Check(b), "duplicate public id")

	b = base()
	b.Vaults[0].DerivationPair = schema.OrderedPair{First: "K1", Second: "K9"}
	assert.Error(t, Check(b), "derivation pair outside access pairs")

	b = base()
	b.Vaults[0].IV = []byte{1, 2, 3}
	assert.Error(t, Check(b), "short iv")

	b = base()
	b.Vaults[0].Mode = schema.VaultModeShared
	assert.Error(t, Check(b), "shared without wraps")
}

func legacyFixture(t *testing.T) ([]byte, []byte) {
	t.Helper()
	salt := bytes.Repeat([]byte{3}, secrets.SaltSize)
	pidA, pidB, pidC := []byte("legacy-A"), []byte("legacy-B"), []byte("legacy-C")
	key, err := secrets.DeriveKey(pidA, pidB, salt)
	require.NoError(t, err)
	plaintext := []byte("the old secret")
	ct, iv, err := secrets.Encrypt(plaintext, key)
	require.NoError(t, err)

	b64 := base64.StdEncoding.EncodeToString
	key1 := fmt.Sprintf(`{"id":"k1","name":"First","credentialId":%q,"enrolledAt":"2024-01-02T03:04:05.000Z","active":true,"lastUsed":null}`, b64(pidA))
	key2 := fmt.Sprintf(`{"id":"k2","name":"","credentialId":%q,"enrolledAt":"2024-01-03T03:04:05.000Z","active":true}`, b64(pidB))
	key3 := fmt.Sprintf(`{"id":"k3","name":"Third","credentialId":%q,"active":false}`, b64(pidC))
	vault := fmt.Sprintf(`{"id":"v1","name":"Vault 1/2/2024","encryptedData":%q,"iv":%q,"salt":%q,"createdAt":"2024-01-04T00:00:00.000Z","keyPairs":[["k1","k2"],["k1","k3"],["k2","k3"]],"encryptionKeyPair":["k1","k2"]}`,
		b64(ct), b64(iv), b64(salt))
	doc := fmt.Sprintf(`{"version":"2.0","keys":[["k1",%s],["k2",%s],["k3",%s]],"vaults":[["v1",%s]],"settings":{},"createdAt":"2024-02-01T00:00:00.000Z"}`,
		key1, key2, key3, vault)
	return []byte(doc), plaintext
}

func TestDecode_LegacyMigration(t *testing.T) {
	v := newValidator(t)
	raw, plaintext := legacyFixture(t)

	b, err := Decode(raw, v)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, b.Version)
	require.Len(t, b.Credentials, 3)
	assert.Equal(t, "k1", b.Credentials[0].ID)
	assert.Equal(t, "Imported Key", b.Credentials[1].Name)
	assert.False(t, b.Credentials[2].Active)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), b.Credentials[0].EnrolledAt)

	require.Len(t, b.Vaults, 1)
	vt := b.Vaults[0]
	assert.Equal(t, schema.VaultModePair, vt.Mode)
	assert.Len(t, vt.AccessPairs, 3)
	assert.Equal(t, schema.OrderedPair{First: "k1", Second: "k2"}, vt.DerivationPair)

	// The migrated vault still opens with the derivation pair's keys.
	key, err := secrets.DeriveKey(b.Credentials[0].PublicID, b.Credentials[1].PublicID, vt.Salt)
	require.NoError(t, err)
	got, err := secrets.Decrypt(vt.Ciphertext, key, vt.IV)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecode_LegacyWithoutEncryptionPair(t *testing.T) {
	v := newValidator(t)
	raw, _ := legacyFixture(t)
	raw = bytes.Replace(raw, []byte(`,"encryptionKeyPair":["k1","k2"]`), nil, 1)

	b, err := Decode(raw, v)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderedPair{First: "k1", Second: "k2"}, b.Vaults[0].DerivationPair)
}

func TestUploadDownloadList(t *testing.T) {
	v := newValidator(t)
	blobs := newMemBlobs()
	m := NewManager(sampleData(t), blobs, v, logging.Nop(), 2)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		m.now = func() time.Time { return t0.Add(time.Duration(i) * time.Hour) }
		b, err := m.Export(ctx)
		require.NoError(t, err)
		info, err := m.Upload(ctx, b)
		require.NoError(t, err)
		assert.Positive(t, info.Size)
		ids = append(ids, info.ID)
	}

	infos, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2, "retention prunes the oldest upload")
	assert.Equal(t, ids[2], infos[0].ID)

	got, err := m.Download(ctx, ids[2])
	require.NoError(t, err)
	assert.Len(t, got.Credentials, 2)

	_, err = m.Download(ctx, ids[0])
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	require.NoError(t, m.Delete(ctx, ids[1]))
	infos, err = m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, ids[2], infos[0].ID)
	assert.True(t, schema.HasCode(m.Delete(ctx, ids[1]), schema.ErrCodeNotFound))
}

func TestRestore(t *testing.T) {
	v := newValidator(t)
	src := sampleData(t)
	m := NewManager(src, newMemBlobs(), v, logging.Nop(), 0)
	b, err := m.Export(context.Background())
	require.NoError(t, err)

	dst := &memData{}
	m2 := NewManager(dst, newMemBlobs(), v, logging.Nop(), 0)
	require.NoError(t, m2.Restore(context.Background(), b))
	assert.Len(t, dst.creds, 2)
	assert.Len(t, dst.vaults, 1)
}

type recordingImporter struct {
	known map[string]bool
	got   []*schema.Credential
	err   error
}

func (r *recordingImporter) Import(_ context.Context, c *schema.Credential) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	if r.known[string(c.PublicID)] {
		return false, nil
	}
	r.known[string(c.PublicID)] = true
	r.got = append(r.got, c)
	return true, nil
}

func TestEnrollmentSync(t *testing.T) {
	v := newValidator(t)
	blobs := newMemBlobs()
	m := NewManager(&memData{}, blobs, v, logging.Nop(), 0)
	ctx := context.Background()

	for _, c := range sampleData(t).creds {
		require.NoError(t, m.PushEnrollment(ctx, c))
	}
	require.NoError(t, blobs.PutBlob(ctx, &store.Blob{Collection: CollectionEnrollments, ID: "junk", Data: []byte(`{"name": 1}`)}))
	require.NoError(t, blobs.PutBlob(ctx, &store.Blob{
		Collection: CollectionEnrollments, ID: "no-flag",
		Data: []byte(`{"id":"K3","name":"three","public_id":"Y3JlZC1D","enrolled_at":"2025-01-01T00:00:00Z"}`),
	}))

	imp := &recordingImporter{known: map[string]bool{"cred-A": true}}
	res, err := m.PullEnrollments(ctx, imp)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Seen: 4, Imported: 2, Skipped: 1, Invalid: 1}, res)

	for _, c := range imp.got {
		assert.True(t, c.Active)
	}

	_, err = m.PullEnrollments(ctx, &recordingImporter{known: map[string]bool{}, err: errors.New("disk full")})
	assert.Error(t, err)
}
