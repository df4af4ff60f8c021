package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pairvault/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedCredential(t *testing.T, s *LibSQLStore, name string, offset time.Duration) *schema.Credential {
	t.Helper()
	c := &schema.Credential{
		ID:         uuid.NewString(),
		Name:       name,
		PublicID:   []byte("pub-" + name),
		EnrolledAt: t0.Add(offset),
		Active:     true,
	}
	require.NoError(t, s.CreateCredential(context.Background(), c))
	return c
}

func testVault(id string, created time.Time, pairs ...schema.Pair) *schema.Vault {
	return &schema.Vault{
		ID:             id,
		Name:           "vault " + id,
		Mode:           schema.VaultModePair,
		Ciphertext:     []byte{1, 2, 3},
		IV:             make([]byte, 12),
		Salt:           make([]byte, 16),
		CreatedAt:      created,
		AccessPairs:    pairs,
		DerivationPair: schema.OrderedPair{First: pairs[0].A, Second: pairs[0].B},
	}
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion(), v)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only comment\n;\nCREATE TABLE b (y INT);")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
}

// --- Credentials ---

func TestCreateAndGetCredential(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCredential(t, s, "K1", 0)

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "K1", got.Name)
	assert.Equal(t, []byte("pub-K1"), got.PublicID)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastUsedAt)

	byPub, err := s.GetCredentialByPublicID(ctx, []byte("pub-K1"))
	require.NoError(t, err)
	assert.Equal(t, c.ID, byPub.ID)
}

func TestCreateCredential_DuplicatePublicID(t *testing.T) {
	s := newTestStore(t)
	seedCredential(t, s, "K1", 0)

	dup := &schema.Credential{ID: uuid.NewString(), Name: "again", PublicID: []byte("pub-K1"), Active: true}
	err := s.CreateCredential(context.Background(), dup)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "got %v", err)
}

func TestGetCredential_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCredential(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListCredentials_OrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k2 := seedCredential(t, s, "K2", time.Minute)
	k1 := seedCredential(t, s, "K1", 0)
	k3 := seedCredential(t, s, "K3", 2*time.Minute)

	inactive := false
	require.NoError(t, s.UpdateCredential(ctx, k2.ID, CredentialUpdate{Active: &inactive}))

	all, err := s.ListCredentials(ctx, schema.CredentialFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{k1.ID, k2.ID, k3.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	active, err := s.ListCredentials(ctx, schema.CredentialFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, k1.ID, active[0].ID)
	assert.Equal(t, k3.ID, active[1].ID)

	named, err := s.ListCredentials(ctx, schema.CredentialFilter{Name: "K3"})
	require.NoError(t, err)
	require.Len(t, named, 1)
}

func TestUpdateCredential(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCredential(t, s, "K1", 0)

	name := "renamed"
	desc := "office safe"
	used := t0.Add(time.Hour)
	require.NoError(t, s.UpdateCredential(ctx, c.ID, CredentialUpdate{Name: &name, Description: &desc, LastUsedAt: &used}))

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "office safe", got.Description)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, used.Equal(*got.LastUsedAt))

	err = s.UpdateCredential(ctx, "missing", CredentialUpdate{Name: &name})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestDeleteCredential_KeepsAccessPairs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k1 := seedCredential(t, s, "K1", 0)
	k2 := seedCredential(t, s, "K2", time.Minute)
	require.NoError(t, s.CreateVault(ctx, testVault("v1", t0, schema.NewPair(k1.ID, k2.ID))))

	require.NoError(t, s.DeleteCredential(ctx, k2.ID))

	v, err := s.GetVault(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, v.HasPair(k1.ID, k2.ID), "dangling pair references are retained")
}

// --- Vaults ---

func TestCreateAndGetVault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pairs := []schema.Pair{schema.NewPair("a", "b"), schema.NewPair("a", "c"), schema.NewPair("b", "c")}
	v := testVault("v1", t0, pairs...)
	v.Mode = schema.VaultModeShared
	v.Wraps = []schema.KeyWrap{{Pair: pairs[1], IV: []byte{9}, WrappedKey: []byte{7, 7}}}
	require.NoError(t, s.CreateVault(ctx, v))

	got, err := s.GetVault(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, pairs, got.AccessPairs)
	assert.Equal(t, schema.VaultModeShared, got.Mode)
	assert.Equal(t, v.DerivationPair, got.DerivationPair)
	assert.Equal(t, []byte{1, 2, 3}, got.Ciphertext)
	require.Len(t, got.Wraps, 1)
	assert.Equal(t, pairs[1], got.Wraps[0].Pair)
	assert.Equal(t, []byte{7, 7}, got.Wraps[0].WrappedKey)
}

func TestCreateVault_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateVault(ctx, testVault("v1", t0, schema.NewPair("a", "b"))))
	err := s.CreateVault(ctx, testVault("v1", t0, schema.NewPair("a", "b")))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestListVaults_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateVault(ctx, testVault("old", t0, schema.NewPair("a", "b"))))
	require.NoError(t, s.CreateVault(ctx, testVault("new", t0.Add(time.Hour), schema.NewPair("a", "b"), schema.NewPair("a", "c"))))

	vaults, err := s.ListVaults(ctx)
	require.NoError(t, err)
	require.Len(t, vaults, 2)
	assert.Equal(t, "new", vaults[0].ID)
	assert.Len(t, vaults[0].AccessPairs, 2)
	assert.Len(t, vaults[1].AccessPairs, 1)
}

func TestDeleteVault_CascadesPairs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateVault(ctx, testVault("v1", t0, schema.NewPair("a", "b"))))
	require.NoError(t, s.DeleteVault(ctx, "v1"))

	_, err := s.GetVault(ctx, "v1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM vault_access_pairs`).Scan(&n))
	assert.Equal(t, 0, n)

	err = s.DeleteVault(ctx, "v1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

// --- Snapshots ---

func TestSnapshotUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSnapshot(ctx, &Snapshot{Name: "admin_session", Version: 1, Data: json.RawMessage(`{"a":1}`)}))
	require.NoError(t, s.PutSnapshot(ctx, &Snapshot{Name: "admin_session", Version: 2, Data: json.RawMessage(`{"a":2}`)}))

	got, err := s.GetSnapshot(ctx, "admin_session")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.JSONEq(t, `{"a":2}`, string(got.Data))

	require.NoError(t, s.DeleteSnapshot(ctx, "admin_session"))
	_, err = s.GetSnapshot(ctx, "admin_session")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

// --- Blobs ---

func TestBlobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, s.PutBlob(ctx, &Blob{
			Collection: "backup", ID: id, Data: []byte(id + "-data"),
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.PutBlob(ctx, &Blob{Collection: "enrollment", ID: "e1", Data: []byte("{}")}))

	infos, err := s.ListBlobs(ctx, "backup")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "b3", infos[0].ID)
	assert.Equal(t, int64(len("b3-data")), infos[0].Size)

	b, err := s.GetBlob(ctx, "backup", "b2")
	require.NoError(t, err)
	assert.Equal(t, []byte("b2-data"), b.Data)

	n, err := s.PruneBlobs(ctx, "backup", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	infos, _ = s.ListBlobs(ctx, "backup")
	require.Len(t, infos, 1)
	assert.Equal(t, "b3", infos[0].ID)

	other, _ := s.ListBlobs(ctx, "enrollment")
	assert.Len(t, other, 1, "pruning is scoped to one collection")

	_, err = s.GetBlob(ctx, "backup", "b1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	require.NoError(t, s.DeleteBlob(ctx, "enrollment", "e1"))
	other, _ = s.ListBlobs(ctx, "enrollment")
	assert.Empty(t, other)
	assert.True(t, schema.HasCode(s.DeleteBlob(ctx, "enrollment", "e1"), schema.ErrCodeNotFound))
}

// --- Bulk ---

func TestReplaceAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCredential(t, s, "old", 0)
	require.NoError(t, s.CreateVault(ctx, testVault("old-v", t0, schema.NewPair("x", "y"))))

	creds := []*schema.Credential{
		{ID: "n1", Name: "N1", PublicID: []byte("p1"), EnrolledAt: t0, Active: true},
		{ID: "n2", Name: "N2", PublicID: []byte("p2"), EnrolledAt: t0.Add(time.Second), Active: false},
	}
	vaults := []*schema.Vault{testVault("new-v", t0, schema.NewPair("n1", "n2"))}
	require.NoError(t, s.ReplaceAll(ctx, creds, vaults))

	got, err := s.ListCredentials(ctx, schema.CredentialFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "n1", got[0].ID)
	assert.False(t, got[1].Active)

	vs, err := s.ListVaults(ctx)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "new-v", vs[0].ID)
}

func TestReplaceAll_RollsBackOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	keep := seedCredential(t, s, "keep", 0)

	creds := []*schema.Credential{
		{ID: "n1", Name: "N1", PublicID: []byte("same"), EnrolledAt: t0, Active: true},
		{ID: "n2", Name: "N2", PublicID: []byte("same"), EnrolledAt: t0, Active: true},
	}
	require.Error(t, s.ReplaceAll(ctx, creds, nil))

	_, err := s.GetCredential(ctx, keep.ID)
	require.NoError(t, err, "failed replace must leave existing data")
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCredential(t, s, "K1", 0)
	require.NoError(t, s.CreateVault(ctx, testVault("v1", t0, schema.NewPair("a", "b"))))
	require.NoError(t, s.PutSnapshot(ctx, &Snapshot{Name: "auth_attempts", Version: 2, Data: json.RawMessage(`{}`)}))
	require.NoError(t, s.AppendSecurityEvent(ctx, &schema.SecurityEvent{Kind: schema.EventAdminLogin}))
	require.NoError(t, s.PutBlob(ctx, &Blob{Collection: "backup", ID: "b1", Data: []byte("x")}))

	require.NoError(t, s.Reset(ctx))

	creds, _ := s.ListCredentials(ctx, schema.CredentialFilter{})
	assert.Empty(t, creds)
	vaults, _ := s.ListVaults(ctx)
	assert.Empty(t, vaults)
	_, err := s.GetSnapshot(ctx, "auth_attempts")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	events, _ := s.ListSecurityEvents(ctx, EventFilter{})
	assert.Len(t, events, 1)
	blobs, _ := s.ListBlobs(ctx, "backup")
	assert.Len(t, blobs, 1)
}
