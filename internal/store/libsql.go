package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/pairvault/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/pairvault.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SchemaVersion returns the applied schema version.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Credentials ---

func (s *LibSQLStore) CreateCredential(ctx context.Context, cred *schema.Credential) error {
	return insertCredential(ctx, s.db, cred)
}

func insertCredential(ctx context.Context, ex execer, cred *schema.Credential) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO credentials (id, name, description, public_id, enrolled_at, active, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.Name, nullStr(cred.Description), cred.PublicID,
		timeOrNow(cred.EnrolledAt).UTC(), boolInt(cred.Active), nullTime(cred.LastUsedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewError(schema.ErrCodeConflict, "credential already enrolled").
			WithDetails(map[string]any{"credential_id": cred.ID}).WithCause(err)
	}
	return err
}

const credentialColumns = `id, name, description, public_id, enrolled_at, active, last_used_at`

func (s *LibSQLStore) GetCredential(ctx context.Context, id string) (*schema.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", id)
	}
	return c, err
}

func (s *LibSQLStore) GetCredentialByPublicID(ctx context.Context, publicID []byte) (*schema.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE public_id = ?`, publicID)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no credential with this public id")
	}
	return c, err
}

func (s *LibSQLStore) ListCredentials(ctx context.Context, filter schema.CredentialFilter) ([]*schema.Credential, error) {
	var where []string
	var args []any

	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT ` + credentialColumns + ` FROM credentials`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY enrolled_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*schema.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *LibSQLStore) UpdateCredential(ctx context.Context, id string, update CredentialUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolInt(*update.Active))
	}
	if update.LastUsedAt != nil {
		sets = append(sets, "last_used_at = ?")
		args = append(args, update.LastUsedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE credentials SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credential", id)
}

func (s *LibSQLStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "credential", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(r rowScanner) (*schema.Credential, error) {
	c := &schema.Credential{}
	var (
		desc     sql.NullString
		active   int64
		lastUsed sql.NullTime
	)
	if err := r.Scan(&c.ID, &c.Name, &desc, &c.PublicID, &c.EnrolledAt, &active, &lastUsed); err != nil {
		return nil, err
	}
	c.Description = desc.String
	c.Active = active != 0
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	return c, nil
}

// --- Vaults ---

func (s *LibSQLStore) CreateVault(ctx context.Context, v *schema.Vault) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertVault(ctx, tx, v); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vault: %w", err)
	}
	return nil
}

func insertVault(ctx context.Context, ex execer, v *schema.Vault) error {
	mode := v.Mode
	if mode == "" {
		mode = schema.VaultModePair
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO vaults (id, name, mode, ciphertext, iv, salt, derivation_first, derivation_second, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Name, string(mode), v.Ciphertext, v.IV, v.Salt,
		v.DerivationPair.First, v.DerivationPair.Second, timeOrNow(v.CreatedAt).UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "vault %q already exists", v.ID).WithCause(err)
		}
		return fmt.Errorf("insert vault: %w", err)
	}

	for i, p := range v.AccessPairs {
		var wrapIV, wrapped any
		if w, ok := v.WrapFor(p.A, p.B); ok {
			wrapIV, wrapped = w.IV, w.WrappedKey
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO vault_access_pairs (vault_id, position, cred_a, cred_b, wrap_iv, wrapped_key)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, i, p.A, p.B, wrapIV, wrapped,
		); err != nil {
			return fmt.Errorf("insert access pair: %w", err)
		}
	}
	return nil
}

const vaultColumns = `id, name, mode, ciphertext, iv, salt, derivation_first, derivation_second, created_at`

func (s *LibSQLStore) GetVault(ctx context.Context, id string) (*schema.Vault, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE id = ?`, id)
	v, err := scanVault(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("vault", id)
	}
	if err != nil {
		return nil, err
	}
	byID := map[string]*schema.Vault{v.ID: v}
	if err := s.loadAccessPairs(ctx, byID, `WHERE vault_id = ?`, id); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *LibSQLStore) ListVaults(ctx context.Context) ([]*schema.Vault, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vaultColumns+` FROM vaults ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vaults []*schema.Vault
	byID := make(map[string]*schema.Vault)
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, v)
		byID[v.ID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(vaults) == 0 {
		return vaults, nil
	}
	if err := s.loadAccessPairs(ctx, byID, ""); err != nil {
		return nil, err
	}
	return vaults, nil
}

func (s *LibSQLStore) loadAccessPairs(ctx context.Context, byID map[string]*schema.Vault, where string, args ...any) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vault_id, cred_a, cred_b, wrap_iv, wrapped_key FROM vault_access_pairs `+where+` ORDER BY vault_id, position`,
		args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			vaultID, a, b   string
			wrapIV, wrapped []byte
		)
		if err := rows.Scan(&vaultID, &a, &b, &wrapIV, &wrapped); err != nil {
			return err
		}
		v, ok := byID[vaultID]
		if !ok {
			continue
		}
		p := schema.Pair{A: a, B: b}
		v.AccessPairs = append(v.AccessPairs, p)
		if len(wrapped) > 0 {
			v.Wraps = append(v.Wraps, schema.KeyWrap{Pair: p, IV: wrapIV, WrappedKey: wrapped})
		}
	}
	return rows.Err()
}

func scanVault(r rowScanner) (*schema.Vault, error) {
	v := &schema.Vault{}
	var mode string
	if err := r.Scan(&v.ID, &v.Name, &mode, &v.Ciphertext, &v.IV, &v.Salt,
		&v.DerivationPair.First, &v.DerivationPair.Second, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.Mode = schema.VaultMode(mode)
	return v, nil
}

func (s *LibSQLStore) DeleteVault(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vaults WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "vault", id)
}

// --- Snapshots ---

func (s *LibSQLStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (name, version, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET version=excluded.version, data=excluded.data, updated_at=excluded.updated_at`,
		snap.Name, snap.Version, string(snap.Data), timeOrNow(snap.UpdatedAt).UTC(),
	)
	return err
}

func (s *LibSQLStore) GetSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	snap := &Snapshot{}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version, data, updated_at FROM snapshots WHERE name = ?`, name,
	).Scan(&snap.Name, &snap.Version, &data, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("snapshot", name)
	}
	if err != nil {
		return nil, err
	}
	snap.Data = []byte(data)
	return snap, nil
}

func (s *LibSQLStore) DeleteSnapshot(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name)
	return err
}

// --- Blobs ---

func (s *LibSQLStore) PutBlob(ctx context.Context, blob *Blob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (collection, id, data, size, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET data=excluded.data, size=excluded.size, created_at=excluded.created_at`,
		blob.Collection, blob.ID, blob.Data, len(blob.Data), timeOrNow(blob.CreatedAt).UTC(),
	)
	return err
}

func (s *LibSQLStore) GetBlob(ctx context.Context, collection, id string) (*Blob, error) {
	b := &Blob{}
	err := s.db.QueryRowContext(ctx,
		`SELECT collection, id, data, created_at FROM blobs WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&b.Collection, &b.ID, &b.Data, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(collection, id)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *LibSQLStore) ListBlobs(ctx context.Context, collection string) ([]*BlobInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, id, size, created_at FROM blobs WHERE collection = ? ORDER BY created_at DESC, id DESC`,
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []*BlobInfo
	for rows.Next() {
		bi := &BlobInfo{}
		if err := rows.Scan(&bi.Collection, &bi.ID, &bi.Size, &bi.CreatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, bi)
	}
	return infos, rows.Err()
}

func (s *LibSQLStore) DeleteBlob(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, collection, id)
}

// PruneBlobs keeps the newest keep blobs of a collection and deletes the rest.
func (s *LibSQLStore) PruneBlobs(ctx context.Context, collection string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE collection = ? AND id NOT IN (
			SELECT id FROM blobs WHERE collection = ? ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		collection, collection, keep,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Bulk ---

// ReplaceAll swaps every credential and vault for the given sets in one
// transaction. Snapshots, events and blobs are left alone.
func (s *LibSQLStore) ReplaceAll(ctx context.Context, creds []*schema.Credential, vaults []*schema.Vault) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM vault_access_pairs`,
		`DELETE FROM vaults`,
		`DELETE FROM credentials`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear tables: %w", err)
		}
	}
	for _, c := range creds {
		if err := insertCredential(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, v := range vaults {
		if err := insertVault(ctx, tx, v); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// Reset removes credentials, vaults and snapshots. The audit log and blob
// collections survive a reset.
func (s *LibSQLStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM vault_access_pairs`,
		`DELETE FROM vaults`,
		`DELETE FROM credentials`,
		`DELETE FROM snapshots`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return tx.Commit()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PairvaultError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
