// Package index implements the durable catalog: the SQLite-backed record
// of every local file/directory, its per-cloud links, and per-cloud
// account state. It is the single source of truth the sync manager
// reconciles against.
package index

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// busyTimeoutMillis keeps concurrent writers from failing with SQLITE_BUSY
	// under brief lock contention.
	busyTimeoutMillis = 5000
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("index: not found")

// Store is the catalog's SQLite-backed implementation.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	fileStmts  fileStatements
	linkStmts  linkStatements
	cloudStmts cloudStatements
	metaStmts  metaStatements
}

type fileStatements struct {
	upsert, getByGlobalID, getByRelPath, getByFileID, listActive, markDeleted, deleteByGlobalID *sql.Stmt
}

type linkStatements struct {
	upsert, get, getByCloudFileID, listForGlobalID, delete *sql.Stmt
}

type cloudStatements struct {
	create, get, list, updateToken, updateDeltaToken, updateQuarantine, updateInitialSync, delete *sql.Stmt
}

type metaStatements struct {
	get, set *sql.Stmt
}

// Open creates or opens the catalog database at dbPath, applies pending
// migrations, and prepares all repeated statements. Use ":memory:" for
// tests.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening index database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite: %w", err)
	}

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAllStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: prepare statements: %w", err)
	}

	logger.Info("index database ready", "path", dbPath)

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis), "busy timeout"},
		{"PRAGMA synchronous = NORMAL", "synchronous NORMAL"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("index: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// runMigrations applies embedded schema migrations via goose's Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("index: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("index: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("index: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()))
	}

	return nil
}

// --- statement preparation ---

type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *Store) prepareAllStatements(ctx context.Context) error {
	if err := s.prepareFileStmts(ctx); err != nil {
		return err
	}

	if err := s.prepareLinkStmts(ctx); err != nil {
		return err
	}

	if err := s.prepareCloudStmts(ctx); err != nil {
		return err
	}

	return s.prepareMetaStmts(ctx)
}

func (s *Store) prepareFileStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.fileStmts.upsert, sqlUpsertFile, "upsertFile"},
		{&s.fileStmts.getByGlobalID, sqlGetFileByGlobalID, "getFileByGlobalID"},
		{&s.fileStmts.getByRelPath, sqlGetFileByRelPath, "getFileByRelPath"},
		{&s.fileStmts.getByFileID, sqlGetFileByFileID, "getFileByFileID"},
		{&s.fileStmts.listActive, sqlListActiveFiles, "listActiveFiles"},
		{&s.fileStmts.markDeleted, sqlMarkFileDeleted, "markFileDeleted"},
		{&s.fileStmts.deleteByGlobalID, sqlDeleteFileByGlobalID, "deleteFileByGlobalID"},
	})
}

func (s *Store) prepareLinkStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.linkStmts.upsert, sqlUpsertLink, "upsertLink"},
		{&s.linkStmts.get, sqlGetLink, "getLink"},
		{&s.linkStmts.getByCloudFileID, sqlGetLinkByCloudFileID, "getLinkByCloudFileID"},
		{&s.linkStmts.listForGlobalID, sqlListLinksForGlobalID, "listLinksForGlobalID"},
		{&s.linkStmts.delete, sqlDeleteLink, "deleteLink"},
	})
}

func (s *Store) prepareCloudStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.cloudStmts.create, sqlCreateCloudConfig, "createCloudConfig"},
		{&s.cloudStmts.get, sqlGetCloudConfig, "getCloudConfig"},
		{&s.cloudStmts.list, sqlListCloudConfigs, "listCloudConfigs"},
		{&s.cloudStmts.updateToken, sqlUpdateCloudToken, "updateCloudToken"},
		{&s.cloudStmts.updateDeltaToken, sqlUpdateCloudDeltaToken, "updateCloudDeltaToken"},
		{&s.cloudStmts.updateQuarantine, sqlUpdateCloudQuarantine, "updateCloudQuarantine"},
		{&s.cloudStmts.updateInitialSync, sqlUpdateCloudInitialSync, "updateCloudInitialSync"},
		{&s.cloudStmts.delete, sqlDeleteCloudConfig, "deleteCloudConfig"},
	})
}

func (s *Store) prepareMetaStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.metaStmts.get, sqlGetMetadata, "getMetadata"},
		{&s.metaStmts.set, sqlSetMetadata, "setMetadata"},
	})
}

// --- FileRecord ---

const sqlFileColumns = `global_id, rel_path, file_id, is_dir, size, local_mtime, local_hash, deleted, updated_unix`

const (
	sqlUpsertFile = `INSERT INTO files (` + sqlFileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(global_id) DO UPDATE SET
			rel_path     = excluded.rel_path,
			file_id      = excluded.file_id,
			is_dir       = excluded.is_dir,
			size         = excluded.size,
			local_mtime  = excluded.local_mtime,
			local_hash   = excluded.local_hash,
			deleted      = excluded.deleted,
			updated_unix = excluded.updated_unix`

	sqlGetFileByGlobalID = `SELECT ` + sqlFileColumns + ` FROM files WHERE global_id = ?`

	sqlGetFileByRelPath = `SELECT ` + sqlFileColumns + ` FROM files WHERE rel_path = ? AND deleted = 0`

	sqlGetFileByFileID = `SELECT ` + sqlFileColumns + ` FROM files WHERE file_id = ? AND deleted = 0`

	sqlListActiveFiles = `SELECT ` + sqlFileColumns + ` FROM files WHERE deleted = 0`

	sqlMarkFileDeleted = `UPDATE files SET deleted = 1, updated_unix = ? WHERE global_id = ?`

	sqlDeleteFileByGlobalID = `DELETE FROM files WHERE global_id = ?`
)

func scanFileRecord(row interface{ Scan(...any) error }) (*FileRecord, error) {
	f := &FileRecord{}

	var fileID sql.NullString
	var localHash sql.NullInt64
	var isDir, deleted int

	err := row.Scan(&f.GlobalID, &f.RelPath, &fileID, &isDir, &f.Size,
		&f.LocalMtime, &localHash, &deleted, &f.UpdatedUnix)
	if err != nil {
		return nil, err
	}

	f.FileID = fileID.String
	f.IsDir = isDir != 0
	f.Deleted = deleted != 0

	if localHash.Valid {
		f.LocalHash = uint64(localHash.Int64) //nolint:gosec // stored as signed, reinterpreted as unsigned
		f.LocalHashOK = true
	}

	return f, nil
}

func upsertFileArgs(f *FileRecord) []any {
	var localHash any
	if f.LocalHashOK {
		localHash = int64(f.LocalHash) //nolint:gosec // round-trips through scanFileRecord
	}

	return []any{
		f.GlobalID, f.RelPath, nullableString(f.FileID), boolToInt(f.IsDir), f.Size,
		f.LocalMtime, localHash, boolToInt(f.Deleted), f.UpdatedUnix,
	}
}

// UpsertFileRecord inserts a new FileRecord or updates the existing row
// with the same GlobalID.
func (s *Store) UpsertFileRecord(ctx context.Context, f *FileRecord) error {
	_, err := s.fileStmts.upsert.ExecContext(ctx, upsertFileArgs(f)...)
	if err != nil {
		return fmt.Errorf("index: upsert file record %s: %w", f.GlobalID, err)
	}

	return nil
}

// GetFileRecordByGlobalID looks up a FileRecord by its global ID, including
// soft-deleted rows.
func (s *Store) GetFileRecordByGlobalID(ctx context.Context, globalID string) (*FileRecord, error) {
	row := s.fileStmts.getByGlobalID.QueryRowContext(ctx, globalID)

	f, err := scanFileRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get file record %s: %w", globalID, err)
	}

	return f, nil
}

// GetFileRecordByRelPath looks up the active FileRecord at the given
// relative path, or ErrNotFound if none exists.
func (s *Store) GetFileRecordByRelPath(ctx context.Context, relPath string) (*FileRecord, error) {
	row := s.fileStmts.getByRelPath.QueryRowContext(ctx, relPath)

	f, err := scanFileRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get file record by path %s: %w", relPath, err)
	}

	return f, nil
}

// GetFileRecordByFileID looks up the active FileRecord with the given OS
// file-id, or ErrNotFound if none exists.
func (s *Store) GetFileRecordByFileID(ctx context.Context, fileID string) (*FileRecord, error) {
	row := s.fileStmts.getByFileID.QueryRowContext(ctx, fileID)

	f, err := scanFileRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get file record by file-id %s: %w", fileID, err)
	}

	return f, nil
}

// ListActiveFileRecords returns every non-deleted FileRecord, used by the
// sync manager's initial reconciliation pass.
func (s *Store) ListActiveFileRecords(ctx context.Context) ([]*FileRecord, error) {
	rows, err := s.fileStmts.listActive.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: list active file records: %w", err)
	}
	defer rows.Close()

	var out []*FileRecord
	for rows.Next() {
		f, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scan file record: %w", err)
		}
		out = append(out, f)
	}

	return out, rows.Err()
}

// MarkFileRecordDeleted soft-deletes a FileRecord, leaving its FileLink
// rows intact for the caller to inspect before the eventual cascade delete.
func (s *Store) MarkFileRecordDeleted(ctx context.Context, globalID string, deletedUnix int64) error {
	_, err := s.fileStmts.markDeleted.ExecContext(ctx, deletedUnix, globalID)
	if err != nil {
		return fmt.Errorf("index: mark file record deleted %s: %w", globalID, err)
	}

	return nil
}

// DeleteFileRecord removes a FileRecord and, via ON DELETE CASCADE, all of
// its FileLink rows.
func (s *Store) DeleteFileRecord(ctx context.Context, globalID string) error {
	_, err := s.fileStmts.deleteByGlobalID.ExecContext(ctx, globalID)
	if err != nil {
		return fmt.Errorf("index: delete file record %s: %w", globalID, err)
	}

	return nil
}

// --- FileLink ---

const (
	sqlUpsertLink = `INSERT INTO file_links
		(global_id, cloud_id, cloud_file_id, cloud_hash_str, cloud_hash_num, cloud_hash_kind, cloud_mtime, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(global_id, cloud_id) DO UPDATE SET
			cloud_file_id   = excluded.cloud_file_id,
			cloud_hash_str  = excluded.cloud_hash_str,
			cloud_hash_num  = excluded.cloud_hash_num,
			cloud_hash_kind = excluded.cloud_hash_kind,
			cloud_mtime     = excluded.cloud_mtime,
			synced          = excluded.synced`

	sqlGetLink = `SELECT global_id, cloud_id, cloud_file_id, cloud_hash_str, cloud_hash_num, cloud_hash_kind, cloud_mtime, synced
		FROM file_links WHERE global_id = ? AND cloud_id = ?`

	sqlGetLinkByCloudFileID = `SELECT global_id, cloud_id, cloud_file_id, cloud_hash_str, cloud_hash_num, cloud_hash_kind, cloud_mtime, synced
		FROM file_links WHERE cloud_id = ? AND cloud_file_id = ?`

	sqlListLinksForGlobalID = `SELECT global_id, cloud_id, cloud_file_id, cloud_hash_str, cloud_hash_num, cloud_hash_kind, cloud_mtime, synced
		FROM file_links WHERE global_id = ?`

	sqlDeleteLink = `DELETE FROM file_links WHERE global_id = ? AND cloud_id = ?`
)

func scanFileLink(row interface{ Scan(...any) error }) (*FileLink, error) {
	l := &FileLink{}

	var hashStr string
	var hashNum int64
	var hashKind string
	var synced int

	err := row.Scan(&l.GlobalID, &l.CloudID, &l.CloudFileID, &hashStr, &hashNum, &hashKind, &l.CloudMtime, &synced)
	if err != nil {
		return nil, err
	}

	l.Synced = synced != 0

	switch HashKind(hashKind) {
	case HashKindStr:
		l.CloudHash = StrHash(hashStr)
	case HashKindNum:
		l.CloudHash = NumHash(uint64(hashNum)) //nolint:gosec // round-trips through upsertLinkArgs
	}

	return l, nil
}

func upsertLinkArgs(l *FileLink) []any {
	return []any{
		l.GlobalID, l.CloudID, l.CloudFileID,
		l.CloudHash.Str, int64(l.CloudHash.Num), string(l.CloudHash.Kind), //nolint:gosec // fits uint64 round-trip
		l.CloudMtime, boolToInt(l.Synced),
	}
}

// UpsertFileLink inserts or updates the FileLink for (GlobalID, CloudID).
func (s *Store) UpsertFileLink(ctx context.Context, l *FileLink) error {
	_, err := s.linkStmts.upsert.ExecContext(ctx, upsertLinkArgs(l)...)
	if err != nil {
		return fmt.Errorf("index: upsert file link %s/%s: %w", l.GlobalID, l.CloudID, err)
	}

	return nil
}

// GetFileLink looks up the FileLink for a (GlobalID, CloudID) pair.
func (s *Store) GetFileLink(ctx context.Context, globalID, cloudID string) (*FileLink, error) {
	row := s.linkStmts.get.QueryRowContext(ctx, globalID, cloudID)

	l, err := scanFileLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get file link %s/%s: %w", globalID, cloudID, err)
	}

	return l, nil
}

// GetFileLinkByCloudFileID resolves a cloud-side object ID back to its
// FileLink row, used when processing a callback that only carries the
// provider's own ID.
func (s *Store) GetFileLinkByCloudFileID(ctx context.Context, cloudID, cloudFileID string) (*FileLink, error) {
	row := s.linkStmts.getByCloudFileID.QueryRowContext(ctx, cloudID, cloudFileID)

	l, err := scanFileLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get file link by cloud file-id %s/%s: %w", cloudID, cloudFileID, err)
	}

	return l, nil
}

// ListFileLinksForGlobalID returns every FileLink for a FileRecord, one per
// cloud it is linked to.
func (s *Store) ListFileLinksForGlobalID(ctx context.Context, globalID string) ([]*FileLink, error) {
	rows, err := s.linkStmts.listForGlobalID.QueryContext(ctx, globalID)
	if err != nil {
		return nil, fmt.Errorf("index: list file links for %s: %w", globalID, err)
	}
	defer rows.Close()

	var out []*FileLink
	for rows.Next() {
		l, err := scanFileLink(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scan file link: %w", err)
		}
		out = append(out, l)
	}

	return out, rows.Err()
}

// DeleteFileLink removes a single FileLink, used when a cloud account is
// unlinked from one file without deleting the FileRecord itself.
func (s *Store) DeleteFileLink(ctx context.Context, globalID, cloudID string) error {
	_, err := s.linkStmts.delete.ExecContext(ctx, globalID, cloudID)
	if err != nil {
		return fmt.Errorf("index: delete file link %s/%s: %w", globalID, cloudID, err)
	}

	return nil
}

// --- CloudConfig ---

const sqlCloudColumns = `cloud_id, provider, display_name, root_path, addressing, token_json, delta_token, quarantined, initial_sync_done, created_unix`

const (
	sqlCreateCloudConfig = `INSERT INTO cloud_configs (` + sqlCloudColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetCloudConfig = `SELECT ` + sqlCloudColumns + ` FROM cloud_configs WHERE cloud_id = ?`

	sqlListCloudConfigs = `SELECT ` + sqlCloudColumns + ` FROM cloud_configs`

	sqlUpdateCloudToken = `UPDATE cloud_configs SET token_json = ? WHERE cloud_id = ?`

	sqlUpdateCloudDeltaToken = `UPDATE cloud_configs SET delta_token = ? WHERE cloud_id = ?`

	sqlUpdateCloudQuarantine = `UPDATE cloud_configs SET quarantined = ? WHERE cloud_id = ?`

	sqlUpdateCloudInitialSync = `UPDATE cloud_configs SET initial_sync_done = ? WHERE cloud_id = ?`

	sqlDeleteCloudConfig = `DELETE FROM cloud_configs WHERE cloud_id = ?`
)

func scanCloudConfig(row interface{ Scan(...any) error }) (*CloudConfig, error) {
	c := &CloudConfig{}

	var addressing string
	var quarantined, initialSyncDone int

	err := row.Scan(&c.CloudID, &c.Provider, &c.DisplayName, &c.RootPath, &addressing,
		&c.TokenJSON, &c.DeltaToken, &quarantined, &initialSyncDone, &c.CreatedUnix)
	if err != nil {
		return nil, err
	}

	c.Addressing = Addressing(addressing)
	c.Quarantined = quarantined != 0
	c.InitialSyncDone = initialSyncDone != 0

	return c, nil
}

// CreateCloudConfig inserts a new cloud account row.
func (s *Store) CreateCloudConfig(ctx context.Context, c *CloudConfig) error {
	_, err := s.cloudStmts.create.ExecContext(ctx,
		c.CloudID, c.Provider, c.DisplayName, c.RootPath, string(c.Addressing),
		c.TokenJSON, c.DeltaToken, boolToInt(c.Quarantined), boolToInt(c.InitialSyncDone), c.CreatedUnix)
	if err != nil {
		return fmt.Errorf("index: create cloud config %s: %w", c.CloudID, err)
	}

	return nil
}

// GetCloudConfig looks up a cloud account by ID.
func (s *Store) GetCloudConfig(ctx context.Context, cloudID string) (*CloudConfig, error) {
	row := s.cloudStmts.get.QueryRowContext(ctx, cloudID)

	c, err := scanCloudConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get cloud config %s: %w", cloudID, err)
	}

	return c, nil
}

// ListCloudConfigs returns every configured cloud account.
func (s *Store) ListCloudConfigs(ctx context.Context) ([]*CloudConfig, error) {
	rows, err := s.cloudStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: list cloud configs: %w", err)
	}
	defer rows.Close()

	var out []*CloudConfig
	for rows.Next() {
		c, err := scanCloudConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scan cloud config: %w", err)
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// UpdateCloudToken persists a refreshed OAuth token blob for a cloud account.
func (s *Store) UpdateCloudToken(ctx context.Context, cloudID, tokenJSON string) error {
	_, err := s.cloudStmts.updateToken.ExecContext(ctx, tokenJSON, cloudID)
	if err != nil {
		return fmt.Errorf("index: update cloud token %s: %w", cloudID, err)
	}

	return nil
}

// UpdateCloudDeltaToken persists the cursor for the next delta poll.
func (s *Store) UpdateCloudDeltaToken(ctx context.Context, cloudID, deltaToken string) error {
	_, err := s.cloudStmts.updateDeltaToken.ExecContext(ctx, deltaToken, cloudID)
	if err != nil {
		return fmt.Errorf("index: update cloud delta token %s: %w", cloudID, err)
	}

	return nil
}

// SetCloudQuarantined marks a cloud account quarantined (a config-tier
// error) or clears the flag once the operator has addressed it.
func (s *Store) SetCloudQuarantined(ctx context.Context, cloudID string, quarantined bool) error {
	_, err := s.cloudStmts.updateQuarantine.ExecContext(ctx, boolToInt(quarantined), cloudID)
	if err != nil {
		return fmt.Errorf("index: set cloud quarantine %s: %w", cloudID, err)
	}

	return nil
}

// SetCloudInitialSyncDone marks a cloud account's initial reconciliation
// pass complete.
func (s *Store) SetCloudInitialSyncDone(ctx context.Context, cloudID string, done bool) error {
	_, err := s.cloudStmts.updateInitialSync.ExecContext(ctx, boolToInt(done), cloudID)
	if err != nil {
		return fmt.Errorf("index: set cloud initial sync %s: %w", cloudID, err)
	}

	return nil
}

// DeleteCloudConfig removes a cloud account and, via ON DELETE CASCADE, all
// of its FileLink rows.
func (s *Store) DeleteCloudConfig(ctx context.Context, cloudID string) error {
	_, err := s.cloudStmts.delete.ExecContext(ctx, cloudID)
	if err != nil {
		return fmt.Errorf("index: delete cloud config %s: %w", cloudID, err)
	}

	return nil
}

// --- Metadata ---

const (
	sqlGetMetadata = `SELECT value FROM metadata WHERE key = ?`

	sqlSetMetadata = `INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

// GetMetadata returns the value stored under key, or ErrNotFound.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.metaStmts.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("index: get metadata %s: %w", key, err)
	}

	return value, nil
}

// SetMetadata upserts a key/value metadata row.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.metaStmts.set.ExecContext(ctx, key, value)
	if err != nil {
		return fmt.Errorf("index: set metadata %s: %w", key, err)
	}

	return nil
}

// --- path helpers ---

// GetMissingPathPart returns the shallowest ancestor directory of relPath
// that has no active FileRecord, so a Command building a nested target path
// can create parent directories top-down from that point, adopting any
// segment above it that already exists instead of recreating it. Returns "" if every ancestor
// already exists, meaning only the leaf itself needs creating.
func (s *Store) GetMissingPathPart(ctx context.Context, relPath string) (string, error) {
	dir := filepath.Dir(filepath.Clean(relPath))
	if dir == "." || dir == string(filepath.Separator) {
		return "", nil
	}

	segments := strings.Split(filepath.ToSlash(dir), "/")

	var built string
	for _, seg := range segments {
		if built == "" {
			built = seg
		} else {
			built = built + "/" + seg
		}

		_, err := s.GetFileRecordByRelPath(ctx, filepath.FromSlash(built))
		if errors.Is(err, ErrNotFound) {
			return filepath.FromSlash(built), nil
		}
		if err != nil {
			return "", fmt.Errorf("index: resolve missing path part %s: %w", relPath, err)
		}
	}

	return "", nil
}

// --- lifecycle ---

// Checkpoint forces a WAL checkpoint, truncating the WAL file back into the
// main database.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("index: checkpoint: %w", err)
	}

	return nil
}

// Close releases all prepared statements and closes the database.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.fileStmts.upsert, s.fileStmts.getByGlobalID, s.fileStmts.getByRelPath,
		s.fileStmts.getByFileID, s.fileStmts.listActive, s.fileStmts.markDeleted, s.fileStmts.deleteByGlobalID,
		s.linkStmts.upsert, s.linkStmts.get, s.linkStmts.getByCloudFileID, s.linkStmts.listForGlobalID, s.linkStmts.delete,
		s.cloudStmts.create, s.cloudStmts.get, s.cloudStmts.list, s.cloudStmts.updateToken,
		s.cloudStmts.updateDeltaToken, s.cloudStmts.updateQuarantine, s.cloudStmts.updateInitialSync, s.cloudStmts.delete,
		s.metaStmts.get, s.metaStmts.set,
	}

	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			s.logger.Warn("closing prepared statement", "error", err)
		}
	}

	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
