package sqlite

import (
	"context"
	"database/sql"
	"sync"

	"github.com/tidwall/btree"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteBackend provides a metadata store using SQLite with a
// three-layer layout:
//
// Layer 1: In-memory B-tree for fast path → file-id lookups
// Layer 2: SQLite primary table (cfs_files) holding the full record
// Layer 3: SQLite secondary tables denormalizing the record
// (cfs_file_ids, cfs_chunks, cfs_attributes)
//
// Secondary writes are issued independently of the primary write, so
// a crash can leave dangling index rows. VerifyConsistency and
// RepairMetadata detect and remove them; RebuildIndex regenerates all
// secondaries from the primary table.
type SQLiteBackend struct {
	mu sync.RWMutex
	db *sql.DB

	// In-memory B-tree for fast path lookups
	paths *btree.Map[string, string]
}

// NewSQLiteBackend creates a new SQLite-backed metadata store.
// The dbPath can be ":memory:" for an in-memory database or a file path.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection keeps ":memory:" databases stable and avoids
	// writer contention on file databases.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}

	backend := &SQLiteBackend{
		db:    db,
		paths: btree.NewMap[string, string](0),
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return backend, nil
}

// initSchema creates the database schema.
func (sb *SQLiteBackend) initSchema() error {
	schema := `
	-- Primary file records
	CREATE TABLE IF NOT EXISTS cfs_files (
		path TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		record TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		modify_time INTEGER NOT NULL,
		is_directory INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_cfs_files_size ON cfs_files(size);
	CREATE INDEX IF NOT EXISTS idx_cfs_files_mtime ON cfs_files(modify_time);

	-- Secondary index: file id to path
	CREATE TABLE IF NOT EXISTS cfs_file_ids (
		file_id TEXT PRIMARY KEY,
		path TEXT NOT NULL
	);

	-- Secondary index: chunk references with replica sets
	CREATE TABLE IF NOT EXISTS cfs_chunks (
		chunk_id TEXT NOT NULL,
		path TEXT NOT NULL,
		position INTEGER NOT NULL,
		replicas TEXT,
		PRIMARY KEY (chunk_id, path)
	);
	CREATE INDEX IF NOT EXISTS idx_cfs_chunks_path ON cfs_chunks(path);

	-- Secondary index: custom attributes
	CREATE TABLE IF NOT EXISTS cfs_attributes (
		path TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (path, key)
	);
	`

	_, err := sb.db.Exec(schema)
	return err
}

// Returns the identifier name defined for this backend
func (*SQLiteBackend) Name() string {
	return "sqlite"
}

// Open is part of the lifecycle behaviour and gets called when opening this backend.
func (sb *SQLiteBackend) Open(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	// Verify database connection
	if err := sb.db.PingContext(ctx); err != nil {
		return err
	}

	// Load all paths into the memory B-tree
	rows, err := sb.db.QueryContext(ctx, "SELECT path, id FROM cfs_files")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var path, id string
		if err := rows.Scan(&path, &id); err != nil {
			return err
		}
		sb.paths.Set(path, id)
	}

	return rows.Err()
}

// Close is part of the lifecycle behaviour and gets called when closing this backend.
func (sb *SQLiteBackend) Close(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.paths.Clear()
	return sb.db.Close()
}
