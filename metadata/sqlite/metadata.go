package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/mwantia/chunkfs/data"
)

func (sb *SQLiteBackend) GetFileInfo(ctx context.Context, key string) (*data.FileInfo, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	// Check B-tree first
	if _, exists := sb.paths.Get(key); !exists {
		return nil, fmt.Errorf("%w: %s", data.ErrNotExist, key)
	}

	var record string
	err := sb.db.QueryRowContext(ctx,
		"SELECT record FROM cfs_files WHERE path = ?", key).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", data.ErrNotExist, key)
	}
	if err != nil {
		return nil, err
	}

	var info data.FileInfo
	if err := info.Unmarshal([]byte(record)); err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrSerialization, err)
	}

	return &info, nil
}

// SetFileInfo upserts the primary record and denormalizes it into the
// secondary indexes. Each index is written independently; there is no
// cross-record atomicity.
func (sb *SQLiteBackend) SetFileInfo(ctx context.Context, key string, info *data.FileInfo) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	record, err := info.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrSerialization, err)
	}

	isDir := 0
	if info.IsDirectory {
		isDir = 1
	}

	// Primary record
	_, err = sb.db.ExecContext(ctx, `
		INSERT INTO cfs_files (path, id, record, size, modify_time, is_directory)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			id = excluded.id, record = excluded.record, size = excluded.size,
			modify_time = excluded.modify_time, is_directory = excluded.is_directory
	`, key, info.ID, string(record), info.Size, info.ModifyTime.Unix(), isDir)
	if err != nil {
		return err
	}

	sb.paths.Set(key, info.ID)

	// Secondary: file id to path
	if _, err := sb.db.ExecContext(ctx,
		"DELETE FROM cfs_file_ids WHERE path = ?", key); err != nil {
		return err
	}
	if _, err := sb.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cfs_file_ids (file_id, path) VALUES (?, ?)",
		info.ID, key); err != nil {
		return err
	}

	// Secondary: chunk references
	if _, err := sb.db.ExecContext(ctx,
		"DELETE FROM cfs_chunks WHERE path = ?", key); err != nil {
		return err
	}

	replicas, err := json.Marshal(info.Replicas)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrSerialization, err)
	}

	for position, chunkID := range info.Chunks {
		if _, err := sb.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO cfs_chunks (chunk_id, path, position, replicas)
			VALUES (?, ?, ?, ?)
		`, string(chunkID), key, position, string(replicas)); err != nil {
			return err
		}
	}

	// Secondary: attributes
	if _, err := sb.db.ExecContext(ctx,
		"DELETE FROM cfs_attributes WHERE path = ?", key); err != nil {
		return err
	}
	for attr, value := range info.Attributes {
		if _, err := sb.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO cfs_attributes (path, key, value) VALUES (?, ?, ?)",
			key, attr, value); err != nil {
			return err
		}
	}

	return nil
}

// DeleteFileInfo removes the primary record and all associated
// secondary records. This multi-record deletion is the main source of
// potential partial-failure inconsistency.
func (sb *SQLiteBackend) DeleteFileInfo(ctx context.Context, key string) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.paths.Get(key); !exists {
		return fmt.Errorf("%w: %s", data.ErrNotExist, key)
	}

	if _, err := sb.db.ExecContext(ctx,
		"DELETE FROM cfs_files WHERE path = ?", key); err != nil {
		return err
	}

	sb.paths.Delete(key)

	if _, err := sb.db.ExecContext(ctx,
		"DELETE FROM cfs_file_ids WHERE path = ?", key); err != nil {
		return err
	}
	if _, err := sb.db.ExecContext(ctx,
		"DELETE FROM cfs_chunks WHERE path = ?", key); err != nil {
		return err
	}
	if _, err := sb.db.ExecContext(ctx,
		"DELETE FROM cfs_attributes WHERE path = ?", key); err != nil {
		return err
	}

	return nil
}

func (sb *SQLiteBackend) FileExists(ctx context.Context, key string) (bool, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	_, exists := sb.paths.Get(key)
	return exists, nil
}

func (sb *SQLiteBackend) ListDirectory(ctx context.Context, dir string) ([]*data.FileInfo, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	// Collect immediate children from the flat keyspace
	children := make([]string, 0)
	hasChildren := false

	sb.paths.Scan(func(key string, _ string) bool {
		if data.HasPathPrefix(key, dir) && key != dir {
			hasChildren = true
			if data.IsImmediateChild(dir, key) {
				children = append(children, key)
			}
		}
		return true
	})

	// The directory must either hold its own record or have children
	if dir != "/" {
		if _, exists := sb.paths.Get(dir); !exists && !hasChildren {
			return nil, fmt.Errorf("%w: %s", data.ErrNotExist, dir)
		}
	}

	infos := make([]*data.FileInfo, 0, len(children))
	for _, child := range children {
		var record string
		err := sb.db.QueryRowContext(ctx,
			"SELECT record FROM cfs_files WHERE path = ?", child).Scan(&record)
		if err != nil {
			continue
		}

		var info data.FileInfo
		if err := info.Unmarshal([]byte(record)); err != nil {
			continue
		}
		infos = append(infos, &info)
	}

	return infos, nil
}

func (sb *SQLiteBackend) FindFilesByPattern(ctx context.Context, pattern string) ([]string, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q", data.ErrInvalid, pattern)
	}

	matches := make([]string, 0)
	sb.paths.Scan(func(key string, _ string) bool {
		if ok, _ := path.Match(pattern, path.Base(key)); ok {
			matches = append(matches, key)
		}
		return true
	})

	return matches, nil
}

func (sb *SQLiteBackend) FindFilesBySize(ctx context.Context, min, max int64) ([]string, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	query := "SELECT path FROM cfs_files WHERE is_directory = 0 AND size >= ?"
	args := []any{min}

	if max > 0 {
		query += " AND size <= ?"
		args = append(args, max)
	}

	return sb.queryPaths(ctx, query, args...)
}

func (sb *SQLiteBackend) FindFilesByDate(ctx context.Context, from, to time.Time) ([]string, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return sb.queryPaths(ctx,
		"SELECT path FROM cfs_files WHERE is_directory = 0 AND modify_time >= ? AND modify_time <= ?",
		from.Unix(), to.Unix())
}

func (sb *SQLiteBackend) ChunkRefs(ctx context.Context, id data.ChunkID) (int, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	var refs int
	err := sb.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT path) FROM cfs_chunks WHERE chunk_id = ?",
		string(id)).Scan(&refs)
	if err != nil {
		return 0, err
	}

	return refs, nil
}

func (sb *SQLiteBackend) FilePathByID(ctx context.Context, fileID string) (string, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	var key string
	err := sb.db.QueryRowContext(ctx,
		"SELECT path FROM cfs_file_ids WHERE file_id = ?", fileID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: file id %s", data.ErrNotExist, fileID)
	}
	if err != nil {
		return "", err
	}

	return key, nil
}

func (sb *SQLiteBackend) queryPaths(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := sb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			continue
		}
		paths = append(paths, key)
	}

	return paths, rows.Err()
}
