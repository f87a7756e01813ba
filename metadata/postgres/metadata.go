package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mwantia/chunkfs/data"
)

func (pb *PostgresBackend) GetFileInfo(ctx context.Context, key string) (*data.FileInfo, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	if _, exists := pb.paths.Get(key); !exists {
		return nil, fmt.Errorf("%w: %s", data.ErrNotExist, key)
	}

	var record string
	err := pb.pool.QueryRow(ctx,
		"SELECT record FROM cfs_files WHERE path = $1", key).Scan(&record)
	if err == pgx.ErrNoRows {
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
// secondary indexes with independent writes.
func (pb *PostgresBackend) SetFileInfo(ctx context.Context, key string, info *data.FileInfo) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	record, err := info.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrSerialization, err)
	}

	_, err = pb.pool.Exec(ctx, `
		INSERT INTO cfs_files (path, id, record, size, modify_time, is_directory)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (path) DO UPDATE SET
			id = EXCLUDED.id, record = EXCLUDED.record, size = EXCLUDED.size,
			modify_time = EXCLUDED.modify_time, is_directory = EXCLUDED.is_directory
	`, key, info.ID, string(record), info.Size, info.ModifyTime.Unix(), info.IsDirectory)
	if err != nil {
		return err
	}

	pb.paths.Set(key, info.ID)

	if _, err := pb.pool.Exec(ctx,
		"DELETE FROM cfs_file_ids WHERE path = $1", key); err != nil {
		return err
	}
	if _, err := pb.pool.Exec(ctx, `
		INSERT INTO cfs_file_ids (file_id, path) VALUES ($1, $2)
		ON CONFLICT (file_id) DO UPDATE SET path = EXCLUDED.path
	`, info.ID, key); err != nil {
		return err
	}

	if _, err := pb.pool.Exec(ctx,
		"DELETE FROM cfs_chunks WHERE path = $1", key); err != nil {
		return err
	}

	replicas, err := json.Marshal(info.Replicas)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrSerialization, err)
	}

	for position, chunkID := range info.Chunks {
		if _, err := pb.pool.Exec(ctx, `
			INSERT INTO cfs_chunks (chunk_id, path, position, replicas)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (chunk_id, path) DO UPDATE SET
				position = EXCLUDED.position, replicas = EXCLUDED.replicas
		`, string(chunkID), key, position, string(replicas)); err != nil {
			return err
		}
	}

	if _, err := pb.pool.Exec(ctx,
		"DELETE FROM cfs_attributes WHERE path = $1", key); err != nil {
		return err
	}
	for attr, value := range info.Attributes {
		if _, err := pb.pool.Exec(ctx, `
			INSERT INTO cfs_attributes (path, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (path, key) DO UPDATE SET value = EXCLUDED.value
		`, key, attr, value); err != nil {
			return err
		}
	}

	return nil
}

func (pb *PostgresBackend) DeleteFileInfo(ctx context.Context, key string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if _, exists := pb.paths.Get(key); !exists {
		return fmt.Errorf("%w: %s", data.ErrNotExist, key)
	}

	if _, err := pb.pool.Exec(ctx,
		"DELETE FROM cfs_files WHERE path = $1", key); err != nil {
		return err
	}

	pb.paths.Delete(key)

	if _, err := pb.pool.Exec(ctx,
		"DELETE FROM cfs_file_ids WHERE path = $1", key); err != nil {
		return err
	}
	if _, err := pb.pool.Exec(ctx,
		"DELETE FROM cfs_chunks WHERE path = $1", key); err != nil {
		return err
	}
	if _, err := pb.pool.Exec(ctx,
		"DELETE FROM cfs_attributes WHERE path = $1", key); err != nil {
		return err
	}

	return nil
}

func (pb *PostgresBackend) FileExists(ctx context.Context, key string) (bool, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	_, exists := pb.paths.Get(key)
	return exists, nil
}

func (pb *PostgresBackend) ListDirectory(ctx context.Context, dir string) ([]*data.FileInfo, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	children := make([]string, 0)
	hasChildren := false

	pb.paths.Scan(func(key string, _ string) bool {
		if data.HasPathPrefix(key, dir) && key != dir {
			hasChildren = true
			if data.IsImmediateChild(dir, key) {
				children = append(children, key)
			}
		}
		return true
	})

	if dir != "/" {
		if _, exists := pb.paths.Get(dir); !exists && !hasChildren {
			return nil, fmt.Errorf("%w: %s", data.ErrNotExist, dir)
		}
	}

	infos := make([]*data.FileInfo, 0, len(children))
	for _, child := range children {
		var record string
		err := pb.pool.QueryRow(ctx,
			"SELECT record FROM cfs_files WHERE path = $1", child).Scan(&record)
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

func (pb *PostgresBackend) FindFilesByPattern(ctx context.Context, pattern string) ([]string, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q", data.ErrInvalid, pattern)
	}

	matches := make([]string, 0)
	pb.paths.Scan(func(key string, _ string) bool {
		if ok, _ := path.Match(pattern, path.Base(key)); ok {
			matches = append(matches, key)
		}
		return true
	})

	return matches, nil
}

func (pb *PostgresBackend) FindFilesBySize(ctx context.Context, min, max int64) ([]string, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	query := "SELECT path FROM cfs_files WHERE is_directory = FALSE AND size >= $1"
	args := []any{min}

	if max > 0 {
		query += " AND size <= $2"
		args = append(args, max)
	}

	return pb.queryPaths(ctx, query, args...)
}

func (pb *PostgresBackend) FindFilesByDate(ctx context.Context, from, to time.Time) ([]string, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	return pb.queryPaths(ctx,
		"SELECT path FROM cfs_files WHERE is_directory = FALSE AND modify_time >= $1 AND modify_time <= $2",
		from.Unix(), to.Unix())
}

func (pb *PostgresBackend) ChunkRefs(ctx context.Context, id data.ChunkID) (int, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	var refs int
	err := pb.pool.QueryRow(ctx,
		"SELECT COUNT(DISTINCT path) FROM cfs_chunks WHERE chunk_id = $1",
		string(id)).Scan(&refs)
	if err != nil {
		return 0, err
	}

	return refs, nil
}

func (pb *PostgresBackend) FilePathByID(ctx context.Context, fileID string) (string, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	var key string
	err := pb.pool.QueryRow(ctx,
		"SELECT path FROM cfs_file_ids WHERE file_id = $1", fileID).Scan(&key)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("%w: file id %s", data.ErrNotExist, fileID)
	}
	if err != nil {
		return "", err
	}

	return key, nil
}

func (pb *PostgresBackend) queryPaths(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := pb.pool.Query(ctx, query, args...)
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
