package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mwantia/chunkfs/data"
)

var danglingQueries = []struct {
	index string
	query string
}{
	{"file-id", `
		SELECT i.file_id, i.path FROM cfs_file_ids i
		LEFT JOIN cfs_files f ON f.path = i.path
		WHERE f.path IS NULL`},
	{"chunk", `
		SELECT c.chunk_id, c.path FROM cfs_chunks c
		LEFT JOIN cfs_files f ON f.path = c.path
		WHERE f.path IS NULL`},
	{"attribute", `
		SELECT a.key, a.path FROM cfs_attributes a
		LEFT JOIN cfs_files f ON f.path = a.path
		WHERE f.path IS NULL`},
}

// VerifyConsistency detects secondary-index entries pointing at
// deleted primary records.
func (pb *PostgresBackend) VerifyConsistency(ctx context.Context) ([]data.Inconsistency, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	found := make([]data.Inconsistency, 0)

	for _, dq := range danglingQueries {
		rows, err := pb.pool.Query(ctx, dq.query)
		if err != nil {
			return nil, err
		}

		for rows.Next() {
			var key, target string
			if err := rows.Scan(&key, &target); err != nil {
				rows.Close()
				return nil, err
			}

			found = append(found, data.Inconsistency{
				Index:  dq.index,
				Key:    key,
				Target: target,
				Detail: fmt.Sprintf("%s index entry %q points at missing record %q", dq.index, key, target),
			})
		}

		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return found, nil
}

// RepairMetadata deletes all dangling secondary-index entries.
func (pb *PostgresBackend) RepairMetadata(ctx context.Context) (int, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	removed := 0
	for _, table := range []string{"cfs_file_ids", "cfs_chunks", "cfs_attributes"} {
		result, err := pb.pool.Exec(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE path NOT IN (SELECT path FROM cfs_files)", table))
		if err != nil {
			return removed, err
		}

		removed += int(result.RowsAffected())
	}

	return removed, nil
}

// RebuildIndex fully regenerates all derived indexes from the primary
// table.
func (pb *PostgresBackend) RebuildIndex(ctx context.Context) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	for _, table := range []string{"cfs_file_ids", "cfs_chunks", "cfs_attributes"} {
		if _, err := pb.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	rows, err := pb.pool.Query(ctx, "SELECT path, record FROM cfs_files")
	if err != nil {
		return err
	}

	type primary struct {
		path string
		info data.FileInfo
	}

	records := make([]primary, 0)
	for rows.Next() {
		var key, record string
		if err := rows.Scan(&key, &record); err != nil {
			rows.Close()
			return err
		}

		var info data.FileInfo
		if err := info.Unmarshal([]byte(record)); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %v", data.ErrSerialization, err)
		}

		records = append(records, primary{path: key, info: info})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	pb.paths.Clear()

	for _, rec := range records {
		pb.paths.Set(rec.path, rec.info.ID)

		if _, err := pb.pool.Exec(ctx, `
			INSERT INTO cfs_file_ids (file_id, path) VALUES ($1, $2)
			ON CONFLICT (file_id) DO UPDATE SET path = EXCLUDED.path
		`, rec.info.ID, rec.path); err != nil {
			return err
		}

		replicas, err := json.Marshal(rec.info.Replicas)
		if err != nil {
			return fmt.Errorf("%w: %v", data.ErrSerialization, err)
		}

		for position, chunkID := range rec.info.Chunks {
			if _, err := pb.pool.Exec(ctx, `
				INSERT INTO cfs_chunks (chunk_id, path, position, replicas)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (chunk_id, path) DO UPDATE SET
					position = EXCLUDED.position, replicas = EXCLUDED.replicas
			`, string(chunkID), rec.path, position, string(replicas)); err != nil {
				return err
			}
		}

		for attr, value := range rec.info.Attributes {
			if _, err := pb.pool.Exec(ctx, `
				INSERT INTO cfs_attributes (path, key, value) VALUES ($1, $2, $3)
				ON CONFLICT (path, key) DO UPDATE SET value = EXCLUDED.value
			`, rec.path, attr, value); err != nil {
				return err
			}
		}
	}

	return nil
}
