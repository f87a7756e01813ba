package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mwantia/chunkfs/data"
)

// danglingQueries pairs each secondary index with the query that
// finds its entries pointing at a missing primary record.
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
func (sb *SQLiteBackend) VerifyConsistency(ctx context.Context) ([]data.Inconsistency, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	found := make([]data.Inconsistency, 0)

	for _, dq := range danglingQueries {
		rows, err := sb.db.QueryContext(ctx, dq.query)
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

// RepairMetadata deletes all dangling secondary-index entries and
// returns how many rows were removed.
func (sb *SQLiteBackend) RepairMetadata(ctx context.Context) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	removed := 0
	for _, table := range []string{"cfs_file_ids", "cfs_chunks", "cfs_attributes"} {
		result, err := sb.db.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE path NOT IN (SELECT path FROM cfs_files)", table))
		if err != nil {
			return removed, err
		}

		if affected, err := result.RowsAffected(); err == nil {
			removed += int(affected)
		}
	}

	return removed, nil
}

// RebuildIndex fully regenerates all derived indexes from the primary
// table.
func (sb *SQLiteBackend) RebuildIndex(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for _, table := range []string{"cfs_file_ids", "cfs_chunks", "cfs_attributes"} {
		if _, err := sb.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	rows, err := sb.db.QueryContext(ctx, "SELECT path, record FROM cfs_files")
	if err != nil {
		return err
	}
	defer rows.Close()

	type primary struct {
		path string
		info data.FileInfo
	}

	records := make([]primary, 0)
	for rows.Next() {
		var key, record string
		if err := rows.Scan(&key, &record); err != nil {
			return err
		}

		var info data.FileInfo
		if err := info.Unmarshal([]byte(record)); err != nil {
			return fmt.Errorf("%w: %v", data.ErrSerialization, err)
		}

		records = append(records, primary{path: key, info: info})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sb.paths.Clear()

	for _, rec := range records {
		sb.paths.Set(rec.path, rec.info.ID)

		if _, err := sb.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO cfs_file_ids (file_id, path) VALUES (?, ?)",
			rec.info.ID, rec.path); err != nil {
			return err
		}

		replicas, err := json.Marshal(rec.info.Replicas)
		if err != nil {
			return fmt.Errorf("%w: %v", data.ErrSerialization, err)
		}

		for position, chunkID := range rec.info.Chunks {
			if _, err := sb.db.ExecContext(ctx, `
				INSERT OR REPLACE INTO cfs_chunks (chunk_id, path, position, replicas)
				VALUES (?, ?, ?, ?)
			`, string(chunkID), rec.path, position, string(replicas)); err != nil {
				return err
			}
		}

		for attr, value := range rec.info.Attributes {
			if _, err := sb.db.ExecContext(ctx,
				"INSERT OR REPLACE INTO cfs_attributes (path, key, value) VALUES (?, ?, ?)",
				rec.path, attr, value); err != nil {
				return err
			}
		}
	}

	return nil
}
