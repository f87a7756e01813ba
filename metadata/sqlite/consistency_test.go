package sqlite

import (
	"context"
	"testing"

	"github.com/mwantia/chunkfs/data"
)

// TestConsistencyRepair injects an orphaned secondary-index row
// behind the backend's back and verifies the detect/repair cycle:
// one scan reports it, repair removes it, a second scan is clean.
func TestConsistencyRepair(t *testing.T) {
	ctx := context.Background()

	backend, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	if err := backend.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer backend.Close(ctx)

	info := data.NewFileInfo("/live.bin", 0644, 4)
	info.Chunks = []data.ChunkID{data.HashBytes([]byte("live"))}
	if err := backend.SetFileInfo(ctx, info.Path, info); err != nil {
		t.Fatalf("SetFileInfo failed: %v", err)
	}

	// Simulate a crash between secondary and primary deletion
	if _, err := backend.db.Exec(
		"INSERT INTO cfs_file_ids (file_id, path) VALUES (?, ?)",
		"orphan-id", "/deleted.bin"); err != nil {
		t.Fatalf("Injecting orphan row failed: %v", err)
	}

	found, err := backend.VerifyConsistency(ctx)
	if err != nil {
		t.Fatalf("VerifyConsistency failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Expected 1 inconsistency, got %d", len(found))
	}
	if found[0].Index != "file-id" || found[0].Key != "orphan-id" {
		t.Errorf("Unexpected inconsistency reported: %+v", found[0])
	}

	removed, err := backend.RepairMetadata(ctx)
	if err != nil {
		t.Fatalf("RepairMetadata failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed row, got %d", removed)
	}

	found, err = backend.VerifyConsistency(ctx)
	if err != nil {
		t.Fatalf("Second VerifyConsistency failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Expected no inconsistencies after repair, got %d", len(found))
	}

	// Live records must be untouched by the repair
	if _, err := backend.GetFileInfo(ctx, "/live.bin"); err != nil {
		t.Errorf("Repair must not touch live records: %v", err)
	}
}

func TestConsistencyRepair_DanglingChunkRow(t *testing.T) {
	ctx := context.Background()

	backend, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	if err := backend.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer backend.Close(ctx)

	if _, err := backend.db.Exec(
		"INSERT INTO cfs_chunks (chunk_id, path, position) VALUES (?, ?, ?)",
		string(data.HashBytes([]byte("dangling"))), "/gone.bin", 0); err != nil {
		t.Fatalf("Injecting orphan chunk row failed: %v", err)
	}

	found, err := backend.VerifyConsistency(ctx)
	if err != nil {
		t.Fatalf("VerifyConsistency failed: %v", err)
	}
	if len(found) != 1 || found[0].Index != "chunk" {
		t.Fatalf("Expected one chunk inconsistency, got %+v", found)
	}

	if _, err := backend.RepairMetadata(ctx); err != nil {
		t.Fatalf("RepairMetadata failed: %v", err)
	}

	refs, err := backend.ChunkRefs(ctx, data.HashBytes([]byte("dangling")))
	if err != nil {
		t.Fatalf("ChunkRefs failed: %v", err)
	}
	if refs != 0 {
		t.Errorf("Expected dangling chunk row removed, refs = %d", refs)
	}
}
