package memory

import (
	"context"
	"testing"

	"github.com/mwantia/chunkfs/data"
)

func TestConsistencyRepair(t *testing.T) {
	ctx := context.Background()

	backend := NewMemoryBackend()
	if err := backend.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer backend.Close(ctx)

	info := data.NewFileInfo("/live.bin", 0644, 4)
	if err := backend.SetFileInfo(ctx, info.Path, info); err != nil {
		t.Fatalf("SetFileInfo failed: %v", err)
	}

	// Simulate a crash between secondary and primary deletion
	backend.mu.Lock()
	backend.fileIDs["orphan-id"] = "/deleted.bin"
	backend.mu.Unlock()

	found, err := backend.VerifyConsistency(ctx)
	if err != nil {
		t.Fatalf("VerifyConsistency failed: %v", err)
	}
	if len(found) != 1 || found[0].Index != "file-id" {
		t.Fatalf("Expected 1 file-id inconsistency, got %+v", found)
	}

	removed, err := backend.RepairMetadata(ctx)
	if err != nil {
		t.Fatalf("RepairMetadata failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed entry, got %d", removed)
	}

	found, err = backend.VerifyConsistency(ctx)
	if err != nil {
		t.Fatalf("Second VerifyConsistency failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Expected no inconsistencies after repair, got %d", len(found))
	}

	if _, err := backend.GetFileInfo(ctx, "/live.bin"); err != nil {
		t.Errorf("Repair must not touch live records: %v", err)
	}
}
