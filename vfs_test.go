package chunkfs_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/mwantia/chunkfs"
	"github.com/mwantia/chunkfs/data"
	"github.com/mwantia/chunkfs/log"
	"github.com/mwantia/chunkfs/metadata"
	"github.com/mwantia/chunkfs/metadata/memory"
	"github.com/mwantia/chunkfs/metadata/sqlite"
	"github.com/mwantia/chunkfs/storage"
	"github.com/mwantia/chunkfs/storage/local"
)

type TestBackendFactory func(t *testing.T) (storage.Backend, metadata.Backend, error)

func GetTestBackendFactories() map[string]TestBackendFactory {
	return map[string]TestBackendFactory{
		"local-memory": func(t *testing.T) (storage.Backend, metadata.Backend, error) {
			store, err := local.NewLocalBackend(t.TempDir(), nil)
			if err != nil {
				return nil, nil, err
			}

			return store, memory.NewMemoryBackend(), nil
		},
		"local-sqlite": func(t *testing.T) (storage.Backend, metadata.Backend, error) {
			store, err := local.NewLocalBackend(t.TempDir(), nil)
			if err != nil {
				return nil, nil, err
			}

			meta, err := sqlite.NewSQLiteBackend(":memory:")
			if err != nil {
				return nil, nil, err
			}

			return store, meta, nil
		},
	}
}

func withFileSystems(t *testing.T, test func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend)) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(t *testing.T) {
			store, meta, err := factory(t)
			if err != nil {
				t.Fatalf("Factory failed: %v", err)
			}

			fs, err := chunkfs.New(store, meta,
				chunkfs.WithChunkSize(1024),
				chunkfs.WithLogLevel(log.Error),
				chunkfs.WithDiskCache(filepath.Join(t.TempDir(), "cache.db"), nil))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			if err := fs.Open(context.Background()); err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			t.Cleanup(func() { fs.Close(context.Background()) })

			test(t, fs, store)
		})
	}
}

func TestVFS_WriteReadRoundTrip(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		content := bytes.Repeat([]byte{0x42}, 5000)
		info, err := fs.WriteFile(ctx, "/docs/report.bin", content)
		if err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		if info.Size != 5000 {
			t.Errorf("Expected size 5000, got %d", info.Size)
		}
		if len(info.Chunks) != 5 {
			t.Errorf("Expected 5 chunks, got %d", len(info.Chunks))
		}
		if info.Version != 1 {
			t.Errorf("Expected version 1, got %d", info.Version)
		}

		got, err := fs.ReadFile(ctx, "/docs/report.bin")
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Error("Read content differs from written content")
		}

		// The second read is served from the cache
		got, err = fs.ReadFile(ctx, "/docs/report.bin")
		if err != nil {
			t.Fatalf("Cached ReadFile failed: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Error("Cached content differs from written content")
		}
	})
}

func TestVFS_OverwriteBumpsVersion(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		first, err := fs.WriteFile(ctx, "/notes.txt", []byte("first draft"))
		if err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		second, err := fs.WriteFile(ctx, "/notes.txt", []byte("second draft, now longer"))
		if err != nil {
			t.Fatalf("Overwrite failed: %v", err)
		}

		if second.Version != first.Version+1 {
			t.Errorf("Expected version %d, got %d", first.Version+1, second.Version)
		}
		if second.ID != first.ID {
			t.Error("Expected the file id to be stable across versions")
		}

		got, err := fs.ReadFile(ctx, "/notes.txt")
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if string(got) != "second draft, now longer" {
			t.Errorf("Expected new content, got %q", got)
		}

		// Chunks only the old version referenced are released
		for _, id := range first.Chunks {
			exists, err := store.ChunkExists(ctx, id)
			if err != nil {
				t.Fatalf("ChunkExists failed: %v", err)
			}
			if exists {
				t.Errorf("Chunk %s of the replaced version leaked", id.Prefix(12))
			}
		}
	})
}

// TestVFS_DeleteReleasesChunks covers the single-owner delete path:
// removing a file must remove every chunk it referenced.
func TestVFS_DeleteReleasesChunks(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		content := bytes.Repeat([]byte("abc"), 1024) // 3KB
		info, err := fs.WriteFile(ctx, "/scratch.dat", content)
		if err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		if err := fs.DeleteFile(ctx, "/scratch.dat"); err != nil {
			t.Fatalf("DeleteFile failed: %v", err)
		}

		exists, err := fs.FileExists(ctx, "/scratch.dat")
		if err != nil {
			t.Fatalf("FileExists failed: %v", err)
		}
		if exists {
			t.Error("Expected file to be gone")
		}

		for _, id := range info.Chunks {
			exists, err := store.ChunkExists(ctx, id)
			if err != nil {
				t.Fatalf("ChunkExists failed: %v", err)
			}
			if exists {
				t.Errorf("Chunk %s leaked after delete", id.Prefix(12))
			}
		}

		if _, err := fs.ReadFile(ctx, "/scratch.dat"); !errors.Is(err, data.ErrNotExist) {
			t.Errorf("Expected ErrNotExist, got %v", err)
		}
	})
}

func TestVFS_CopySharesChunks(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		content := bytes.Repeat([]byte{0x07}, 2048)
		src, err := fs.WriteFile(ctx, "/original.bin", content)
		if err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		copied, err := fs.CopyFile(ctx, "/original.bin", "/copy.bin")
		if err != nil {
			t.Fatalf("CopyFile failed: %v", err)
		}

		if copied.ID == src.ID {
			t.Error("Expected the copy to have its own file id")
		}
		if len(copied.Chunks) != len(src.Chunks) {
			t.Fatalf("Expected %d chunks, got %d", len(src.Chunks), len(copied.Chunks))
		}
		for i, id := range copied.Chunks {
			if id != src.Chunks[i] {
				t.Error("Expected the copy to share the source's chunks")
			}
		}

		// Deleting the source keeps the shared chunks alive
		if err := fs.DeleteFile(ctx, "/original.bin"); err != nil {
			t.Fatalf("DeleteFile failed: %v", err)
		}

		for _, id := range copied.Chunks {
			exists, err := store.ChunkExists(ctx, id)
			if err != nil {
				t.Fatalf("ChunkExists failed: %v", err)
			}
			if !exists {
				t.Errorf("Shared chunk %s was deleted with the source", id.Prefix(12))
			}
		}

		got, err := fs.ReadFile(ctx, "/copy.bin")
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Error("Copy content differs from source content")
		}
	})
}

func TestVFS_MoveFile(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		content := []byte("movable content")
		if _, err := fs.WriteFile(ctx, "/old/name.txt", content); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		if err := fs.MoveFile(ctx, "/old/name.txt", "/new/name.txt"); err != nil {
			t.Fatalf("MoveFile failed: %v", err)
		}

		if exists, _ := fs.FileExists(ctx, "/old/name.txt"); exists {
			t.Error("Expected the old path to be gone")
		}

		got, err := fs.ReadFile(ctx, "/new/name.txt")
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Error("Moved content differs")
		}

		// Moving onto an existing file is rejected
		if _, err := fs.WriteFile(ctx, "/other.txt", []byte("x")); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if err := fs.MoveFile(ctx, "/new/name.txt", "/other.txt"); !errors.Is(err, data.ErrExist) {
			t.Errorf("Expected ErrExist, got %v", err)
		}
	})
}

func TestVFS_Directories(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		if _, err := fs.CreateDirectory(ctx, "/projects"); err != nil {
			t.Fatalf("CreateDirectory failed: %v", err)
		}
		if _, err := fs.CreateDirectory(ctx, "/projects"); !errors.Is(err, data.ErrExist) {
			t.Errorf("Expected ErrExist, got %v", err)
		}

		// Explicit empty directory lists as empty
		infos, err := fs.ListDirectory(ctx, "/projects")
		if err != nil {
			t.Fatalf("ListDirectory failed: %v", err)
		}
		if len(infos) != 0 {
			t.Errorf("Expected empty listing, got %d entries", len(infos))
		}

		if _, err := fs.WriteFile(ctx, "/projects/a.txt", []byte("a")); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := fs.WriteFile(ctx, "/projects/b.txt", []byte("b")); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := fs.WriteFile(ctx, "/projects/deep/c.txt", []byte("c")); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		infos, err = fs.ListDirectory(ctx, "/projects")
		if err != nil {
			t.Fatalf("ListDirectory failed: %v", err)
		}
		// a.txt, b.txt; c.txt is not an immediate child
		if len(infos) != 2 {
			t.Errorf("Expected 2 immediate children, got %d", len(infos))
		}

		// A repeated listing is served from the cache
		cached, err := fs.ListDirectory(ctx, "/projects")
		if err != nil {
			t.Fatalf("Cached ListDirectory failed: %v", err)
		}
		if len(cached) != len(infos) {
			t.Errorf("Cached listing differs: %d vs %d entries", len(cached), len(infos))
		}

		// Writes into the directory invalidate the cached listing
		if _, err := fs.WriteFile(ctx, "/projects/d.txt", []byte("d")); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		infos, err = fs.ListDirectory(ctx, "/projects")
		if err != nil {
			t.Fatalf("ListDirectory failed: %v", err)
		}
		if len(infos) != 3 {
			t.Errorf("Expected 3 immediate children, got %d", len(infos))
		}

		// Non-empty directories cannot be deleted
		if err := fs.DeleteFile(ctx, "/projects"); !errors.Is(err, data.ErrInvalid) {
			t.Errorf("Expected ErrInvalid, got %v", err)
		}
	})
}

func TestVFS_FileHandle(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		file, err := fs.OpenFile(ctx, "/journal.txt", chunkfs.ReadWrite)
		if err != nil {
			t.Fatalf("OpenFile failed: %v", err)
		}

		if _, err := file.Write([]byte("day one: nothing happened")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := file.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}

		got, err := fs.ReadFile(ctx, "/journal.txt")
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if string(got) != "day one: nothing happened" {
			t.Errorf("Unexpected content %q", got)
		}

		// Seek back and read through the handle
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			t.Fatalf("Seek failed: %v", err)
		}
		buf := make([]byte, 7)
		if _, err := file.Read(buf); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(buf) != "day one" {
			t.Errorf("Expected 'day one', got %q", buf)
		}

		if err := file.Close(ctx); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := file.Read(buf); !errors.Is(err, data.ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	})
}

func TestVFS_HandleFailsAfterShutdown(t *testing.T) {
	ctx := context.Background()

	store, err := local.NewLocalBackend(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}

	fs, err := chunkfs.New(store, memory.NewMemoryBackend(), chunkfs.WithLogLevel(log.Error))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := fs.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := fs.WriteFile(ctx, "/pinned.txt", []byte("content")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	file, err := fs.OpenFile(ctx, "/pinned.txt", chunkfs.ReadOnly)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}

	if err := fs.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The handle's back-reference resolves to a torn-down owner
	if _, err := file.Read(make([]byte, 4)); !errors.Is(err, data.ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}
	if _, err := fs.ReadFile(ctx, "/pinned.txt"); !errors.Is(err, data.ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", err)
	}
}

func TestVFS_WriteOnlyHandleRejectsReads(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		file, err := fs.OpenFile(ctx, "/wo.txt", chunkfs.WriteOnly)
		if err != nil {
			t.Fatalf("OpenFile failed: %v", err)
		}

		if _, err := file.Read(make([]byte, 4)); !errors.Is(err, data.ErrPermission) {
			t.Errorf("Expected ErrPermission, got %v", err)
		}
		if _, err := file.Write([]byte("ok")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := file.Close(ctx); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	})
}

func TestVFS_Deduplication(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		// Two files with identical content share all chunks
		content := bytes.Repeat([]byte{0xAA}, 4096)
		first, err := fs.WriteFile(ctx, "/one.bin", content)
		if err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		second, err := fs.WriteFile(ctx, "/two.bin", content)
		if err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		for i := range first.Chunks {
			if first.Chunks[i] != second.Chunks[i] {
				t.Fatal("Expected identical content to produce identical chunk ids")
			}
		}

		// Deleting one file keeps the chunks of the other
		if err := fs.DeleteFile(ctx, "/one.bin"); err != nil {
			t.Fatalf("DeleteFile failed: %v", err)
		}

		got, err := fs.ReadFile(ctx, "/two.bin")
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Error("Surviving file lost content")
		}
	})
}

func TestVFS_VerifyAndRepair(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		if _, err := fs.WriteFile(ctx, "/healthy.txt", []byte("all good")); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		report, err := fs.VerifyAndRepair(ctx)
		if err != nil {
			t.Fatalf("VerifyAndRepair failed: %v", err)
		}

		if len(report.Inconsistencies) != 0 {
			t.Errorf("Expected no inconsistencies, got %d", len(report.Inconsistencies))
		}
		if len(report.CorruptChunks) != 0 {
			t.Errorf("Expected no corrupt chunks, got %d", len(report.CorruptChunks))
		}
	})
}

func TestVFS_StatsAndHealth(t *testing.T) {
	withFileSystems(t, func(t *testing.T, fs *chunkfs.VirtualFileSystem, store storage.Backend) {
		ctx := context.Background()

		if _, err := fs.WriteFile(ctx, "/counted.bin", make([]byte, 2048)); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := fs.ReadFile(ctx, "/counted.bin"); err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}

		stats, err := fs.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Storage.ChunkCount == 0 {
			t.Error("Expected stored chunks to be counted")
		}

		if health := fs.Health(); !health.Healthy {
			t.Error("Expected a freshly used file system to be healthy")
		}
	})
}
