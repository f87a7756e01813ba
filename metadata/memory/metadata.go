package memory

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/mwantia/chunkfs/data"
)

func (mb *MemoryBackend) GetFileInfo(ctx context.Context, key string) (*data.FileInfo, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	info, exists := mb.paths.Get(key)
	if !exists {
		return nil, fmt.Errorf("%w: %s", data.ErrNotExist, key)
	}

	return info.Clone(), nil
}

func (mb *MemoryBackend) SetFileInfo(ctx context.Context, key string, info *data.FileInfo) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	clone := info.Clone()
	clone.Path = key

	// A replacement under a new ID must not leave the old id → path
	// mapping behind
	if previous, exists := mb.paths.Get(key); exists && previous.ID != clone.ID {
		delete(mb.fileIDs, previous.ID)
	}

	mb.paths.Set(key, clone)

	// Denormalize into secondaries
	mb.fileIDs[clone.ID] = key

	for chunkID, refs := range mb.chunks {
		delete(refs, key)
		if len(refs) == 0 {
			delete(mb.chunks, chunkID)
		}
	}
	for position, chunkID := range clone.Chunks {
		if mb.chunks[chunkID] == nil {
			mb.chunks[chunkID] = make(map[string]int)
		}
		mb.chunks[chunkID][key] = position
	}

	if len(clone.Attributes) > 0 {
		attrs := make(map[string]string, len(clone.Attributes))
		for k, v := range clone.Attributes {
			attrs[k] = v
		}
		mb.attrs[key] = attrs
	} else {
		delete(mb.attrs, key)
	}

	return nil
}

func (mb *MemoryBackend) DeleteFileInfo(ctx context.Context, key string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	info, exists := mb.paths.Get(key)
	if !exists {
		return fmt.Errorf("%w: %s", data.ErrNotExist, key)
	}

	mb.paths.Delete(key)
	delete(mb.fileIDs, info.ID)
	delete(mb.attrs, key)

	for chunkID, refs := range mb.chunks {
		delete(refs, key)
		if len(refs) == 0 {
			delete(mb.chunks, chunkID)
		}
	}

	return nil
}

func (mb *MemoryBackend) FileExists(ctx context.Context, key string) (bool, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	_, exists := mb.paths.Get(key)
	return exists, nil
}

func (mb *MemoryBackend) ListDirectory(ctx context.Context, dir string) ([]*data.FileInfo, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	infos := make([]*data.FileInfo, 0)
	hasChildren := false

	mb.paths.Scan(func(key string, info *data.FileInfo) bool {
		if data.HasPathPrefix(key, dir) && key != dir {
			hasChildren = true
			if data.IsImmediateChild(dir, key) {
				infos = append(infos, info.Clone())
			}
		}
		return true
	})

	if dir != "/" {
		if _, exists := mb.paths.Get(dir); !exists && !hasChildren {
			return nil, fmt.Errorf("%w: %s", data.ErrNotExist, dir)
		}
	}

	return infos, nil
}

func (mb *MemoryBackend) FindFilesByPattern(ctx context.Context, pattern string) ([]string, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q", data.ErrInvalid, pattern)
	}

	matches := make([]string, 0)
	mb.paths.Scan(func(key string, _ *data.FileInfo) bool {
		if ok, _ := path.Match(pattern, path.Base(key)); ok {
			matches = append(matches, key)
		}
		return true
	})

	return matches, nil
}

func (mb *MemoryBackend) FindFilesBySize(ctx context.Context, min, max int64) ([]string, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	matches := make([]string, 0)
	mb.paths.Scan(func(key string, info *data.FileInfo) bool {
		if info.IsDirectory {
			return true
		}
		if info.Size >= min && (max <= 0 || info.Size <= max) {
			matches = append(matches, key)
		}
		return true
	})

	return matches, nil
}

func (mb *MemoryBackend) FindFilesByDate(ctx context.Context, from, to time.Time) ([]string, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	matches := make([]string, 0)
	mb.paths.Scan(func(key string, info *data.FileInfo) bool {
		if info.IsDirectory {
			return true
		}
		if !info.ModifyTime.Before(from) && !info.ModifyTime.After(to) {
			matches = append(matches, key)
		}
		return true
	})

	return matches, nil
}

func (mb *MemoryBackend) ChunkRefs(ctx context.Context, id data.ChunkID) (int, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	return len(mb.chunks[id]), nil
}

func (mb *MemoryBackend) FilePathByID(ctx context.Context, fileID string) (string, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	key, exists := mb.fileIDs[fileID]
	if !exists {
		return "", fmt.Errorf("%w: file id %s", data.ErrNotExist, fileID)
	}

	return key, nil
}

// VerifyConsistency detects secondary-index entries pointing at
// deleted primary records.
func (mb *MemoryBackend) VerifyConsistency(ctx context.Context) ([]data.Inconsistency, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	found := make([]data.Inconsistency, 0)

	for fileID, key := range mb.fileIDs {
		if _, exists := mb.paths.Get(key); !exists {
			found = append(found, data.Inconsistency{
				Index:  "file-id",
				Key:    fileID,
				Target: key,
				Detail: fmt.Sprintf("file-id index entry %q points at missing record %q", fileID, key),
			})
		}
	}

	for chunkID, refs := range mb.chunks {
		for key := range refs {
			if _, exists := mb.paths.Get(key); !exists {
				found = append(found, data.Inconsistency{
					Index:  "chunk",
					Key:    string(chunkID),
					Target: key,
					Detail: fmt.Sprintf("chunk index entry %q points at missing record %q", chunkID, key),
				})
			}
		}
	}

	for key := range mb.attrs {
		if _, exists := mb.paths.Get(key); !exists {
			found = append(found, data.Inconsistency{
				Index:  "attribute",
				Key:    key,
				Target: key,
				Detail: fmt.Sprintf("attribute rows for missing record %q", key),
			})
		}
	}

	return found, nil
}

// RepairMetadata deletes all dangling secondary-index entries.
func (mb *MemoryBackend) RepairMetadata(ctx context.Context) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	removed := 0

	for fileID, key := range mb.fileIDs {
		if _, exists := mb.paths.Get(key); !exists {
			delete(mb.fileIDs, fileID)
			removed++
		}
	}

	for chunkID, refs := range mb.chunks {
		for key := range refs {
			if _, exists := mb.paths.Get(key); !exists {
				delete(refs, key)
				removed++
			}
		}
		if len(refs) == 0 {
			delete(mb.chunks, chunkID)
		}
	}

	for key := range mb.attrs {
		if _, exists := mb.paths.Get(key); !exists {
			delete(mb.attrs, key)
			removed++
		}
	}

	return removed, nil
}

// RebuildIndex regenerates all secondaries from the primary table.
func (mb *MemoryBackend) RebuildIndex(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.fileIDs = make(map[string]string)
	mb.chunks = make(map[data.ChunkID]map[string]int)
	mb.attrs = make(map[string]map[string]string)

	mb.paths.Scan(func(key string, info *data.FileInfo) bool {
		mb.fileIDs[info.ID] = key

		for position, chunkID := range info.Chunks {
			if mb.chunks[chunkID] == nil {
				mb.chunks[chunkID] = make(map[string]int)
			}
			mb.chunks[chunkID][key] = position
		}

		if len(info.Attributes) > 0 {
			attrs := make(map[string]string, len(info.Attributes))
			for k, v := range info.Attributes {
				attrs[k] = v
			}
			mb.attrs[key] = attrs
		}

		return true
	})

	return nil
}
