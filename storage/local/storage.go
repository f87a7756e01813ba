package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"
	"github.com/mwantia/chunkfs/data"
)

func (lb *LocalBackend) StoreChunk(ctx context.Context, id data.ChunkID, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty chunk payload", data.ErrInvalid)
	}
	if !id.Valid() {
		return fmt.Errorf("%w: malformed chunk id %q", data.ErrInvalid, id)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	finalPath := lb.chunkPath(id)

	// Content addressing makes re-storage a no-op
	if _, err := os.Stat(finalPath); err == nil {
		return nil
	}

	dir := lb.chunkDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	// Write to a temporary sibling, then atomically rename into place
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", id, uuid.NewString()))

	if err := os.WriteFile(tmpPath, payload, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	lb.invalidateInfo()
	return nil
}

func (lb *LocalBackend) RetrieveChunk(ctx context.Context, id data.ChunkID) ([]byte, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	payload, err := os.ReadFile(lb.chunkPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: chunk %s", data.ErrNotExist, id.Prefix(12))
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, data.ErrPermission
		}

		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return payload, nil
}

func (lb *LocalBackend) ChunkExists(ctx context.Context, id data.ChunkID) (bool, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	_, err := os.Stat(lb.chunkPath(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("%w: %v", data.ErrStorage, err)
}

func (lb *LocalBackend) DeleteChunk(ctx context.Context, id data.ChunkID) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if err := os.Remove(lb.chunkPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: chunk %s", data.ErrNotExist, id.Prefix(12))
		}

		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	lb.invalidateInfo()
	return nil
}

// StoreChunks fans out one concurrent store per chunk and joins the
// results. Latency is bounded by the slowest item, not the sum.
func (lb *LocalBackend) StoreChunks(ctx context.Context, chunks []*data.Chunk) error {
	var wg sync.WaitGroup
	errs := data.Errors{}

	for _, chunk := range chunks {
		wg.Add(1)
		go func(c *data.Chunk) {
			defer wg.Done()
			errs.Add(lb.StoreChunk(ctx, c.ID, c.Data))
		}(chunk)
	}

	wg.Wait()
	return errs.Errors()
}

// RetrieveChunks returns one slot per requested id; a missing or
// failed chunk leaves its slot nil rather than failing the batch.
func (lb *LocalBackend) RetrieveChunks(ctx context.Context, ids []data.ChunkID) ([][]byte, error) {
	results := make([][]byte, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(slot int, cid data.ChunkID) {
			defer wg.Done()

			payload, err := lb.RetrieveChunk(ctx, cid)
			if err != nil {
				lb.logger.Debug("Batch retrieval missed chunk %s: %v", cid.Prefix(12), err)
				return
			}
			results[slot] = payload
		}(i, id)
	}

	wg.Wait()
	return results, nil
}

// DeleteChunks logs individual failures but reports overall success.
func (lb *LocalBackend) DeleteChunks(ctx context.Context, ids []data.ChunkID) error {
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(cid data.ChunkID) {
			defer wg.Done()

			if err := lb.DeleteChunk(ctx, cid); err != nil {
				lb.logger.Warn("Batch delete failed for chunk %s: %v", cid.Prefix(12), err)
			}
		}(id)
	}

	wg.Wait()
	return nil
}

func (lb *LocalBackend) StorageInfo(ctx context.Context) (*data.StorageInfo, error) {
	lb.infoMu.Lock()
	defer lb.infoMu.Unlock()

	if lb.cachedInfo != nil && time.Now().Before(lb.infoExpires) {
		return lb.cachedInfo, nil
	}

	var used, count int64
	err := filepath.WalkDir(lb.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}

		if !strings.HasSuffix(entry.Name(), ".chunk") {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}

		used += info.Size()
		count++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	info := &data.StorageInfo{
		TotalSpace:  lb.capacity,
		UsedSpace:   used,
		ChunkCount:  count,
		CollectedAt: time.Now(),
	}
	if lb.capacity > 0 {
		info.AvailableSpace = lb.capacity - used
		if info.AvailableSpace < 0 {
			info.AvailableSpace = 0
		}
	}

	lb.cachedInfo = info
	lb.infoExpires = time.Now().Add(lb.infoTTL)

	return info, nil
}

// GC removes orphaned temporary files and zero-length chunk files
// left behind by failed writes. It returns the number of files
// removed.
func (lb *LocalBackend) GC(ctx context.Context) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	removed := 0
	err := filepath.WalkDir(lb.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := entry.Name()

		if strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-") {
			if err := os.Remove(path); err == nil {
				removed++
			}
			return nil
		}

		if strings.HasSuffix(name, ".chunk") {
			info, err := entry.Info()
			if err == nil && info.Size() == 0 {
				if err := os.Remove(path); err == nil {
					removed++
				}
			}
		}

		return nil
	})

	if removed > 0 {
		lb.logger.Info("Garbage collection removed %d orphaned files", removed)
		lb.invalidateInfo()
	}

	if err != nil {
		return removed, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return removed, nil
}

// VerifyIntegrity returns the ids of chunks failing soundness checks.
// A chunk file is sound when its name is a well-formed id and its
// payload hashes back to that id, either directly or after s2
// decompression.
func (lb *LocalBackend) VerifyIntegrity(ctx context.Context) ([]data.ChunkID, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var corrupt []data.ChunkID
	err := filepath.WalkDir(lb.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".chunk") {
			return nil
		}

		id := data.ChunkID(strings.TrimSuffix(name, ".chunk"))
		if !id.Valid() {
			corrupt = append(corrupt, id)
			return nil
		}

		payload, err := os.ReadFile(path)
		if err != nil || len(payload) == 0 {
			corrupt = append(corrupt, id)
			return nil
		}

		if !payloadMatches(id, payload) {
			corrupt = append(corrupt, id)
		}

		return nil
	})
	if err != nil {
		return corrupt, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return corrupt, nil
}

// RepairChunk removes a confirmed-corrupt chunk. Re-fetching from a
// replica is the responsibility of the layer above.
func (lb *LocalBackend) RepairChunk(ctx context.Context, id data.ChunkID) error {
	lb.logger.Warn("Removing corrupt chunk %s", id.Prefix(12))
	return lb.DeleteChunk(ctx, id)
}

// payloadMatches reports whether a stored payload hashes back to its
// id, accounting for chunks persisted in compressed form.
func payloadMatches(id data.ChunkID, payload []byte) bool {
	if data.HashBytes(payload) == id {
		return true
	}

	decoded, err := s2.Decode(nil, payload)
	if err != nil {
		return false
	}

	return data.HashBytes(decoded) == id
}
