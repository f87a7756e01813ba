package chunkfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mwantia/chunkfs/data"
)

// WriteFile replaces the content of the file at path, creating it if
// absent. The content is split into content-addressed chunks, stored
// durably, and committed as a new FileInfo version. Chunks the
// previous version no longer references are released.
func (v *VirtualFileSystem) WriteFile(ctx context.Context, path string, content []byte) (*data.FileInfo, error) {
	abs, err := data.ToAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	if err := v.guard(); err != nil {
		return nil, err
	}

	previous, err := v.metadata.GetFileInfo(ctx, abs)
	if err != nil && !errors.Is(err, data.ErrNotExist) {
		return nil, err
	}
	if previous != nil && previous.IsDirectory {
		return nil, fmt.Errorf("%w: '%s' is a directory", data.ErrInvalid, abs)
	}

	chunks, err := v.chunks.Split(content, v.chunks.ChunkSize())
	if err != nil {
		return nil, err
	}

	if err := v.storage.StoreChunks(ctx, chunks); err != nil {
		return nil, err
	}

	now := time.Now()

	var info *data.FileInfo
	if previous != nil {
		info = previous.Clone()
		info.Version++
		info.ModifyTime = now
		info.AccessTime = now
	} else {
		info = data.NewFileInfo(abs, 0644, 0)
	}

	info.Size = int64(len(content))
	info.Chunks = make([]data.ChunkID, len(chunks))
	for i, c := range chunks {
		info.Chunks[i] = c.ID
	}

	sum := sha256.Sum256(content)
	info.Checksum = hex.EncodeToString(sum[:])

	if err := v.metadata.SetFileInfo(ctx, abs, info); err != nil {
		return nil, err
	}

	if previous != nil {
		v.releaseChunks(ctx, droppedChunks(previous.Chunks, info.Chunks))
	}

	v.cacheFileInfo(ctx, abs, info)
	if info.Size <= v.fileDataCacheLimit {
		v.cache.Put(ctx, data.FileDataKey(info.ID), content)
	} else {
		// A stale whole-file copy from a previous version must not
		// serve future reads
		v.cache.Invalidate(ctx, data.FileDataKey(info.ID))
	}
	v.cache.Invalidate(ctx, data.DirectoryListingKey(data.ParentPath(abs)))

	v.logger.Debug("Wrote '%s' (%d bytes, %d chunks, version %d)",
		abs, info.Size, len(info.Chunks), info.Version)

	return info, nil
}

// ReadFile returns the full content of the file at path. Reads are
// served from the cache when possible; on a miss the chunk list is
// resolved, retrieved and reassembled, and the cache is back-filled.
func (v *VirtualFileSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	abs, err := data.ToAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	if err := v.guard(); err != nil {
		return nil, err
	}

	info, err := v.resolveFileInfo(ctx, abs)
	if err != nil {
		return nil, err
	}
	if info.IsDirectory {
		return nil, fmt.Errorf("%w: '%s' is a directory", data.ErrInvalid, abs)
	}

	dataKey := data.FileDataKey(info.ID)
	if blob, ok, _ := v.cache.Get(ctx, dataKey); ok && int64(len(blob)) == info.Size {
		return blob, nil
	}

	payloads := make([][]byte, len(info.Chunks))
	missing := make([]data.ChunkID, 0, len(info.Chunks))
	positions := make([]int, 0, len(info.Chunks))

	for i, id := range info.Chunks {
		if blob, ok, _ := v.cache.Get(ctx, data.ChunkDataKey(id)); ok {
			payloads[i] = blob
			continue
		}
		missing = append(missing, id)
		positions = append(positions, i)
	}

	if len(missing) > 0 {
		fetched, err := v.storage.RetrieveChunks(ctx, missing)
		if err != nil {
			return nil, err
		}
		for j, payload := range fetched {
			if payload != nil {
				v.cache.Put(ctx, data.ChunkDataKey(missing[j]), payload)
			}
			payloads[positions[j]] = payload
		}
	}

	chunks := make([]*data.Chunk, len(payloads))
	for i, payload := range payloads {
		if payload == nil {
			return nil, fmt.Errorf("%w: chunk %s referenced by '%s' is missing from storage",
				data.ErrCorrupted, info.Chunks[i].Prefix(12), abs)
		}

		chunks[i] = &data.Chunk{
			ID:    info.Chunks[i],
			Data:  payload,
			Index: i,
			// A payload no longer matching its content address was
			// stored compressed
			Compressed: data.HashBytes(payload) != info.Chunks[i],
		}
	}

	content, err := v.chunks.Reassemble(chunks)
	if err != nil {
		return nil, err
	}

	if info.Checksum != "" {
		sum := sha256.Sum256(content)
		if hex.EncodeToString(sum[:]) != info.Checksum {
			return nil, fmt.Errorf("%w: '%s' failed whole-file checksum verification",
				data.ErrCorrupted, abs)
		}
	}

	if info.Size <= v.fileDataCacheLimit {
		v.cache.Put(ctx, dataKey, content)
	}

	return content, nil
}

// DeleteFile removes a file, its metadata and every chunk no other
// file references. Directories must be empty to be deleted.
func (v *VirtualFileSystem) DeleteFile(ctx context.Context, path string) error {
	abs, err := data.ToAbsolutePath(path)
	if err != nil {
		return err
	}
	if err := v.guard(); err != nil {
		return err
	}

	info, err := v.metadata.GetFileInfo(ctx, abs)
	if err != nil {
		return err
	}

	if info.IsDirectory {
		children, err := v.metadata.ListDirectory(ctx, abs)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("%w: directory '%s' is not empty", data.ErrInvalid, abs)
		}
	}

	if err := v.metadata.DeleteFileInfo(ctx, abs); err != nil {
		return err
	}

	v.releaseChunks(ctx, info.Chunks)

	v.cache.Invalidate(ctx, data.FileMetadataKey(abs))
	v.cache.Invalidate(ctx, data.FileDataKey(info.ID))
	v.cache.Invalidate(ctx, data.DirectoryListingKey(data.ParentPath(abs)))

	v.logger.Debug("Deleted '%s' (%d chunks referenced)", abs, len(info.Chunks))
	return nil
}

// CreateDirectory creates an explicit, empty directory record.
func (v *VirtualFileSystem) CreateDirectory(ctx context.Context, path string) (*data.FileInfo, error) {
	abs, err := data.ToAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	if err := v.guard(); err != nil {
		return nil, err
	}

	exists, err := v.metadata.FileExists(ctx, abs)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: '%s'", data.ErrExist, abs)
	}

	info := data.NewDirectoryInfo(abs, 0755)
	if err := v.metadata.SetFileInfo(ctx, abs, info); err != nil {
		return nil, err
	}

	v.cacheFileInfo(ctx, abs, info)
	v.cache.Invalidate(ctx, data.DirectoryListingKey(data.ParentPath(abs)))

	return info, nil
}

// ListDirectory returns the immediate children of a directory.
// Listings are cached and invalidated by writes into the directory.
func (v *VirtualFileSystem) ListDirectory(ctx context.Context, path string) ([]*data.FileInfo, error) {
	abs, err := data.ToAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	if err := v.guard(); err != nil {
		return nil, err
	}

	key := data.DirectoryListingKey(abs)
	if blob, ok, _ := v.cache.Get(ctx, key); ok {
		var infos []*data.FileInfo
		if err := json.Unmarshal(blob, &infos); err == nil {
			return infos, nil
		}
	}

	infos, err := v.metadata.ListDirectory(ctx, abs)
	if err != nil {
		return nil, err
	}

	if blob, err := json.Marshal(infos); err == nil {
		v.cache.Put(ctx, key, blob)
	}

	return infos, nil
}

// MoveFile renames a file. The content and its chunks are untouched;
// only metadata records move.
func (v *VirtualFileSystem) MoveFile(ctx context.Context, oldPath, newPath string) error {
	oldAbs, err := data.ToAbsolutePath(oldPath)
	if err != nil {
		return err
	}
	newAbs, err := data.ToAbsolutePath(newPath)
	if err != nil {
		return err
	}
	if err := v.guard(); err != nil {
		return err
	}

	info, err := v.metadata.GetFileInfo(ctx, oldAbs)
	if err != nil {
		return err
	}
	if info.IsDirectory {
		return fmt.Errorf("%w: cannot move directory '%s'", data.ErrInvalid, oldAbs)
	}

	exists, err := v.metadata.FileExists(ctx, newAbs)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: '%s'", data.ErrExist, newAbs)
	}

	moved := info.Clone()
	moved.Path = newAbs
	moved.Version++
	moved.ModifyTime = time.Now()
	moved.ContentType = string(data.DetectContentType(newAbs))

	// The new record is written before the old one is removed, so a
	// crash in between leaves the chunks referenced by at least one
	// path. The repair scan cleans up duplicates.
	if err := v.metadata.SetFileInfo(ctx, newAbs, moved); err != nil {
		return err
	}
	if err := v.metadata.DeleteFileInfo(ctx, oldAbs); err != nil {
		return err
	}

	v.cache.Invalidate(ctx, data.FileMetadataKey(oldAbs))
	v.cacheFileInfo(ctx, newAbs, moved)
	v.cache.Invalidate(ctx, data.DirectoryListingKey(data.ParentPath(oldAbs)))
	v.cache.Invalidate(ctx, data.DirectoryListingKey(data.ParentPath(newAbs)))

	v.logger.Debug("Moved '%s' to '%s'", oldAbs, newAbs)
	return nil
}

// CopyFile duplicates a file record under a new path. The copy
// shares the source's chunks; only the reference counts grow.
func (v *VirtualFileSystem) CopyFile(ctx context.Context, srcPath, dstPath string) (*data.FileInfo, error) {
	srcAbs, err := data.ToAbsolutePath(srcPath)
	if err != nil {
		return nil, err
	}
	dstAbs, err := data.ToAbsolutePath(dstPath)
	if err != nil {
		return nil, err
	}
	if err := v.guard(); err != nil {
		return nil, err
	}

	info, err := v.metadata.GetFileInfo(ctx, srcAbs)
	if err != nil {
		return nil, err
	}
	if info.IsDirectory {
		return nil, fmt.Errorf("%w: cannot copy directory '%s'", data.ErrInvalid, srcAbs)
	}

	exists, err := v.metadata.FileExists(ctx, dstAbs)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: '%s'", data.ErrExist, dstAbs)
	}

	duplicate := data.NewFileInfo(dstAbs, info.Mode, info.Size)
	duplicate.Chunks = append([]data.ChunkID(nil), info.Chunks...)
	duplicate.Replicas = append([]string(nil), info.Replicas...)
	duplicate.Checksum = info.Checksum
	for key, value := range info.Attributes {
		duplicate.Attributes[key] = value
	}

	if err := v.metadata.SetFileInfo(ctx, dstAbs, duplicate); err != nil {
		return nil, err
	}

	v.cacheFileInfo(ctx, dstAbs, duplicate)
	v.cache.Invalidate(ctx, data.DirectoryListingKey(data.ParentPath(dstAbs)))

	v.logger.Debug("Copied '%s' to '%s' (%d shared chunks)", srcAbs, dstAbs, len(info.Chunks))
	return duplicate, nil
}

// FileExists reports whether a path has a primary metadata record.
func (v *VirtualFileSystem) FileExists(ctx context.Context, path string) (bool, error) {
	abs, err := data.ToAbsolutePath(path)
	if err != nil {
		return false, err
	}
	if err := v.guard(); err != nil {
		return false, err
	}

	if _, ok, _ := v.cache.Get(ctx, data.FileMetadataKey(abs)); ok {
		return true, nil
	}

	return v.metadata.FileExists(ctx, abs)
}

// GetFileInfo returns the current metadata record for a path.
func (v *VirtualFileSystem) GetFileInfo(ctx context.Context, path string) (*data.FileInfo, error) {
	abs, err := data.ToAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	if err := v.guard(); err != nil {
		return nil, err
	}

	return v.resolveFileInfo(ctx, abs)
}

// resolveFileInfo serves a metadata record from the cache, falling
// back to the metadata backend and back-filling on a miss.
func (v *VirtualFileSystem) resolveFileInfo(ctx context.Context, abs string) (*data.FileInfo, error) {
	key := data.FileMetadataKey(abs)

	if blob, ok, _ := v.cache.Get(ctx, key); ok {
		info := &data.FileInfo{}
		if err := info.Unmarshal(blob); err == nil {
			return info, nil
		}
	}

	info, err := v.metadata.GetFileInfo(ctx, abs)
	if err != nil {
		return nil, err
	}

	v.cacheFileInfo(ctx, abs, info)
	return info, nil
}

// cacheFileInfo stores a metadata record in the cache; failures only
// cost future hits.
func (v *VirtualFileSystem) cacheFileInfo(ctx context.Context, abs string, info *data.FileInfo) {
	blob, err := info.Marshal()
	if err != nil {
		return
	}

	if err := v.cache.Put(ctx, data.FileMetadataKey(abs), blob); err != nil {
		v.logger.Debug("Failed to cache metadata for '%s': %v", abs, err)
	}
}

// releaseChunks deletes every listed chunk whose reference count has
// dropped to zero. Chunks still referenced by other files are kept;
// per-chunk failures are logged, never fatal.
func (v *VirtualFileSystem) releaseChunks(ctx context.Context, ids []data.ChunkID) {
	seen := make(map[data.ChunkID]struct{}, len(ids))
	unreferenced := make([]data.ChunkID, 0, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		refs, err := v.metadata.ChunkRefs(ctx, id)
		if err != nil {
			v.logger.Warn("Failed to resolve references of chunk %s: %v", id.Prefix(12), err)
			continue
		}
		if refs > 0 {
			continue
		}

		unreferenced = append(unreferenced, id)
		v.cache.Invalidate(ctx, data.ChunkDataKey(id))
	}

	if len(unreferenced) == 0 {
		return
	}

	if err := v.storage.DeleteChunks(ctx, unreferenced); err != nil {
		v.logger.Warn("Failed to release %d chunks: %v", len(unreferenced), err)
	}
}

// droppedChunks returns the ids present in previous but absent from
// current.
func droppedChunks(previous, current []data.ChunkID) []data.ChunkID {
	kept := make(map[data.ChunkID]struct{}, len(current))
	for _, id := range current {
		kept[id] = struct{}{}
	}

	dropped := make([]data.ChunkID, 0)
	for _, id := range previous {
		if _, ok := kept[id]; !ok {
			dropped = append(dropped, id)
		}
	}

	return dropped
}
