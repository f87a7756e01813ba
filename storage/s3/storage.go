package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/minio/minio-go/v7"
	"github.com/mwantia/chunkfs/data"
)

func (sb *S3Backend) StoreChunk(ctx context.Context, id data.ChunkID, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty chunk payload", data.ErrInvalid)
	}
	if !id.Valid() {
		return fmt.Errorf("%w: malformed chunk id %q", data.ErrInvalid, id)
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	key := sb.objectKey(id)

	// Content addressing makes re-storage a no-op
	if _, err := sb.client.StatObject(ctx, sb.bucketName, key, minio.StatObjectOptions{}); err == nil {
		return nil
	}

	_, err := sb.client.PutObject(ctx, sb.bucketName, key,
		bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
			ContentType: data.ContentTypeApplicationStream,
		})
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return nil
}

func (sb *S3Backend) RetrieveChunk(ctx context.Context, id data.ChunkID) ([]byte, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	object, err := sb.client.GetObject(ctx, sb.bucketName, sb.objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}
	defer object.Close()

	payload, err := io.ReadAll(object)
	if err != nil {
		errResponse := minio.ToErrorResponse(err)
		if errResponse.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: chunk %s", data.ErrNotExist, id.Prefix(12))
		}

		return nil, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return payload, nil
}

func (sb *S3Backend) ChunkExists(ctx context.Context, id data.ChunkID) (bool, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	_, err := sb.client.StatObject(ctx, sb.bucketName, sb.objectKey(id), minio.StatObjectOptions{})
	if err != nil {
		errResponse := minio.ToErrorResponse(err)
		if errResponse.Code == "NoSuchKey" {
			return false, nil
		}

		return false, fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return true, nil
}

func (sb *S3Backend) DeleteChunk(ctx context.Context, id data.ChunkID) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	key := sb.objectKey(id)

	if _, err := sb.client.StatObject(ctx, sb.bucketName, key, minio.StatObjectOptions{}); err != nil {
		errResponse := minio.ToErrorResponse(err)
		if errResponse.Code == "NoSuchKey" {
			return fmt.Errorf("%w: chunk %s", data.ErrNotExist, id.Prefix(12))
		}

		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	if err := sb.client.RemoveObject(ctx, sb.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	return nil
}

func (sb *S3Backend) StoreChunks(ctx context.Context, chunks []*data.Chunk) error {
	var wg sync.WaitGroup
	errs := data.Errors{}

	for _, chunk := range chunks {
		wg.Add(1)
		go func(c *data.Chunk) {
			defer wg.Done()
			errs.Add(sb.StoreChunk(ctx, c.ID, c.Data))
		}(chunk)
	}

	wg.Wait()
	return errs.Errors()
}

func (sb *S3Backend) RetrieveChunks(ctx context.Context, ids []data.ChunkID) ([][]byte, error) {
	results := make([][]byte, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(slot int, cid data.ChunkID) {
			defer wg.Done()

			payload, err := sb.RetrieveChunk(ctx, cid)
			if err != nil {
				sb.logger.Debug("Batch retrieval missed chunk %s: %v", cid.Prefix(12), err)
				return
			}
			results[slot] = payload
		}(i, id)
	}

	wg.Wait()
	return results, nil
}

func (sb *S3Backend) DeleteChunks(ctx context.Context, ids []data.ChunkID) error {
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(cid data.ChunkID) {
			defer wg.Done()

			if err := sb.DeleteChunk(ctx, cid); err != nil {
				sb.logger.Warn("Batch delete failed for chunk %s: %v", cid.Prefix(12), err)
			}
		}(id)
	}

	wg.Wait()
	return nil
}

func (sb *S3Backend) StorageInfo(ctx context.Context) (*data.StorageInfo, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	info := &data.StorageInfo{CollectedAt: time.Now()}

	for object := range sb.client.ListObjects(ctx, sb.bucketName, minio.ListObjectsOptions{
		Prefix:    sb.prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("%w: %v", data.ErrStorage, object.Err)
		}

		info.UsedSpace += object.Size
		info.ChunkCount++
	}

	return info, nil
}

// GC removes zero-length chunk objects. S3 uploads are atomic, so
// there are no temporary files to clean up.
func (sb *S3Backend) GC(ctx context.Context) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	removed := 0
	for object := range sb.client.ListObjects(ctx, sb.bucketName, minio.ListObjectsOptions{
		Prefix:    sb.prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return removed, fmt.Errorf("%w: %v", data.ErrStorage, object.Err)
		}

		if object.Size == 0 {
			if err := sb.client.RemoveObject(ctx, sb.bucketName, object.Key, minio.RemoveObjectOptions{}); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		sb.logger.Info("Garbage collection removed %d empty objects", removed)
	}

	return removed, nil
}

func (sb *S3Backend) VerifyIntegrity(ctx context.Context) ([]data.ChunkID, error) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	var corrupt []data.ChunkID
	for object := range sb.client.ListObjects(ctx, sb.bucketName, minio.ListObjectsOptions{
		Prefix:    sb.prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return corrupt, fmt.Errorf("%w: %v", data.ErrStorage, object.Err)
		}

		idx := strings.LastIndex(object.Key, "/")
		id := data.ChunkID(object.Key[idx+1:])

		if !id.Valid() || object.Size == 0 {
			corrupt = append(corrupt, id)
			continue
		}

		reader, err := sb.client.GetObject(ctx, sb.bucketName, object.Key, minio.GetObjectOptions{})
		if err != nil {
			corrupt = append(corrupt, id)
			continue
		}

		payload, err := io.ReadAll(reader)
		reader.Close()
		if err != nil || !payloadMatches(id, payload) {
			corrupt = append(corrupt, id)
		}
	}

	return corrupt, nil
}

// RepairChunk removes a confirmed-corrupt chunk.
func (sb *S3Backend) RepairChunk(ctx context.Context, id data.ChunkID) error {
	sb.logger.Warn("Removing corrupt chunk %s", id.Prefix(12))
	return sb.DeleteChunk(ctx, id)
}

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
