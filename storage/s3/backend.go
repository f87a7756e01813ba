package s3

import (
	"context"
	"fmt"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/mwantia/chunkfs/data"
	"github.com/mwantia/chunkfs/log"
)

// S3Backend stores chunks as objects in an S3-compatible bucket.
// Object keys mirror the local fan-out layout:
//
//	chunks/ab/abcdef...0123
//
// S3 object puts are already atomic, so no temporary-sibling protocol
// is needed here; a failed upload leaves no partial object behind.
type S3Backend struct {
	mu sync.RWMutex

	client     *minio.Client
	bucketName string
	prefix     string

	logger *log.Logger
}

func NewS3Backend(endpoint, bucketName, accessKey, secretKey string, useSsl bool, logger *log.Logger) (*S3Backend, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSsl,
	})
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.NewLogger("storage", log.Info, "", false)
	}

	return &S3Backend{
		client:     client,
		bucketName: bucketName,
		prefix:     "chunks/",
		logger:     logger.Named("s3"),
	}, nil
}

// Returns the identifier name defined for this backend
func (*S3Backend) Name() string {
	return "s3"
}

// Open is part of the lifecycle behaviour and gets called when opening this backend.
func (sb *S3Backend) Open(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	exists, err := sb.client.BucketExists(ctx, sb.bucketName)
	if err != nil {
		return fmt.Errorf("%w: %v", data.ErrStorage, err)
	}

	if !exists {
		return fmt.Errorf("%w: bucket %q does not exist", data.ErrStorage, sb.bucketName)
	}

	return nil
}

// Close is part of the lifecycle behaviour and gets called when closing this backend.
func (sb *S3Backend) Close(ctx context.Context) error {
	return nil
}

// objectKey resolves the bucket key for a chunk id.
func (sb *S3Backend) objectKey(id data.ChunkID) string {
	return fmt.Sprintf("%s%s/%s", sb.prefix, id.Prefix(2), id)
}
