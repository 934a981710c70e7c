package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object storage operations the run archive mirror needs.
type ObjectStorage interface {
	// PutObject uploads sizeBytes from reader under bucket/objectKey.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// EnsureBucket creates the bucket when it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
