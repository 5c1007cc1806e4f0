package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrObjectExists   = errors.New("object already exists")
	ErrObjectNotFound = errors.New("object not found")
)

// Store abstracts S3-compatible object storage.
// PutIfAbsent gives write-once-per-key semantics; a second write to a key fails
// with ErrObjectExists.
type Store interface {
	PutIfAbsent(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
