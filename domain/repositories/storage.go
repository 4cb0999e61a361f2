package repositories

import (
	"context"
	"io"
	"time"
)

// BlobStore holds the bytes behind resources. Keys are resource ids.
type BlobStore interface {
	// Put stores everything read from r under key and returns the byte count.
	Put(ctx context.Context, key, mime string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// BlobLinker is implemented by backends that can hand out direct download
// links so bytes bypass the bridge.
type BlobLinker interface {
	Link(ctx context.Context, key string, expires time.Duration) (string, error)
}
