// Package storage defines the content-addressed blob store contract
// consumed by the storage engine (internal/engine). Concrete
// implementations live in subpackages, notably internal/storage/blobstore.
package storage

import (
	"context"
	"io"
)

// Blobs is a content-addressed byte store: objects are addressed by the
// SHA-256 digest of their bytes rather than by (bucket, key), so callers
// that write identical bytes under different keys share one on-disk file.
type Blobs interface {
	// Put streams data into bucket's blob area via a temp-file-then-rename
	// write, computing the SHA-256 digest incrementally as it writes, and
	// returns the digest (hex) and the number of bytes written. The
	// caller is responsible for refcounting the digest in the metadata
	// store; Put itself is unconditional (always (re)creates the blob on
	// disk if it's missing, idempotent if it already exists).
	Put(ctx context.Context, bucket string, data io.Reader) (sha256Hex string, size int64, err error)

	// Get opens the blob for bucket/sha256Hex for reading, optionally
	// bounded to rng.
	Get(ctx context.Context, bucket, sha256Hex string, rng *Range) (io.ReadCloser, error)

	// Delete unlinks the blob. It is idempotent: deleting a blob that is
	// already gone is not an error. Callers must only call Delete once a
	// digest's metadata refcount has reached zero.
	Delete(ctx context.Context, bucket, sha256Hex string) error

	// Close releases any resources held by the backend.
	Close() error
}

// Range represents an inclusive-start, exclusive-end byte range for
// partial reads ([Start, End)).
type Range struct {
	Start int64
	End   int64
}
