// Package blobstore is the content-addressed filesystem blob store:
// bytes are written to <root>/<bucket>/blobs/<sha256-hex> via an atomic
// temp-file-then-rename, with the digest computed incrementally as the
// stream is written.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/storage"
)

var (
	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openendpoints3_blobstore_bytes_written_total",
			Help: "Total bytes written to the blob store",
		},
	)
	bytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openendpoints3_blobstore_bytes_read_total",
			Help: "Total bytes read from the blob store",
		},
	)
	diskIOErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openendpoints3_blobstore_errors_total",
			Help: "Total blob store errors by operation",
		},
		[]string{"operation"},
	)
)

// Store is the filesystem-backed, content-addressed implementation of
// storage.Blobs.
type Store struct {
	rootDir string
	log     *zap.SugaredLogger
	// mu guards directory creation; individual blob writes are isolated
	// by distinct temp file names and don't need mutual exclusion beyond
	// what the filesystem already provides for os.Rename.
	mu sync.Mutex
}

// New creates a filesystem blob store rooted at rootDir.
func New(rootDir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{rootDir: rootDir, log: log.Sugar()}, nil
}

func (s *Store) blobsDir(bucket string) string {
	return filepath.Join(s.rootDir, bucket, "blobs")
}

func (s *Store) blobPath(bucket, sha256Hex string) string {
	return filepath.Join(s.blobsDir(bucket), sha256Hex)
}

// Put implements storage.Blobs.
func (s *Store) Put(ctx context.Context, bucket string, data io.Reader) (string, int64, error) {
	dir := s.blobsDir(bucket)
	s.mu.Lock()
	err := os.MkdirAll(dir, 0755)
	s.mu.Unlock()
	if err != nil {
		diskIOErrors.WithLabelValues("put_mkdir").Inc()
		return "", 0, fmt.Errorf("blobstore: create bucket dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		diskIOErrors.WithLabelValues("put_create").Inc()
		return "", 0, fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		diskIOErrors.WithLabelValues("put_copy").Inc()
		return "", 0, fmt.Errorf("blobstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		diskIOErrors.WithLabelValues("put_sync").Inc()
		return "", 0, fmt.Errorf("blobstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		diskIOErrors.WithLabelValues("put_close").Inc()
		return "", 0, fmt.Errorf("blobstore: close: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	finalPath := s.blobPath(bucket, digest)

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		diskIOErrors.WithLabelValues("put_rename").Inc()
		return "", 0, fmt.Errorf("blobstore: rename: %w", err)
	}

	bytesWritten.Add(float64(written))
	s.log.Debugw("blob written", "bucket", bucket, "sha256", digest, "size", written)
	return digest, written, nil
}

// Get implements storage.Blobs.
func (s *Store) Get(ctx context.Context, bucket, sha256Hex string, rng *storage.Range) (io.ReadCloser, error) {
	path := s.blobPath(bucket, sha256Hex)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blobstore: blob not found: %s/%s", bucket, sha256Hex)
		}
		diskIOErrors.WithLabelValues("get_open").Inc()
		return nil, fmt.Errorf("blobstore: open: %w", err)
	}

	var reader io.Reader = f
	if rng != nil {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			f.Close()
			diskIOErrors.WithLabelValues("get_seek").Inc()
			return nil, fmt.Errorf("blobstore: seek: %w", err)
		}
		reader = io.LimitReader(f, rng.End-rng.Start)
	}

	bytesRead.Add(0) // actual count tallied by the caller as bytes are copied out

	return &readCounter{Reader: reader, Closer: f, counter: bytesRead}, nil
}

type readCounter struct {
	io.Reader
	io.Closer
	counter prometheus.Counter
}

func (r *readCounter) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		r.counter.Add(float64(n))
	}
	return n, err
}

// Delete implements storage.Blobs. It is idempotent.
func (s *Store) Delete(ctx context.Context, bucket, sha256Hex string) error {
	path := s.blobPath(bucket, sha256Hex)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		diskIOErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("blobstore: delete: %w", err)
	}
	return nil
}

// Close implements storage.Blobs.
func (s *Store) Close() error {
	return nil
}

var _ storage.Blobs = (*Store)(nil)
