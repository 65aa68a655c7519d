package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/storage"
	"github.com/openendpoint/openendpoints3/internal/storage/packed"
	"github.com/openendpoint/openendpoints3/pkg/checksum"
)

// CreateMultipartUploadInput is the input to CreateMultipartUpload.
type CreateMultipartUploadInput struct {
	Bucket       string
	Key          string
	ContentType  string
	UserMetadata map[string]string
	Owner        string
}

// CreateMultipartUpload initiates a new upload in the Initiated state.
func (e *Engine) CreateMultipartUpload(ctx context.Context, in CreateMultipartUploadInput) (*metadata.MultipartUploadMetadata, error) {
	if _, err := e.meta.GetBucket(ctx, in.Bucket); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNoSuchBucket
		}
		return nil, err
	}

	upload := &metadata.MultipartUploadMetadata{
		UploadID:     uuid.New().String(),
		Bucket:       in.Bucket,
		Key:          in.Key,
		Owner:        in.Owner,
		CreatedAt:    time.Now().Unix(),
		ContentType:  in.ContentType,
		UserMetadata: in.UserMetadata,
	}
	if err := e.meta.CreateMultipartUpload(ctx, in.Bucket, in.Key, upload.UploadID, upload); err != nil {
		return nil, fmt.Errorf("engine: create multipart upload: %w", err)
	}
	return upload, nil
}

func (e *Engine) scratchDir(bucket, uploadID string) string {
	return filepath.Join(e.mpuRoot, bucket, ".mpu", uploadID)
}

func (e *Engine) openScratch(bucket, uploadID string) (*packed.PartStore, error) {
	return packed.Open(e.scratchDir(bucket, uploadID))
}

// UploadPart stages one part's bytes into the upload's scratch file.
// Re-uploading an existing partNumber overwrites it.
func (e *Engine) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader) (*metadata.PartMetadata, error) {
	if partNumber < 1 || partNumber > 10000 {
		return nil, ErrInvalidArgument
	}
	if _, err := e.meta.GetMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNoSuchUpload
		}
		return nil, err
	}

	ps, err := e.openScratch(bucket, uploadID)
	if err != nil {
		return nil, fmt.Errorf("engine: open upload scratch: %w", err)
	}
	defer ps.Close()

	etagHex, sha256Hex, size, err := ps.WritePart(partNumber, body, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("engine: write part: %w", err)
	}

	part := &metadata.PartMetadata{
		UploadID:   uploadID,
		PartNumber: partNumber,
		ETag:       fmt.Sprintf("%q", etagHex),
		Size:       size,
		Sha256:     sha256Hex,
	}
	if err := e.meta.PutPart(ctx, bucket, key, uploadID, part); err != nil {
		return nil, fmt.Errorf("engine: record part: %w", err)
	}
	return part, nil
}

// UploadPartCopy stages one part's bytes read from an existing object
// version, optionally bounded to rng.
func (e *Engine) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey, srcVersionID string, rng *storage.Range) (*metadata.PartMetadata, error) {
	src, err := e.meta.GetObject(ctx, srcBucket, srcKey, srcVersionID)
	if errors.Is(err, metadata.ErrNotFound) || (err == nil && src.IsDeleteMarker) {
		return nil, ErrNoSuchKey
	}
	if err != nil {
		return nil, err
	}
	body, err := e.blobs.Get(ctx, srcBucket, src.Sha256, rng)
	if err != nil {
		return nil, fmt.Errorf("engine: read copy source: %w", err)
	}
	defer body.Close()
	return e.UploadPart(ctx, bucket, key, uploadID, partNumber, body)
}

// CompleteMultipartUpload validates declaredParts against the staged
// parts (matching ETag, ascending-unique part numbers, every
// non-final part at least 5 MiB), concatenates the staged bytes into a
// single blob, and commits it as a new object version with the S3
// multipart ETag convention "<md5-of-concatenated-part-etag-bytes>-<N>".
func (e *Engine) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, declaredParts []metadata.PartInfo) (*metadata.ObjectMetadata, error) {
	upload, err := e.meta.GetMultipartUpload(ctx, bucket, key, uploadID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrNoSuchUpload
	}
	if err != nil {
		return nil, err
	}

	staged, err := e.meta.ListParts(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]metadata.PartMetadata, len(staged))
	for _, p := range staged {
		byNumber[p.PartNumber] = p
	}

	if err := validateDeclaredParts(declaredParts, byNumber); err != nil {
		return nil, err
	}

	ps, err := e.openScratch(bucket, uploadID)
	if err != nil {
		return nil, fmt.Errorf("engine: open upload scratch: %w", err)
	}
	defer ps.Close()

	readers := make([]io.Reader, len(declaredParts))
	var etagBytes []byte
	for i, d := range declaredParts {
		r, err := ps.ReadPart(d.PartNumber)
		if err != nil {
			return nil, fmt.Errorf("%w: part %d not staged", ErrInvalidPart, d.PartNumber)
		}
		readers[i] = r
		raw, err := hex.DecodeString(strings.Trim(d.ETag, `"`))
		if err != nil {
			return nil, fmt.Errorf("%w: malformed ETag for part %d", ErrInvalidPart, d.PartNumber)
		}
		etagBytes = append(etagBytes, raw...)
	}

	sha256Hex, size, err := e.blobs.Put(ctx, bucket, io.MultiReader(readers...))
	if err != nil {
		return nil, fmt.Errorf("engine: assemble multipart object: %w", err)
	}

	finalSum, err := checksum.HashBytes(etagBytes, "md5")
	if err != nil {
		return nil, fmt.Errorf("engine: hash assembled part ETags: %w", err)
	}
	etag := fmt.Sprintf("%q", fmt.Sprintf("%s-%d", finalSum, len(declaredParts)))

	committed, err := e.commitVersion(ctx, bucket, key, sha256Hex, size, etag, upload.ContentType, upload.UserMetadata, upload.Owner, false)
	if err != nil {
		return nil, err
	}

	if err := e.meta.CompleteMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		e.log.Warnw("complete multipart upload: failed to clean up metadata rows", "bucket", bucket, "key", key, "uploadId", uploadID, "error", err)
	}
	if err := ps.Remove(); err != nil {
		e.log.Warnw("complete multipart upload: failed to remove scratch", "bucket", bucket, "uploadId", uploadID, "error", err)
	}
	return committed, nil
}

// AbortMultipartUpload releases scratch storage and terminal-states the upload.
func (e *Engine) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if _, err := e.meta.GetMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return ErrNoSuchUpload
		}
		return err
	}
	ps, err := e.openScratch(bucket, uploadID)
	if err == nil {
		if err := ps.Remove(); err != nil {
			e.log.Warnw("abort multipart upload: failed to remove scratch", "bucket", bucket, "uploadId", uploadID, "error", err)
		}
	}
	return e.meta.AbortMultipartUpload(ctx, bucket, key, uploadID)
}

// ListParts returns every staged part for uploadID.
func (e *Engine) ListParts(ctx context.Context, bucket, key, uploadID string) ([]metadata.PartMetadata, error) {
	if _, err := e.meta.GetMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNoSuchUpload
		}
		return nil, err
	}
	return e.meta.ListParts(ctx, bucket, key, uploadID)
}

// ListMultipartUploads returns every in-progress upload under prefix.
func (e *Engine) ListMultipartUploads(ctx context.Context, bucket, prefix string) ([]metadata.MultipartUploadMetadata, error) {
	return e.meta.ListMultipartUploads(ctx, bucket, prefix)
}

// validateDeclaredParts checks ascending-unique part numbers, that
// each declared part matches a staged part's ETag, and that every
// part but the last staged at least 5 MiB.
func validateDeclaredParts(declared []metadata.PartInfo, staged map[int]metadata.PartMetadata) error {
	if len(declared) == 0 {
		return ErrInvalidArgument
	}
	prevNumber := 0
	for i, d := range declared {
		if d.PartNumber <= prevNumber {
			return fmt.Errorf("%w: part numbers must be ascending and unique", ErrInvalidPart)
		}
		prevNumber = d.PartNumber

		s, ok := staged[d.PartNumber]
		if !ok {
			return fmt.Errorf("%w: part %d was not uploaded", ErrInvalidPart, d.PartNumber)
		}
		if !strings.EqualFold(strings.Trim(d.ETag, `"`), strings.Trim(s.ETag, `"`)) {
			return fmt.Errorf("%w: part %d ETag mismatch", ErrInvalidPart, d.PartNumber)
		}
		if i < len(declared)-1 && s.Size < minMultipartBytes {
			return fmt.Errorf("%w: part %d is smaller than the minimum part size", ErrInvalidPart, d.PartNumber)
		}
	}
	return nil
}
