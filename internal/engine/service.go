// Package engine implements the storage engine (C3): it composes the
// metadata store and the blob store and enforces the invariant that a
// committed object version exists in the metadata store if and only if
// its blob exists in the blob store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/iam"
	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/storage"
)

const (
	unsignedPayload   = "UNSIGNED-PAYLOAD"
	streamingTrailer  = "STREAMING-UNSIGNED-PAYLOAD-TRAILER"
	nullVersionID     = "null"
	defaultMaxKeys    = 1000
	rollupOverfetch   = 8 // over-fetch factor used when a delimiter may collapse many raw rows into one CommonPrefix
	minMultipartBytes = 5 * 1024 * 1024
)

// Engine is the storage engine. It holds no per-request state; every
// method takes the bucket/key/versionId it operates on explicitly.
type Engine struct {
	meta          metadata.Store
	blobs         storage.Blobs
	mpuRoot       string // root directory under which per-upload scratch directories live
	locker        *Locker
	log           *zap.SugaredLogger
	events        EventSink
	audit         AuditSink
	maxObjectSize int64 // 0 means unlimited
}

// New constructs an Engine. mpuRoot is the root directory for multipart
// scratch storage (main.go passes a "multipart" directory beside the blob
// store's root); events and audit may be nil, in which case no-op sinks are
// used. maxObjectSize caps a single PutObject body in bytes; 0 means
// unlimited.
func New(meta metadata.Store, blobs storage.Blobs, mpuRoot string, log *zap.SugaredLogger, events EventSink, audit AuditSink, maxObjectSize int64) *Engine {
	if events == nil {
		events = NoopEventSink{}
	}
	if audit == nil {
		audit = NoopAuditSink{}
	}
	return &Engine{
		meta:          meta,
		blobs:         blobs,
		mpuRoot:       mpuRoot,
		locker:        NewLocker(),
		log:           log,
		events:        events,
		audit:         audit,
		maxObjectSize: maxObjectSize,
	}
}

// --- Buckets ---

// CreateBucket creates bucket owned by owner, seeding a default ACL
// granting the owner FULL_CONTROL.
func (e *Engine) CreateBucket(ctx context.Context, bucket, owner string) error {
	if err := validateBucketName(bucket); err != nil {
		return err
	}
	if _, err := e.meta.GetBucket(ctx, bucket); err == nil {
		return ErrBucketAlreadyExists
	} else if !errors.Is(err, metadata.ErrNotFound) {
		return err
	}

	if err := e.meta.CreateBucket(ctx, bucket, owner); err != nil {
		return fmt.Errorf("engine: create bucket: %w", err)
	}

	acl := iam.NewACL(owner, owner)
	doc := acl.ToXML()
	if err := e.meta.PutBucketACL(ctx, bucket, &doc); err != nil {
		e.log.Warnw("create bucket: failed to seed default ACL", "bucket", bucket, "error", err)
	}
	return nil
}

// DeleteBucket removes an empty bucket.
func (e *Engine) DeleteBucket(ctx context.Context, bucket string) error {
	if _, err := e.meta.GetBucket(ctx, bucket); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return ErrNoSuchBucket
		}
		return err
	}

	objects, err := e.meta.ListObjects(ctx, bucket, "", metadata.ListOptions{MaxKeys: 1})
	if err != nil {
		return err
	}
	if len(objects) > 0 {
		return ErrBucketNotEmpty
	}
	uploads, err := e.meta.ListMultipartUploads(ctx, bucket, "")
	if err != nil {
		return err
	}
	if len(uploads) > 0 {
		return ErrBucketNotEmpty
	}

	return e.meta.DeleteBucket(ctx, bucket)
}

// GetBucket returns bucket-level metadata, ErrNoSuchBucket if absent.
func (e *Engine) GetBucket(ctx context.Context, bucket string) (*metadata.BucketMetadata, error) {
	b, err := e.meta.GetBucket(ctx, bucket)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrNoSuchBucket
	}
	return b, err
}

// ListBuckets returns every bucket.
func (e *Engine) ListBuckets(ctx context.Context) ([]metadata.BucketMetadata, error) {
	return e.meta.ListBuckets(ctx)
}

// --- Objects ---

// PutObject streams in.Body into the blob store and commits a new
// version row, honoring bucket versioning and the optional
// x-amz-content-sha256 checksum policy.
func (e *Engine) PutObject(ctx context.Context, in PutObjectInput) (*metadata.ObjectMetadata, error) {
	if _, err := e.meta.GetBucket(ctx, in.Bucket); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNoSuchBucket
		}
		return nil, err
	}

	body := in.Body
	if e.maxObjectSize > 0 {
		body = io.LimitReader(body, e.maxObjectSize+1)
	}
	sha256Hex, size, err := e.blobs.Put(ctx, in.Bucket, body)
	if err != nil {
		return nil, fmt.Errorf("engine: stream object body: %w", err)
	}
	if e.maxObjectSize > 0 && size > e.maxObjectSize {
		_ = e.blobs.Delete(ctx, in.Bucket, sha256Hex)
		return nil, ErrObjectTooLarge
	}

	if in.ContentSHA256 != "" && in.ContentSHA256 != unsignedPayload && in.ContentSHA256 != streamingTrailer {
		if !strings.EqualFold(in.ContentSHA256, sha256Hex) {
			// Best-effort cleanup: content-addressing means this digest
			// may coincidentally already be referenced by another
			// object, so Delete here is advisory, not authoritative -
			// we never incref it for this failed write either way.
			_ = e.blobs.Delete(ctx, in.Bucket, sha256Hex)
			return nil, ErrChecksumMismatch
		}
	}

	etag := fmt.Sprintf("%q", sha256Hex)
	return e.commitVersion(ctx, in.Bucket, in.Key, sha256Hex, size, etag, in.ContentType, in.UserMetadata, in.Owner, false)
}

// CopyObject copies src to dst, reusing the source's blob directly when
// both live in the same bucket (the content-addressing dedup path);
// across buckets the bytes are re-streamed since each bucket has its
// own blob directory.
func (e *Engine) CopyObject(ctx context.Context, in CopyObjectInput) (*metadata.ObjectMetadata, error) {
	if _, err := e.meta.GetBucket(ctx, in.DstBucket); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNoSuchBucket
		}
		return nil, err
	}

	src, err := e.meta.GetObject(ctx, in.SrcBucket, in.SrcKey, in.SrcVersionID)
	if errors.Is(err, metadata.ErrNotFound) || (err == nil && src.IsDeleteMarker) {
		return nil, ErrNoSuchKey
	}
	if err != nil {
		return nil, err
	}

	sha256Hex, size := src.Sha256, src.Size
	if in.SrcBucket != in.DstBucket {
		body, err := e.blobs.Get(ctx, in.SrcBucket, src.Sha256, nil)
		if err != nil {
			return nil, fmt.Errorf("engine: read source blob: %w", err)
		}
		defer body.Close()
		sha256Hex, size, err = e.blobs.Put(ctx, in.DstBucket, body)
		if err != nil {
			return nil, fmt.Errorf("engine: copy source bytes: %w", err)
		}
	}

	contentType, userMeta := src.ContentType, src.UserMetadata
	if in.ReplaceMetadata {
		contentType, userMeta = in.ContentType, in.UserMetadata
	}
	return e.commitVersion(ctx, in.DstBucket, in.DstKey, sha256Hex, size, src.ETag, contentType, userMeta, in.Owner, false)
}

// commitVersion inserts a new latest version row for (bucket, key),
// incrementing the blob's refcount and demoting whatever was
// previously latest. A true overwrite-in-place ("null" replacing
// "null", the non-versioned/suspended case) deletes the superseded row
// and decrefs its blob; any other transition (an Enabled bucket
// allocating a fresh versionId) keeps the prior row as noncurrent
// history.
func (e *Engine) commitVersion(ctx context.Context, bucket, key, sha256Hex string, size int64, etag, contentType string, userMeta map[string]string, owner string, isDeleteMarker bool) (*metadata.ObjectMetadata, error) {
	unlock := e.locker.Lock(bucket, key)
	defer unlock()

	versioning, err := e.meta.GetBucketVersioning(ctx, bucket)
	if err != nil {
		return nil, err
	}
	versioned := versioning != nil && versioning.Status == "Enabled"

	prev, err := e.meta.GetObject(ctx, bucket, key, "")
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, metadata.ErrNotFound) {
		prev = nil
	}

	versionID := nullVersionID
	if versioned {
		versionID = uuid.New().String()
	}

	if !isDeleteMarker && sha256Hex != "" {
		if err := e.meta.IncrefBlob(ctx, bucket, sha256Hex); err != nil {
			return nil, fmt.Errorf("engine: incref blob: %w", err)
		}
	}

	newMeta := &metadata.ObjectMetadata{
		Bucket:         bucket,
		Key:            key,
		VersionID:      versionID,
		Size:           size,
		Sha256:         sha256Hex,
		ETag:           etag,
		ContentType:    contentType,
		UserMetadata:   userMeta,
		Owner:          owner,
		IsLatest:       true,
		IsDeleteMarker: isDeleteMarker,
		LastModified:   time.Now().Unix(),
	}

	// The new row reuses the "null" versionId, so the superseded "null"
	// row is removed before the insert to free its primary key.
	replacesNull := prev != nil && prev.VersionID == nullVersionID && versionID == nullVersionID
	if replacesNull {
		if err := e.meta.DeleteObject(ctx, bucket, key, prev.VersionID); err != nil {
			e.log.Warnw("commitVersion: failed to remove superseded null version", "bucket", bucket, "key", key, "error", err)
			replacesNull = false
		}
	}

	if err := e.meta.PutObject(ctx, bucket, key, newMeta); err != nil {
		if !isDeleteMarker && sha256Hex != "" {
			if _, derr := e.meta.DecrefBlob(ctx, bucket, sha256Hex); derr != nil {
				e.log.Warnw("commitVersion: failed to unwind incref after failed put", "bucket", bucket, "key", key, "error", derr)
			}
		}
		return nil, fmt.Errorf("engine: put object metadata: %w", err)
	}

	if replacesNull {
		e.decrefIfBlob(ctx, bucket, prev)
	}

	e.events.Notify(ctx, eventFor(isDeleteMarker), bucket, key, versionID)
	return newMeta, nil
}

func eventFor(isDeleteMarker bool) EventType {
	if isDeleteMarker {
		return EventObjectRemoved
	}
	return EventObjectCreated
}

// resolveVersion fetches the version meta addressed by versionID
// (latest if empty), normalizing store-not-found to ErrNoSuchKey and
// wrapping a delete-marker-as-latest resolution in ErrDeleteMarker so
// callers can add the x-amz-delete-marker header.
func (e *Engine) resolveVersion(ctx context.Context, bucket, key, versionID string) (*metadata.ObjectMetadata, error) {
	meta, err := e.meta.GetObject(ctx, bucket, key, versionID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, ErrNoSuchKey
	}
	if err != nil {
		return nil, err
	}
	if meta.IsDeleteMarker {
		return meta, fmt.Errorf("%w: %w", ErrNoSuchKey, ErrDeleteMarker)
	}
	return meta, nil
}

// GetObject resolves the requested version and opens a streaming read,
// honoring in.Range.
func (e *Engine) GetObject(ctx context.Context, in GetObjectInput) (*GetObjectOutput, error) {
	meta, err := e.resolveVersion(ctx, in.Bucket, in.Key, in.VersionID)
	if err != nil {
		return nil, err
	}
	body, err := e.blobs.Get(ctx, in.Bucket, meta.Sha256, in.Range)
	if err != nil {
		return nil, fmt.Errorf("engine: open object bytes: %w", err)
	}
	return &GetObjectOutput{Meta: meta, Body: body}, nil
}

// HeadObject resolves the requested version without opening a body.
func (e *Engine) HeadObject(ctx context.Context, bucket, key, versionID string) (*metadata.ObjectMetadata, error) {
	return e.resolveVersion(ctx, bucket, key, versionID)
}

// DeleteObject implements the single-key delete contract: an explicit
// versionId hard-deletes that exact version; otherwise a
// versioning-enabled-or-suspended bucket gets a new delete-marker
// latest, and an unversioned bucket hard-deletes its sole "null"
// version. Deleting an already-absent version is a no-op, matching
// S3's idempotent DELETE.
func (e *Engine) DeleteObject(ctx context.Context, in DeleteObjectInput) (*DeleteObjectOutput, error) {
	unlock := e.locker.Lock(in.Bucket, in.Key)
	defer unlock()

	if in.VersionID != "" {
		existing, err := e.meta.GetObject(ctx, in.Bucket, in.Key, in.VersionID)
		if errors.Is(err, metadata.ErrNotFound) {
			return &DeleteObjectOutput{VersionID: in.VersionID}, nil
		}
		if err != nil {
			return nil, err
		}
		if err := e.meta.DeleteObject(ctx, in.Bucket, in.Key, in.VersionID); err != nil {
			return nil, err
		}
		e.decrefIfBlob(ctx, in.Bucket, existing)
		e.events.Notify(ctx, EventObjectRemoved, in.Bucket, in.Key, in.VersionID)
		return &DeleteObjectOutput{VersionID: in.VersionID, IsDeleteMarker: existing.IsDeleteMarker}, nil
	}

	versioning, err := e.meta.GetBucketVersioning(ctx, in.Bucket)
	if err != nil {
		return nil, err
	}
	if versioning != nil && (versioning.Status == "Enabled" || versioning.Status == "Suspended") {
		markerID := nullVersionID
		if versioning.Status == "Enabled" {
			markerID = uuid.New().String()
		}
		if markerID == nullVersionID {
			// A suspended bucket's marker takes the "null" versionId, so an
			// existing "null" row is removed first to free its primary key.
			if old, err := e.meta.GetObject(ctx, in.Bucket, in.Key, nullVersionID); err == nil {
				if err := e.meta.DeleteObject(ctx, in.Bucket, in.Key, nullVersionID); err != nil {
					return nil, err
				}
				e.decrefIfBlob(ctx, in.Bucket, old)
			}
		}
		marker := &metadata.ObjectMetadata{
			Bucket:         in.Bucket,
			Key:            in.Key,
			VersionID:      markerID,
			IsLatest:       true,
			IsDeleteMarker: true,
			LastModified:   time.Now().Unix(),
		}
		if err := e.meta.PutObject(ctx, in.Bucket, in.Key, marker); err != nil {
			return nil, fmt.Errorf("engine: insert delete marker: %w", err)
		}
		e.events.Notify(ctx, EventObjectRemoved, in.Bucket, in.Key, markerID)
		return &DeleteObjectOutput{VersionID: markerID, IsDeleteMarker: true}, nil
	}

	existing, err := e.meta.GetObject(ctx, in.Bucket, in.Key, "")
	if errors.Is(err, metadata.ErrNotFound) {
		return &DeleteObjectOutput{}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := e.meta.DeleteObject(ctx, in.Bucket, in.Key, existing.VersionID); err != nil {
		return nil, err
	}
	e.decrefIfBlob(ctx, in.Bucket, existing)
	e.events.Notify(ctx, EventObjectRemoved, in.Bucket, in.Key, existing.VersionID)
	return &DeleteObjectOutput{VersionID: existing.VersionID}, nil
}

func (e *Engine) decrefIfBlob(ctx context.Context, bucket string, v *metadata.ObjectMetadata) {
	if v == nil || v.IsDeleteMarker || v.Sha256 == "" {
		return
	}
	remaining, err := e.meta.DecrefBlob(ctx, bucket, v.Sha256)
	if err != nil {
		e.log.Warnw("decref blob failed", "bucket", bucket, "sha256", v.Sha256, "error", err)
		return
	}
	if remaining <= 0 {
		if err := e.blobs.Delete(ctx, bucket, v.Sha256); err != nil {
			e.log.Warnw("unlink blob failed", "bucket", bucket, "sha256", v.Sha256, "error", err)
		}
	}
}

// DeleteObjects performs a bulk delete, tolerating per-key errors.
func (e *Engine) DeleteObjects(ctx context.Context, in DeleteObjectsInput) []DeletedObject {
	out := make([]DeletedObject, len(in.Objects))
	for i, obj := range in.Objects {
		obj.Bucket = in.Bucket
		result, err := e.DeleteObject(ctx, obj)
		if err != nil {
			out[i] = DeletedObject{Key: obj.Key, VersionID: obj.VersionID, Error: err}
			continue
		}
		out[i] = DeletedObject{Key: obj.Key, VersionID: result.VersionID, IsDeleteMarker: result.IsDeleteMarker}
	}
	return out
}

// --- ACL / policy / tagging / lifecycle / versioning pass-throughs ---

func (e *Engine) PutBucketACL(ctx context.Context, bucket string, doc *string) error {
	return e.withExistingBucket(ctx, bucket, func() error { return e.meta.PutBucketACL(ctx, bucket, doc) })
}

func (e *Engine) GetBucketACL(ctx context.Context, bucket string) (*string, error) {
	var out *string
	err := e.withExistingBucket(ctx, bucket, func() (err error) { out, err = e.meta.GetBucketACL(ctx, bucket); return })
	return out, err
}

func (e *Engine) PutBucketPolicy(ctx context.Context, bucket string, doc *string) error {
	if doc != nil {
		if _, err := iam.ParsePolicy([]byte(*doc)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	return e.withExistingBucket(ctx, bucket, func() error { return e.meta.PutBucketPolicy(ctx, bucket, doc) })
}

func (e *Engine) GetBucketPolicy(ctx context.Context, bucket string) (*string, error) {
	var out *string
	err := e.withExistingBucket(ctx, bucket, func() (err error) { out, err = e.meta.GetBucketPolicy(ctx, bucket); return })
	return out, err
}

func (e *Engine) DeleteBucketPolicy(ctx context.Context, bucket string) error {
	return e.withExistingBucket(ctx, bucket, func() error { return e.meta.DeleteBucketPolicy(ctx, bucket) })
}

func (e *Engine) PutBucketTags(ctx context.Context, bucket string, tags map[string]string) error {
	return e.withExistingBucket(ctx, bucket, func() error { return e.meta.PutBucketTags(ctx, bucket, tags) })
}

func (e *Engine) GetBucketTags(ctx context.Context, bucket string) (map[string]string, error) {
	var out map[string]string
	err := e.withExistingBucket(ctx, bucket, func() (err error) { out, err = e.meta.GetBucketTags(ctx, bucket); return })
	return out, err
}

func (e *Engine) DeleteBucketTags(ctx context.Context, bucket string) error {
	return e.withExistingBucket(ctx, bucket, func() error { return e.meta.DeleteBucketTags(ctx, bucket) })
}

// PutObjectTags replaces the tag set of the given (or latest) version.
func (e *Engine) PutObjectTags(ctx context.Context, bucket, key, versionID string, tags map[string]string) error {
	v, err := e.resolveVersion(ctx, bucket, key, versionID)
	if err != nil {
		return err
	}
	return e.meta.PutObjectTags(ctx, bucket, key, v.VersionID, tags)
}

// GetObjectTags returns the tag set of the given (or latest) version.
func (e *Engine) GetObjectTags(ctx context.Context, bucket, key, versionID string) (map[string]string, error) {
	v, err := e.resolveVersion(ctx, bucket, key, versionID)
	if err != nil {
		return nil, err
	}
	return e.meta.GetObjectTags(ctx, bucket, key, v.VersionID)
}

// DeleteObjectTags clears the tag set of the given (or latest) version.
func (e *Engine) DeleteObjectTags(ctx context.Context, bucket, key, versionID string) error {
	v, err := e.resolveVersion(ctx, bucket, key, versionID)
	if err != nil {
		return err
	}
	return e.meta.DeleteObjectTags(ctx, bucket, key, v.VersionID)
}

func (e *Engine) PutBucketLifecycle(ctx context.Context, bucket string, rules []metadata.LifecycleRule) error {
	return e.withExistingBucket(ctx, bucket, func() error { return e.meta.PutLifecycleRules(ctx, bucket, rules) })
}

func (e *Engine) GetBucketLifecycle(ctx context.Context, bucket string) ([]metadata.LifecycleRule, error) {
	var out []metadata.LifecycleRule
	err := e.withExistingBucket(ctx, bucket, func() (err error) { out, err = e.meta.GetLifecycleRules(ctx, bucket); return })
	return out, err
}

func (e *Engine) DeleteBucketLifecycle(ctx context.Context, bucket string) error {
	return e.withExistingBucket(ctx, bucket, func() error { return e.meta.DeleteLifecycleRules(ctx, bucket) })
}

func (e *Engine) PutBucketVersioning(ctx context.Context, bucket string, v *metadata.BucketVersioning) error {
	return e.withExistingBucket(ctx, bucket, func() error { return e.meta.PutBucketVersioning(ctx, bucket, v) })
}

func (e *Engine) GetBucketVersioning(ctx context.Context, bucket string) (*metadata.BucketVersioning, error) {
	var out *metadata.BucketVersioning
	err := e.withExistingBucket(ctx, bucket, func() (err error) { out, err = e.meta.GetBucketVersioning(ctx, bucket); return })
	return out, err
}

func (e *Engine) withExistingBucket(ctx context.Context, bucket string, fn func() error) error {
	if _, err := e.meta.GetBucket(ctx, bucket); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return ErrNoSuchBucket
		}
		return err
	}
	return fn()
}

// --- Bucket name validation ---

// validateBucketName applies the (simplified) DNS-compatible S3
// bucket naming rules: 3-63 characters, lowercase letters/digits/dot/
// hyphen, must start and end alphanumeric, no adjacent dots or
// dot-hyphen runs, and not shaped like an IPv4 address.
func validateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return ErrInvalidBucketName
	}
	for _, r := range name {
		if !isBucketChar(r) {
			return ErrInvalidBucketName
		}
	}
	if !isAlphanumeric(rune(name[0])) || !isAlphanumeric(rune(name[len(name)-1])) {
		return ErrInvalidBucketName
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return ErrInvalidBucketName
	}
	if looksLikeIPv4(name) {
		return ErrInvalidBucketName
	}
	return nil
}

func isBucketChar(r rune) bool {
	return isAlphanumeric(r) || r == '-' || r == '.'
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

func looksLikeIPv4(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
