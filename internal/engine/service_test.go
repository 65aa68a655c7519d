package engine

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/metadata/sqlstore"
	"github.com/openendpoint/openendpoints3/internal/storage/blobstore"
)

func newTestEngine(t *testing.T) (*Engine, metadata.Store) {
	t.Helper()
	dir := t.TempDir()

	meta, err := sqlstore.Open(filepath.Join(dir, "metadata.sqlite"), zap.NewNop())
	if err != nil {
		t.Fatalf("sqlstore.Open() error = %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	blobs, err := blobstore.New(filepath.Join(dir, "blobs"), zap.NewNop())
	if err != nil {
		t.Fatalf("blobstore.New() error = %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	return New(meta, blobs, dir, zap.NewNop().Sugar(), nil, nil, 0), meta
}

func TestCreateBucket_RejectsDuplicateAndInvalidNames(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.CreateBucket(ctx, "bucket-a", "owner"); err != nil {
		t.Fatalf("CreateBucket() error = %v", err)
	}
	if err := e.CreateBucket(ctx, "bucket-a", "owner"); err != ErrBucketAlreadyExists {
		t.Errorf("CreateBucket() duplicate error = %v, want ErrBucketAlreadyExists", err)
	}
	if err := e.CreateBucket(ctx, "AB", "owner"); err != ErrInvalidBucketName {
		t.Errorf("CreateBucket(too short/uppercase) error = %v, want ErrInvalidBucketName", err)
	}
	if err := e.CreateBucket(ctx, "192.168.1.1", "owner"); err != ErrInvalidBucketName {
		t.Errorf("CreateBucket(ip-shaped) error = %v, want ErrInvalidBucketName", err)
	}
}

func TestDeleteBucket_FailsWhenNotEmpty(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")

	if _, err := e.PutObject(ctx, PutObjectInput{Bucket: "b", Key: "k", Body: strings.NewReader("x"), Owner: "owner"}); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteBucket(ctx, "b"); err != ErrBucketNotEmpty {
		t.Errorf("DeleteBucket() error = %v, want ErrBucketNotEmpty", err)
	}
}

func mustCreateBucket(t *testing.T, e *Engine, bucket string) {
	t.Helper()
	if err := e.CreateBucket(context.Background(), bucket, "owner"); err != nil {
		t.Fatalf("CreateBucket(%s) error = %v", bucket, err)
	}
}

func TestPutObject_NonVersionedOverwritesInPlace(t *testing.T) {
	e, meta := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")

	v1, err := e.PutObject(ctx, PutObjectInput{Bucket: "b", Key: "k", Body: strings.NewReader("first"), Owner: "owner"})
	if err != nil {
		t.Fatalf("PutObject(v1) error = %v", err)
	}
	if v1.VersionID != "null" {
		t.Errorf("VersionID = %s, want null", v1.VersionID)
	}

	v2, err := e.PutObject(ctx, PutObjectInput{Bucket: "b", Key: "k", Body: strings.NewReader("second"), Owner: "owner"})
	if err != nil {
		t.Fatalf("PutObject(v2) error = %v", err)
	}
	if v2.VersionID != "null" {
		t.Errorf("VersionID = %s, want null", v2.VersionID)
	}

	versions, err := meta.ListObjectVersions(ctx, "b", "", metadata.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 {
		t.Fatalf("len(versions) = %d, want 1 (overwrite in place should not retain history)", len(versions))
	}
}

func TestPutObject_VersioningEnabledKeepsHistory(t *testing.T) {
	e, meta := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")
	if err := e.PutBucketVersioning(ctx, "b", &metadata.BucketVersioning{Status: "Enabled"}); err != nil {
		t.Fatal(err)
	}

	v1, err := e.PutObject(ctx, PutObjectInput{Bucket: "b", Key: "k", Body: strings.NewReader("first"), Owner: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := e.PutObject(ctx, PutObjectInput{Bucket: "b", Key: "k", Body: strings.NewReader("second"), Owner: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	if v1.VersionID == v2.VersionID || v1.VersionID == "null" || v2.VersionID == "null" {
		t.Errorf("expected two distinct non-null version ids, got %s and %s", v1.VersionID, v2.VersionID)
	}

	versions, err := meta.ListObjectVersions(ctx, "b", "", metadata.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 {
		t.Fatalf("len(versions) = %d, want 2", len(versions))
	}

	latest, err := e.GetObject(ctx, GetObjectInput{Bucket: "b", Key: "k"})
	if err != nil {
		t.Fatal(err)
	}
	defer latest.Body.Close()
	if latest.Meta.VersionID != v2.VersionID {
		t.Errorf("latest version = %s, want %s", latest.Meta.VersionID, v2.VersionID)
	}
}

func TestDeleteObject_NonVersionedHardDeletes(t *testing.T) {
	e, meta := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")
	put, err := e.PutObject(ctx, PutObjectInput{Bucket: "b", Key: "k", Body: strings.NewReader("x"), Owner: "owner"})
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.DeleteObject(ctx, DeleteObjectInput{Bucket: "b", Key: "k"})
	if err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if result.IsDeleteMarker {
		t.Error("expected no delete marker for a non-versioned bucket")
	}

	if _, err := meta.GetObject(ctx, "b", "k", put.VersionID); err != metadata.ErrNotFound {
		t.Errorf("GetObject() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := e.GetObject(ctx, GetObjectInput{Bucket: "b", Key: "k"}); !errors.Is(err, ErrNoSuchKey) {
		t.Errorf("GetObject() after delete error = %v, want ErrNoSuchKey", err)
	}
}

func TestDeleteObject_VersionedInsertsDeleteMarker(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")
	if err := e.PutBucketVersioning(ctx, "b", &metadata.BucketVersioning{Status: "Enabled"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.PutObject(ctx, PutObjectInput{Bucket: "b", Key: "k", Body: strings.NewReader("x"), Owner: "owner"}); err != nil {
		t.Fatal(err)
	}

	result, err := e.DeleteObject(ctx, DeleteObjectInput{Bucket: "b", Key: "k"})
	if err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if !result.IsDeleteMarker {
		t.Fatal("expected a delete marker in a versioning-enabled bucket")
	}

	if _, err := e.GetObject(ctx, GetObjectInput{Bucket: "b", Key: "k"}); !errors.Is(err, ErrNoSuchKey) {
		t.Errorf("GetObject() latest=delete-marker error = %v, want ErrNoSuchKey", err)
	}
}

func TestCopyObject_SameBucketReusesBlob(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")
	src, err := e.PutObject(ctx, PutObjectInput{Bucket: "b", Key: "src", Body: strings.NewReader("payload"), Owner: "owner"})
	if err != nil {
		t.Fatal(err)
	}

	dst, err := e.CopyObject(ctx, CopyObjectInput{SrcBucket: "b", SrcKey: "src", DstBucket: "b", DstKey: "dst", Owner: "owner"})
	if err != nil {
		t.Fatalf("CopyObject() error = %v", err)
	}
	if dst.Sha256 != src.Sha256 {
		t.Errorf("Sha256 = %s, want %s (copy should reuse the source blob)", dst.Sha256, src.Sha256)
	}

	out, err := e.GetObject(ctx, GetObjectInput{Bucket: "b", Key: "dst"})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Body.Close()
	body, _ := io.ReadAll(out.Body)
	if string(body) != "payload" {
		t.Errorf("copied body = %q, want %q", body, "payload")
	}
}

func TestListObjects_DelimiterRollsUpCommonPrefixes(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")
	for _, key := range []string{"a/1", "a/2", "b", "c/1"} {
		if _, err := e.PutObject(ctx, PutObjectInput{Bucket: "b", Key: key, Body: strings.NewReader("x"), Owner: "owner"}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := e.ListObjects(ctx, ListObjectsInput{Bucket: "b", Delimiter: "/"})
	if err != nil {
		t.Fatalf("ListObjects() error = %v", err)
	}
	if len(out.Objects) != 1 || out.Objects[0].Key != "b" {
		t.Errorf("Objects = %+v, want just key 'b'", out.Objects)
	}
	wantPrefixes := map[string]bool{"a/": true, "c/": true}
	if len(out.CommonPrefixes) != 2 {
		t.Fatalf("CommonPrefixes = %v, want 2 entries", out.CommonPrefixes)
	}
	for _, p := range out.CommonPrefixes {
		if !wantPrefixes[p] {
			t.Errorf("unexpected common prefix %q", p)
		}
	}
}

func TestMultipartUpload_CompleteAssemblesPartsInOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")

	upload, err := e.CreateMultipartUpload(ctx, CreateMultipartUploadInput{Bucket: "b", Key: "k", Owner: "owner"})
	if err != nil {
		t.Fatalf("CreateMultipartUpload() error = %v", err)
	}

	part1Body := strings.Repeat("a", minMultipartBytes)
	part1, err := e.UploadPart(ctx, "b", "k", upload.UploadID, 1, strings.NewReader(part1Body))
	if err != nil {
		t.Fatalf("UploadPart(1) error = %v", err)
	}
	part2, err := e.UploadPart(ctx, "b", "k", upload.UploadID, 2, strings.NewReader("tail"))
	if err != nil {
		t.Fatalf("UploadPart(2) error = %v", err)
	}

	committed, err := e.CompleteMultipartUpload(ctx, "b", "k", upload.UploadID, []metadata.PartInfo{
		{PartNumber: 1, ETag: part1.ETag},
		{PartNumber: 2, ETag: part2.ETag},
	})
	if err != nil {
		t.Fatalf("CompleteMultipartUpload() error = %v", err)
	}
	if !strings.HasSuffix(strings.Trim(committed.ETag, `"`), "-2") {
		t.Errorf("ETag = %s, want suffix -2", committed.ETag)
	}
	if committed.Size != int64(len(part1Body)+len("tail")) {
		t.Errorf("Size = %d, want %d", committed.Size, len(part1Body)+len("tail"))
	}

	out, err := e.GetObject(ctx, GetObjectInput{Bucket: "b", Key: "k"})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Body.Close()
	body, _ := io.ReadAll(out.Body)
	if string(body) != part1Body+"tail" {
		t.Error("assembled object bytes do not match concatenated parts in order")
	}
}

func TestMultipartUpload_CompleteRejectsOutOfOrderParts(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")
	upload, err := e.CreateMultipartUpload(ctx, CreateMultipartUploadInput{Bucket: "b", Key: "k", Owner: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	p1, err := e.UploadPart(ctx, "b", "k", upload.UploadID, 1, strings.NewReader(strings.Repeat("a", minMultipartBytes)))
	if err != nil {
		t.Fatal(err)
	}
	p2, err := e.UploadPart(ctx, "b", "k", upload.UploadID, 2, strings.NewReader("b"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.CompleteMultipartUpload(ctx, "b", "k", upload.UploadID, []metadata.PartInfo{
		{PartNumber: 2, ETag: p2.ETag},
		{PartNumber: 1, ETag: p1.ETag},
	})
	if !errorsIsInvalidPart(err) {
		t.Errorf("CompleteMultipartUpload() out-of-order error = %v, want ErrInvalidPart", err)
	}
}

func TestMultipartUpload_CompleteRejectsUndersizedNonFinalPart(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")
	upload, err := e.CreateMultipartUpload(ctx, CreateMultipartUploadInput{Bucket: "b", Key: "k", Owner: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	p1, err := e.UploadPart(ctx, "b", "k", upload.UploadID, 1, strings.NewReader("too small"))
	if err != nil {
		t.Fatal(err)
	}
	p2, err := e.UploadPart(ctx, "b", "k", upload.UploadID, 2, strings.NewReader("tail"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.CompleteMultipartUpload(ctx, "b", "k", upload.UploadID, []metadata.PartInfo{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	})
	if !errorsIsInvalidPart(err) {
		t.Errorf("CompleteMultipartUpload() undersized part error = %v, want ErrInvalidPart", err)
	}
}

func TestAbortMultipartUpload_UnknownUploadFails(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateBucket(t, e, "b")
	if err := e.AbortMultipartUpload(ctx, "b", "k", "does-not-exist"); err != ErrNoSuchUpload {
		t.Errorf("AbortMultipartUpload() error = %v, want ErrNoSuchUpload", err)
	}
}

func errorsIsInvalidPart(err error) bool {
	return errors.Is(err, ErrInvalidPart)
}
