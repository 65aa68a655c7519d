package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/metadata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "metadata.sqlite"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetBucket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateBucket(ctx, "bucket-a", "owner-1"); err != nil {
		t.Fatalf("CreateBucket() error = %v", err)
	}

	got, err := s.GetBucket(ctx, "bucket-a")
	if err != nil {
		t.Fatalf("GetBucket() error = %v", err)
	}
	if got.Name != "bucket-a" || got.Owner != "owner-1" {
		t.Errorf("GetBucket() = %+v, want name bucket-a owner owner-1", got)
	}

	if _, err := s.GetBucket(ctx, "missing"); err != metadata.ErrNotFound {
		t.Errorf("GetBucket(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPutObjectDemotesPreviousLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateBucket(ctx, "b", "o"); err != nil {
		t.Fatal(err)
	}

	v1 := &metadata.ObjectMetadata{Bucket: "b", Key: "k", VersionID: "v1", Size: 1, Sha256: "aaa", ETag: "aaa", LastModified: 100}
	if err := s.PutObject(ctx, "b", "k", v1); err != nil {
		t.Fatalf("PutObject(v1) error = %v", err)
	}

	v2 := &metadata.ObjectMetadata{Bucket: "b", Key: "k", VersionID: "v2", Size: 2, Sha256: "bbb", ETag: "bbb", LastModified: 200}
	if err := s.PutObject(ctx, "b", "k", v2); err != nil {
		t.Fatalf("PutObject(v2) error = %v", err)
	}

	latest, err := s.GetObject(ctx, "b", "k", "")
	if err != nil {
		t.Fatalf("GetObject(latest) error = %v", err)
	}
	if latest.VersionID != "v2" {
		t.Errorf("latest.VersionID = %s, want v2", latest.VersionID)
	}

	old, err := s.GetObject(ctx, "b", "k", "v1")
	if err != nil {
		t.Fatalf("GetObject(v1) error = %v", err)
	}
	if old.IsLatest {
		t.Error("v1 should no longer be latest")
	}
	if old.BecameNoncurrentAt != 200 {
		t.Errorf("BecameNoncurrentAt = %d, want 200", old.BecameNoncurrentAt)
	}
}

func TestBlobRefcounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.IncrefBlob(ctx, "b", "digest"); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrefBlob(ctx, "b", "digest"); err != nil {
		t.Fatal(err)
	}

	refs, err := s.DecrefBlob(ctx, "b", "digest")
	if err != nil {
		t.Fatal(err)
	}
	if refs != 1 {
		t.Errorf("refs after first decref = %d, want 1", refs)
	}

	refs, err = s.DecrefBlob(ctx, "b", "digest")
	if err != nil {
		t.Fatal(err)
	}
	if refs != 0 {
		t.Errorf("refs after second decref = %d, want 0", refs)
	}
}

func TestListObjectsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateBucket(ctx, "b", "o"); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if err := s.PutObject(ctx, "b", k, &metadata.ObjectMetadata{Bucket: "b", Key: k, VersionID: "v1", Sha256: "x", ETag: "x", LastModified: 1}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.ListObjects(ctx, "b", "", metadata.ListOptions{MaxKeys: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Key != "a" || page[1].Key != "b" {
		t.Fatalf("first page = %+v, want [a b]", page)
	}

	page2, err := s.ListObjects(ctx, "b", "", metadata.ListOptions{MaxKeys: 2, Marker: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 1 || page2[0].Key != "c" {
		t.Fatalf("second page = %+v, want [c]", page2)
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.PutUser(ctx, &metadata.User{AccessKey: "AKID", SecretKey: "secret", Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	u, err := s.GetUser(ctx, "AKID")
	if err != nil {
		t.Fatal(err)
	}
	if u.SecretKey != "secret" {
		t.Errorf("SecretKey = %s, want secret", u.SecretKey)
	}
}
