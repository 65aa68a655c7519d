package lifecycle

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/engine"
	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/metadata/sqlstore"
	"github.com/openendpoint/openendpoints3/internal/storage/blobstore"
)

func newTestProcessor(t *testing.T) *Processor {
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

	eng := engine.New(meta, blobs, dir, zap.NewNop().Sugar(), nil, nil, 0)
	return NewProcessor(eng, time.Hour, zap.NewNop().Sugar())
}

func TestExpireCurrentVersions_DeletesOnlyStaleObjects(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	if err := p.engine.CreateBucket(ctx, "expiry-bucket", "owner"); err != nil {
		t.Fatalf("CreateBucket() error = %v", err)
	}
	for _, key := range []string{"old.txt", "new.txt"} {
		if _, err := p.engine.PutObject(ctx, engine.PutObjectInput{
			Bucket: "expiry-bucket", Key: key, Body: strings.NewReader("data"), Owner: "owner",
		}); err != nil {
			t.Fatalf("PutObject(%s) error = %v", key, err)
		}
	}

	rule := metadata.LifecycleRule{
		ID: "expire-all", Status: "Enabled",
		Expiration: &metadata.Expiration{Days: 0},
	}
	p.expireCurrentVersions(ctx, "expiry-bucket", rule)

	out, err := p.engine.ListObjects(ctx, engine.ListObjectsInput{Bucket: "expiry-bucket"})
	if err != nil {
		t.Fatalf("ListObjects() error = %v", err)
	}
	if len(out.Objects) != 0 {
		t.Errorf("expected all objects expired (Days: 0, any age qualifies), got %d remaining", len(out.Objects))
	}
}

func TestExpireNoncurrentVersions_RetainsNewerNoncurrentVersions(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	if err := p.engine.CreateBucket(ctx, "versioned-bucket", "owner"); err != nil {
		t.Fatalf("CreateBucket() error = %v", err)
	}
	if err := p.engine.PutBucketVersioning(ctx, "versioned-bucket", &metadata.BucketVersioning{Status: "Enabled"}); err != nil {
		t.Fatalf("PutBucketVersioning() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := p.engine.PutObject(ctx, engine.PutObjectInput{
			Bucket: "versioned-bucket", Key: "doc.txt", Body: strings.NewReader("v"), Owner: "owner",
		}); err != nil {
			t.Fatalf("PutObject() iteration %d error = %v", i, err)
		}
	}

	rule := metadata.LifecycleRule{
		ID:     "trim-history",
		Status: "Enabled",
		NoncurrentVersionExpiration: &metadata.NoncurrentVersionExpiration{
			NoncurrentDays:          0,
			NewerNoncurrentVersions: 1,
		},
	}
	p.expireNoncurrentVersions(ctx, "versioned-bucket", rule)

	out, err := p.engine.ListObjectVersions(ctx, engine.ListObjectVersionsInput{Bucket: "versioned-bucket"})
	if err != nil {
		t.Fatalf("ListObjectVersions() error = %v", err)
	}
	var noncurrent int
	for _, v := range out.Versions {
		if !v.IsLatest {
			noncurrent++
		}
	}
	if noncurrent != 1 {
		t.Errorf("noncurrent versions = %d, want 1 retained (NewerNoncurrentVersions)", noncurrent)
	}
}

func TestSweepBucket_SkipsDisabledRules(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	if err := p.engine.CreateBucket(ctx, "disabled-bucket", "owner"); err != nil {
		t.Fatalf("CreateBucket() error = %v", err)
	}
	if _, err := p.engine.PutObject(ctx, engine.PutObjectInput{
		Bucket: "disabled-bucket", Key: "keep.txt", Body: strings.NewReader("data"), Owner: "owner",
	}); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	rules := []metadata.LifecycleRule{{
		ID: "disabled", Status: "Disabled",
		Expiration: &metadata.Expiration{Days: 0},
	}}
	if err := p.engine.PutBucketLifecycle(ctx, "disabled-bucket", rules); err != nil {
		t.Fatalf("PutBucketLifecycle() error = %v", err)
	}

	p.sweepBucket(ctx, "disabled-bucket")

	out, err := p.engine.ListObjects(ctx, engine.ListObjectsInput{Bucket: "disabled-bucket"})
	if err != nil {
		t.Fatalf("ListObjects() error = %v", err)
	}
	if len(out.Objects) != 1 {
		t.Errorf("expected disabled rule to be skipped, got %d objects remaining", len(out.Objects))
	}
}
