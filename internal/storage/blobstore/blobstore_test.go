package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/storage"
)

func TestPutReturnsContentDigest(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	payload := []byte("hello world")
	want := sha256.Sum256(payload)

	digest, size, err := s.Put(context.Background(), "bucket-a", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if digest != hex.EncodeToString(want[:]) {
		t.Errorf("digest = %s, want %s", digest, hex.EncodeToString(want[:]))
	}
	if size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", size, len(payload))
	}
}

func TestIdenticalBytesShareOneBlob(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	d1, _, _ := s.Put(context.Background(), "b", bytes.NewReader([]byte("same")))
	d2, _, _ := s.Put(context.Background(), "b", bytes.NewReader([]byte("same")))
	if d1 != d2 {
		t.Errorf("digests differ for identical content: %s vs %s", d1, d2)
	}
}

func TestGetWithRange(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	digest, _, err := s.Put(context.Background(), "b", bytes.NewReader([]byte("0123456789")))
	if err != nil {
		t.Fatal(err)
	}

	rc, err := s.Get(context.Background(), "b", digest, &storage.Range{Start: 2, End: 5})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "234" {
		t.Errorf("range read = %q, want %q", got, "234")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	digest, _, err := s.Put(context.Background(), "b", bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(context.Background(), "b", digest); err != nil {
		t.Fatalf("first Delete() error = %v", err)
	}
	if err := s.Delete(context.Background(), "b", digest); err != nil {
		t.Fatalf("second Delete() (already gone) error = %v", err)
	}
}

func TestGetMissingBlob(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Get(context.Background(), "b", "deadbeef", nil); err == nil {
		t.Error("Get() on missing blob should error")
	}
}
