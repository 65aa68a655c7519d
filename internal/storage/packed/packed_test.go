package packed

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"
)

func TestWriteAndReadPart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "upload-1")
	ps, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer ps.Close()

	etag, sha, size, err := ps.WritePart(1, bytes.NewReader([]byte("part-one-bytes")), 1000)
	if err != nil {
		t.Fatalf("WritePart() error = %v", err)
	}
	if size != int64(len("part-one-bytes")) {
		t.Errorf("size = %d, want %d", size, len("part-one-bytes"))
	}
	if etag == "" || sha == "" {
		t.Error("expected non-empty etag and sha256")
	}

	rc, err := ps.ReadPart(1)
	if err != nil {
		t.Fatalf("ReadPart() error = %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "part-one-bytes" {
		t.Errorf("ReadPart content = %q, want %q", got, "part-one-bytes")
	}
}

func TestOverwritePartUpdatesIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "upload-2")
	ps, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()

	if _, _, _, err := ps.WritePart(1, bytes.NewReader([]byte("first")), 1); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := ps.WritePart(1, bytes.NewReader([]byte("second-version")), 2); err != nil {
		t.Fatal(err)
	}

	rc, err := ps.ReadPart(1)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "second-version" {
		t.Errorf("ReadPart after overwrite = %q, want %q", got, "second-version")
	}
}

func TestIndexRebuildsFromFraming(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "upload-3")
	ps, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := ps.WritePart(1, bytes.NewReader([]byte("aaa")), 1); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := ps.WritePart(2, bytes.NewReader([]byte("bbbbb")), 2); err != nil {
		t.Fatal(err)
	}
	ps.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer reopened.Close()

	parts := reopened.Parts()
	if len(parts) != 2 {
		t.Fatalf("Parts() len = %d, want 2", len(parts))
	}
	if parts[0].PartNumber != 1 || parts[1].PartNumber != 2 {
		t.Errorf("Parts() = %+v, want ordered [1 2]", parts)
	}

	rc, err := reopened.ReadPart(2)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "bbbbb" {
		t.Errorf("ReadPart(2) after rebuild = %q, want %q", got, "bbbbb")
	}
}

func TestRemoveDeletesScratchDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "upload-4")
	ps, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := ps.WritePart(1, bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatal(err)
	}
	if err := ps.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := Open(dir); err != nil {
		t.Fatalf("reopening after Remove() should succeed (fresh dir): %v", err)
	}
}
