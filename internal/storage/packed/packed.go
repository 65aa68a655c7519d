// Package packed implements the multipart-upload scratch file:
// `.mpu/<uploadId>/parts.dat`, a single append-only file holding every
// staged part's bytes behind a part-number-keyed in-memory offset index.
// The index is rebuilt by replaying the file's own record framing on
// open, so no separate index file is ever persisted — the same
// crash-safe-reconstruction technique a Haystack-style needle volume
// uses, adapted here to a single scratch file per upload instead of a
// pool of multi-tenant volumes.
package packed

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// headerSize is partNumber(8) + size(8) + timestamp(8) + sha256(32) + md5(16).
const headerSize = 8 + 8 + 8 + 32 + 16

// PartRecord describes one staged part.
type PartRecord struct {
	PartNumber int
	Offset     int64 // offset of this part's data, header excluded
	Size       int64
	Sha256Hex  string
	ETagHex    string
	Timestamp  int64
}

// PartStore is the append-only scratch file backing one multipart
// upload. Writing the same part number twice appends a fresh record and
// updates the index in place; the superseded bytes become unreachable
// scratch, reclaimed only when the whole file is removed (on abort or
// complete).
type PartStore struct {
	dir  string
	path string
	file *os.File

	mu    sync.RWMutex
	index map[int]*PartRecord
	size  int64 // next append offset
}

// Open opens (creating if needed) the parts.dat scratch file under dir,
// rebuilding its index by replaying the existing record framing.
func Open(dir string) (*PartStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("packed: create scratch dir: %w", err)
	}
	path := filepath.Join(dir, "parts.dat")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("packed: open scratch file: %w", err)
	}

	ps := &PartStore{
		dir:   dir,
		path:  path,
		file:  f,
		index: make(map[int]*PartRecord),
	}
	if err := ps.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return ps, nil
}

// loadIndex rebuilds the in-memory offset index by scanning every
// record's header from the start of the file.
func (ps *PartStore) loadIndex() error {
	var offset int64
	header := make([]byte, headerSize)
	for {
		n, err := ps.file.ReadAt(header, offset)
		if err == io.EOF && n < headerSize {
			break
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("packed: read header at %d: %w", offset, err)
		}
		if n < headerSize {
			break
		}

		partNumber := int(binary.LittleEndian.Uint64(header[0:8]))
		size := int64(binary.LittleEndian.Uint64(header[8:16]))
		ts := int64(binary.LittleEndian.Uint64(header[16:24]))
		sha := hex.EncodeToString(header[24:56])
		etag := hex.EncodeToString(header[56:72])

		dataOffset := offset + headerSize
		ps.index[partNumber] = &PartRecord{
			PartNumber: partNumber,
			Offset:     dataOffset,
			Size:       size,
			Sha256Hex:  sha,
			ETagHex:    etag,
			Timestamp:  ts,
		}
		offset = dataOffset + size
	}
	ps.size = offset
	return nil
}

// sequentialWriter writes successive calls to Write at increasing
// offsets of the underlying file via WriteAt, letting hashing proceed
// via io.MultiWriter without needing a buffered, seek-based writer.
type sequentialWriter struct {
	file   *os.File
	offset int64
}

func (w *sequentialWriter) Write(p []byte) (int, error) {
	n, err := w.file.WriteAt(p, w.offset)
	w.offset += int64(n)
	return n, err
}

// WritePart streams data into the scratch file as part number
// partNumber, returning its MD5-based ETag (S3's part ETag convention)
// and SHA-256 digest (used for whole-object content addressing once the
// upload completes).
func (ps *PartStore) WritePart(partNumber int, data io.Reader, timestamp int64) (etagHex, sha256Hex string, size int64, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	headerOffset := ps.size
	dataOffset := headerOffset + headerSize

	seq := &sequentialWriter{file: ps.file, offset: dataOffset}
	sha := sha256.New()
	md := md5.New()

	written, err := io.Copy(io.MultiWriter(seq, sha, md), data)
	if err != nil {
		return "", "", 0, fmt.Errorf("packed: write part %d: %w", partNumber, err)
	}

	shaSum := sha.Sum(nil)
	mdSum := md.Sum(nil)

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0:8], uint64(partNumber))
	binary.LittleEndian.PutUint64(header[8:16], uint64(written))
	binary.LittleEndian.PutUint64(header[16:24], uint64(timestamp))
	copy(header[24:56], shaSum)
	copy(header[56:72], mdSum)

	if _, err := ps.file.WriteAt(header, headerOffset); err != nil {
		return "", "", 0, fmt.Errorf("packed: write header for part %d: %w", partNumber, err)
	}
	if err := ps.file.Sync(); err != nil {
		return "", "", 0, fmt.Errorf("packed: sync: %w", err)
	}

	ps.size = dataOffset + written
	rec := &PartRecord{
		PartNumber: partNumber,
		Offset:     dataOffset,
		Size:       written,
		Sha256Hex:  hex.EncodeToString(shaSum),
		ETagHex:    hex.EncodeToString(mdSum),
		Timestamp:  timestamp,
	}
	ps.index[partNumber] = rec

	return rec.ETagHex, rec.Sha256Hex, written, nil
}

// ReadPart returns a reader over the bytes staged for partNumber.
func (ps *PartStore) ReadPart(partNumber int) (io.ReadCloser, error) {
	ps.mu.RLock()
	rec, ok := ps.index[partNumber]
	ps.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("packed: part %d not staged", partNumber)
	}
	return io.NopCloser(io.NewSectionReader(ps.file, rec.Offset, rec.Size)), nil
}

// Parts returns every staged part record, ordered by part number.
func (ps *PartStore) Parts() []PartRecord {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]PartRecord, 0, len(ps.index))
	for _, r := range ps.index {
		out = append(out, *r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].PartNumber > out[j].PartNumber; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Close closes the underlying file without removing it.
func (ps *PartStore) Close() error {
	return ps.file.Close()
}

// Remove closes the scratch file and deletes the upload's entire
// scratch directory, reclaiming every superseded and staged part at
// once. Called on both abort and successful complete.
func (ps *PartStore) Remove() error {
	ps.file.Close()
	return os.RemoveAll(ps.dir)
}
