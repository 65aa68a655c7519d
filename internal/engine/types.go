package engine

import (
	"io"

	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/storage"
)

// PutObjectInput is the input to PutObject.
type PutObjectInput struct {
	Bucket        string
	Key           string
	Body          io.Reader
	ContentType   string
	UserMetadata  map[string]string
	Owner         string
	ContentSHA256 string // x-amz-content-sha256, empty if not sent
}

// GetObjectInput is the input to GetObject and HeadObject.
type GetObjectInput struct {
	Bucket    string
	Key       string
	VersionID string // empty resolves to latest
	Range     *storage.Range
}

// GetObjectOutput is the result of GetObject.
type GetObjectOutput struct {
	Meta *metadata.ObjectMetadata
	Body io.ReadCloser
}

// DeleteObjectInput is the input to DeleteObject.
type DeleteObjectInput struct {
	Bucket    string
	Key       string
	VersionID string // empty deletes/marks the latest version
}

// DeleteObjectOutput is the result of DeleteObject.
type DeleteObjectOutput struct {
	VersionID      string
	IsDeleteMarker bool
}

// DeleteObjectsInput is the input to the bulk DeleteObjects operation.
type DeleteObjectsInput struct {
	Bucket  string
	Objects []DeleteObjectInput
}

// DeletedObject reports one key's outcome within a bulk delete.
type DeletedObject struct {
	Key            string
	VersionID      string
	IsDeleteMarker bool
	Error          error
}

// CopyObjectInput is the input to CopyObject.
type CopyObjectInput struct {
	SrcBucket       string
	SrcKey          string
	SrcVersionID    string
	DstBucket       string
	DstKey          string
	Owner           string
	ReplaceMetadata bool
	ContentType     string
	UserMetadata    map[string]string
}

// ListObjectsInput is the input to ListObjects (v1/v2 listing).
type ListObjectsInput struct {
	Bucket    string
	Prefix    string
	Delimiter string
	Marker    string // marker (v1) or continuation-token (v2)
	MaxKeys   int
}

// ListObjectsOutput is the result of ListObjects.
type ListObjectsOutput struct {
	Objects        []metadata.ObjectMetadata
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

// ListObjectVersionsInput is the input to ListObjectVersions.
type ListObjectVersionsInput struct {
	Bucket          string
	Prefix          string
	Delimiter       string
	KeyMarker       string
	VersionIDMarker string
	MaxKeys         int
}

// ListObjectVersionsOutput is the result of ListObjectVersions.
type ListObjectVersionsOutput struct {
	Versions            []metadata.ObjectMetadata
	CommonPrefixes      []string
	IsTruncated         bool
	NextKeyMarker       string
	NextVersionIDMarker string
}
