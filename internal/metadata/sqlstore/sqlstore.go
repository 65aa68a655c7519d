// Package sqlstore is the embedded-SQL implementation of metadata.Store,
// backed by database/sql and github.com/mattn/go-sqlite3.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/metadata"
)

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bucket_versioning (
	bucket TEXT PRIMARY KEY,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bucket_policies (
	bucket TEXT PRIMARY KEY,
	document TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bucket_acls (
	bucket TEXT PRIMARY KEY,
	document TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bucket_lifecycle (
	bucket TEXT PRIMARY KEY,
	document TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bucket_tags (
	bucket TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (bucket, key)
);

CREATE TABLE IF NOT EXISTS objects (
	bucket TEXT NOT NULL,
	key TEXT NOT NULL,
	version_id TEXT NOT NULL,
	size INTEGER NOT NULL,
	sha256 TEXT NOT NULL,
	etag TEXT NOT NULL,
	content_type TEXT NOT NULL,
	user_metadata TEXT NOT NULL,
	owner TEXT NOT NULL,
	is_latest INTEGER NOT NULL,
	is_delete_marker INTEGER NOT NULL,
	last_modified INTEGER NOT NULL,
	became_noncurrent_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket, key, version_id)
);
CREATE INDEX IF NOT EXISTS idx_objects_latest ON objects (bucket, key, is_latest);
CREATE INDEX IF NOT EXISTS idx_objects_listing ON objects (bucket, key, last_modified DESC);

CREATE TABLE IF NOT EXISTS object_tags (
	bucket TEXT NOT NULL,
	key TEXT NOT NULL,
	version_id TEXT NOT NULL,
	tag_key TEXT NOT NULL,
	tag_value TEXT NOT NULL,
	PRIMARY KEY (bucket, key, version_id, tag_key)
);

CREATE TABLE IF NOT EXISTS multipart_uploads (
	bucket TEXT NOT NULL,
	key TEXT NOT NULL,
	upload_id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	user_metadata TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mpu_bucket_key ON multipart_uploads (bucket, key);

CREATE TABLE IF NOT EXISTS multipart_parts (
	upload_id TEXT NOT NULL,
	part_number INTEGER NOT NULL,
	etag TEXT NOT NULL,
	size INTEGER NOT NULL,
	sha256 TEXT NOT NULL,
	PRIMARY KEY (upload_id, part_number)
);

CREATE TABLE IF NOT EXISTS blob_refs (
	bucket TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	refcount INTEGER NOT NULL,
	PRIMARY KEY (bucket, sha256)
);

CREATE TABLE IF NOT EXISTS users (
	access_key TEXT PRIMARY KEY,
	secret_key TEXT NOT NULL,
	username TEXT NOT NULL
);
`

// Store is the SQLite-backed metadata.Store.
type Store struct {
	write *sql.DB // single connection, serializes all mutations
	read  *sql.DB // pooled, read-only
	log   *zap.Logger
}

// Open opens (creating if needed) the metadata database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	write, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=off", path))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open write handle: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", path))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("sqlstore: open read pool: %w", err)
	}

	s := &Store{write: write, read: read, log: log}
	if _, err := write.Exec(schema); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return s, nil
}

// Close implements metadata.Store.
func (s *Store) Close() error {
	werr := s.write.Close()
	rerr := s.read.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func marshalMeta(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMeta(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

// --- Buckets ---

func (s *Store) CreateBucket(ctx context.Context, bucket, owner string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO buckets (name, owner, created_at) VALUES (?, ?, strftime('%s','now'))`,
		bucket, owner)
	return err
}

func (s *Store) DeleteBucket(ctx context.Context, bucket string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM buckets WHERE name = ?`,
		`DELETE FROM bucket_versioning WHERE bucket = ?`,
		`DELETE FROM bucket_policies WHERE bucket = ?`,
		`DELETE FROM bucket_acls WHERE bucket = ?`,
		`DELETE FROM bucket_lifecycle WHERE bucket = ?`,
		`DELETE FROM bucket_tags WHERE bucket = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, bucket); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetBucket(ctx context.Context, bucket string) (*metadata.BucketMetadata, error) {
	row := s.read.QueryRowContext(ctx, `SELECT name, owner, created_at FROM buckets WHERE name = ?`, bucket)
	var m metadata.BucketMetadata
	if err := row.Scan(&m.Name, &m.Owner, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, metadata.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListBuckets(ctx context.Context) ([]metadata.BucketMetadata, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT name, owner, created_at FROM buckets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []metadata.BucketMetadata
	for rows.Next() {
		var m metadata.BucketMetadata
		if err := rows.Scan(&m.Name, &m.Owner, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Objects ---

// PutObject inserts a new current version, demoting the previous latest
// (if any) within the same transaction and recording the instant it
// became noncurrent.
func (s *Store) PutObject(ctx context.Context, bucket, key string, meta *metadata.ObjectMetadata) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE objects SET is_latest = 0, became_noncurrent_at = ?
		 WHERE bucket = ? AND key = ? AND is_latest = 1`,
		meta.LastModified, bucket, key); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO objects (bucket, key, version_id, size, sha256, etag, content_type,
			user_metadata, owner, is_latest, is_delete_marker, last_modified, became_noncurrent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, 0)`,
		bucket, key, meta.VersionID, meta.Size, meta.Sha256, meta.ETag, meta.ContentType,
		marshalMeta(meta.UserMetadata), meta.Owner, boolInt(meta.IsDeleteMarker), meta.LastModified); err != nil {
		return err
	}

	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanObject(row interface{ Scan(...interface{}) error }) (*metadata.ObjectMetadata, error) {
	var m metadata.ObjectMetadata
	var userMeta string
	var isLatest, isDeleteMarker int
	if err := row.Scan(&m.Bucket, &m.Key, &m.VersionID, &m.Size, &m.Sha256, &m.ETag, &m.ContentType,
		&userMeta, &m.Owner, &isLatest, &isDeleteMarker, &m.LastModified, &m.BecameNoncurrentAt); err != nil {
		return nil, err
	}
	m.UserMetadata = unmarshalMeta(userMeta)
	m.IsLatest = isLatest != 0
	m.IsDeleteMarker = isDeleteMarker != 0
	return &m, nil
}

const objectCols = `bucket, key, version_id, size, sha256, etag, content_type, user_metadata, owner, is_latest, is_delete_marker, last_modified, became_noncurrent_at`

func (s *Store) GetObject(ctx context.Context, bucket, key, versionID string) (*metadata.ObjectMetadata, error) {
	var row *sql.Row
	if versionID == "" {
		row = s.read.QueryRowContext(ctx,
			`SELECT `+objectCols+` FROM objects WHERE bucket = ? AND key = ? AND is_latest = 1`, bucket, key)
	} else {
		row = s.read.QueryRowContext(ctx,
			`SELECT `+objectCols+` FROM objects WHERE bucket = ? AND key = ? AND version_id = ?`, bucket, key, versionID)
	}
	m, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, metadata.ErrNotFound
	}
	return m, err
}

func (s *Store) DeleteObject(ctx context.Context, bucket, key, versionID string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket = ? AND key = ? AND version_id = ?`, bucket, key, versionID)
	return err
}

func (s *Store) ListObjects(ctx context.Context, bucket, prefix string, opts metadata.ListOptions) ([]metadata.ObjectMetadata, error) {
	// key > marker covers both v1's exclusive Marker and v2's
	// ContinuationToken, since the token we hand back is always the last
	// key already returned rather than a would-be-next key.
	q := `SELECT ` + objectCols + ` FROM objects
	      WHERE bucket = ? AND is_latest = 1 AND is_delete_marker = 0 AND key LIKE ? ESCAPE '\'
	      AND key > ? ORDER BY key ASC`
	args := []interface{}{bucket, likeEscape(prefix) + "%", opts.Marker}
	if opts.MaxKeys > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.MaxKeys)
	}
	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObjects(rows)
}

func (s *Store) ListObjectVersions(ctx context.Context, bucket, prefix string, opts metadata.ListOptions) ([]metadata.ObjectMetadata, error) {
	q := `SELECT ` + objectCols + ` FROM objects
	      WHERE bucket = ? AND key LIKE ? ESCAPE '\' AND key >= ?
	      ORDER BY key ASC, last_modified DESC`
	args := []interface{}{bucket, likeEscape(prefix) + "%", opts.Marker}
	if opts.MaxKeys > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.MaxKeys*4) // versions per key, trimmed by engine
	}
	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObjects(rows)
}

func scanObjects(rows *sql.Rows) ([]metadata.ObjectMetadata, error) {
	var out []metadata.ObjectMetadata
	for rows.Next() {
		m, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// --- Blob refcounting ---

func (s *Store) IncrefBlob(ctx context.Context, bucket, sha256Hex string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO blob_refs (bucket, sha256, refcount) VALUES (?, ?, 1)
		 ON CONFLICT(bucket, sha256) DO UPDATE SET refcount = refcount + 1`,
		bucket, sha256Hex)
	return err
}

func (s *Store) DecrefBlob(ctx context.Context, bucket, sha256Hex string) (int, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var refs int
	err = tx.QueryRowContext(ctx, `SELECT refcount FROM blob_refs WHERE bucket = ? AND sha256 = ?`, bucket, sha256Hex).Scan(&refs)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	refs--
	if refs <= 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blob_refs WHERE bucket = ? AND sha256 = ?`, bucket, sha256Hex); err != nil {
			return 0, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE blob_refs SET refcount = ? WHERE bucket = ? AND sha256 = ?`, refs, bucket, sha256Hex); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return refs, nil
}

// --- Multipart uploads ---

func (s *Store) CreateMultipartUpload(ctx context.Context, bucket, key, uploadID string, meta *metadata.MultipartUploadMetadata) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO multipart_uploads (bucket, key, upload_id, owner, created_at, content_type, user_metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bucket, key, uploadID, meta.Owner, meta.CreatedAt, meta.ContentType, marshalMeta(meta.UserMetadata))
	return err
}

func (s *Store) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*metadata.MultipartUploadMetadata, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT bucket, key, upload_id, owner, created_at, content_type, user_metadata
		 FROM multipart_uploads WHERE bucket = ? AND key = ? AND upload_id = ?`, bucket, key, uploadID)
	var m metadata.MultipartUploadMetadata
	var userMeta string
	if err := row.Scan(&m.Bucket, &m.Key, &m.UploadID, &m.Owner, &m.CreatedAt, &m.ContentType, &userMeta); err != nil {
		if err == sql.ErrNoRows {
			return nil, metadata.ErrNotFound
		}
		return nil, err
	}
	m.UserMetadata = unmarshalMeta(userMeta)
	return &m, nil
}

func (s *Store) PutPart(ctx context.Context, bucket, key, uploadID string, meta *metadata.PartMetadata) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO multipart_parts (upload_id, part_number, etag, size, sha256) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(upload_id, part_number) DO UPDATE SET etag = excluded.etag, size = excluded.size, sha256 = excluded.sha256`,
		uploadID, meta.PartNumber, meta.ETag, meta.Size, meta.Sha256)
	return err
}

func (s *Store) ListParts(ctx context.Context, bucket, key, uploadID string) ([]metadata.PartMetadata, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT upload_id, part_number, etag, size, sha256 FROM multipart_parts WHERE upload_id = ? ORDER BY part_number ASC`,
		uploadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []metadata.PartMetadata
	for rows.Next() {
		var p metadata.PartMetadata
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.ETag, &p.Size, &p.Sha256); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListMultipartUploads(ctx context.Context, bucket, prefix string) ([]metadata.MultipartUploadMetadata, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT bucket, key, upload_id, owner, created_at, content_type, user_metadata
		 FROM multipart_uploads WHERE bucket = ? AND key LIKE ? ESCAPE '\' ORDER BY key ASC, created_at ASC`,
		bucket, likeEscape(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []metadata.MultipartUploadMetadata
	for rows.Next() {
		var m metadata.MultipartUploadMetadata
		var userMeta string
		if err := rows.Scan(&m.Bucket, &m.Key, &m.UploadID, &m.Owner, &m.CreatedAt, &m.ContentType, &userMeta); err != nil {
			return nil, err
		}
		m.UserMetadata = unmarshalMeta(userMeta)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return s.CompleteMultipartUpload(ctx, bucket, key, uploadID)
}

// --- Lifecycle ---

func (s *Store) PutLifecycleRules(ctx context.Context, bucket string, rules []metadata.LifecycleRule) error {
	b, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO bucket_lifecycle (bucket, document) VALUES (?, ?)
		 ON CONFLICT(bucket) DO UPDATE SET document = excluded.document`,
		bucket, string(b))
	return err
}

func (s *Store) GetLifecycleRules(ctx context.Context, bucket string) ([]metadata.LifecycleRule, error) {
	var doc string
	err := s.read.QueryRowContext(ctx, `SELECT document FROM bucket_lifecycle WHERE bucket = ?`, bucket).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rules []metadata.LifecycleRule
	if err := json.Unmarshal([]byte(doc), &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *Store) DeleteLifecycleRules(ctx context.Context, bucket string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM bucket_lifecycle WHERE bucket = ?`, bucket)
	return err
}

// --- Versioning ---

func (s *Store) PutBucketVersioning(ctx context.Context, bucket string, v *metadata.BucketVersioning) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO bucket_versioning (bucket, status) VALUES (?, ?)
		 ON CONFLICT(bucket) DO UPDATE SET status = excluded.status`,
		bucket, v.Status)
	return err
}

func (s *Store) GetBucketVersioning(ctx context.Context, bucket string) (*metadata.BucketVersioning, error) {
	var status string
	err := s.read.QueryRowContext(ctx, `SELECT status FROM bucket_versioning WHERE bucket = ?`, bucket).Scan(&status)
	if err == sql.ErrNoRows {
		return &metadata.BucketVersioning{Status: ""}, nil
	}
	if err != nil {
		return nil, err
	}
	return &metadata.BucketVersioning{Status: status}, nil
}

// --- Policy ---

func (s *Store) PutBucketPolicy(ctx context.Context, bucket string, policy *string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO bucket_policies (bucket, document) VALUES (?, ?)
		 ON CONFLICT(bucket) DO UPDATE SET document = excluded.document`,
		bucket, *policy)
	return err
}

func (s *Store) GetBucketPolicy(ctx context.Context, bucket string) (*string, error) {
	var doc string
	err := s.read.QueryRowContext(ctx, `SELECT document FROM bucket_policies WHERE bucket = ?`, bucket).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) DeleteBucketPolicy(ctx context.Context, bucket string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM bucket_policies WHERE bucket = ?`, bucket)
	return err
}

// --- ACL ---

func (s *Store) PutBucketACL(ctx context.Context, bucket string, acl *string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO bucket_acls (bucket, document) VALUES (?, ?)
		 ON CONFLICT(bucket) DO UPDATE SET document = excluded.document`,
		bucket, *acl)
	return err
}

func (s *Store) GetBucketACL(ctx context.Context, bucket string) (*string, error) {
	var doc string
	err := s.read.QueryRowContext(ctx, `SELECT document FROM bucket_acls WHERE bucket = ?`, bucket).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// --- Tags ---

func (s *Store) PutBucketTags(ctx context.Context, bucket string, tags map[string]string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM bucket_tags WHERE bucket = ?`, bucket); err != nil {
		return err
	}
	for k, v := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO bucket_tags (bucket, key, value) VALUES (?, ?, ?)`, bucket, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetBucketTags(ctx context.Context, bucket string) (map[string]string, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT key, value FROM bucket_tags WHERE bucket = ?`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) DeleteBucketTags(ctx context.Context, bucket string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM bucket_tags WHERE bucket = ?`, bucket)
	return err
}

func (s *Store) PutObjectTags(ctx context.Context, bucket, key, versionID string, tags map[string]string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM object_tags WHERE bucket = ? AND key = ? AND version_id = ?`, bucket, key, versionID); err != nil {
		return err
	}
	for k, v := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO object_tags (bucket, key, version_id, tag_key, tag_value) VALUES (?, ?, ?, ?, ?)`,
			bucket, key, versionID, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetObjectTags(ctx context.Context, bucket, key, versionID string) (map[string]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT tag_key, tag_value FROM object_tags WHERE bucket = ? AND key = ? AND version_id = ?`,
		bucket, key, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) DeleteObjectTags(ctx context.Context, bucket, key, versionID string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM object_tags WHERE bucket = ? AND key = ? AND version_id = ?`, bucket, key, versionID)
	return err
}

// --- Users ---

func (s *Store) GetUser(ctx context.Context, accessKey string) (*metadata.User, error) {
	row := s.read.QueryRowContext(ctx, `SELECT access_key, secret_key, username FROM users WHERE access_key = ?`, accessKey)
	var u metadata.User
	if err := row.Scan(&u.AccessKey, &u.SecretKey, &u.Username); err != nil {
		if err == sql.ErrNoRows {
			return nil, metadata.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) PutUser(ctx context.Context, u *metadata.User) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (access_key, secret_key, username) VALUES (?, ?, ?)
		 ON CONFLICT(access_key) DO UPDATE SET secret_key = excluded.secret_key, username = excluded.username`,
		u.AccessKey, u.SecretKey, u.Username)
	return err
}

var _ metadata.Store = (*Store)(nil)
