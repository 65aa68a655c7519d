package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openendpoint/openendpoints3/internal/engine"
	"github.com/openendpoint/openendpoints3/internal/iam"
	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/reqctx"
	"github.com/openendpoint/openendpoints3/internal/storage"
	s3types "github.com/openendpoint/openendpoints3/pkg/s3types"
)

var errInvalidCopySource = errors.New("api: malformed x-amz-copy-source header")

func (r *Router) handlePutObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	bm, ok := r.authorize(w, req, bucket, actionPutObject, resourceARN(bucket, key))
	if !ok {
		return
	}
	principal := reqctx.FromContext(req.Context()).PrincipalOrAnonymous()

	cannedDoc, err := cannedACLDoc(req, bm.Owner)
	if err != nil {
		r.writeError(w, ErrInvalidArgument, req.URL.Path)
		return
	}

	meta, err := r.engine.PutObject(req.Context(), engine.PutObjectInput{
		Bucket:        bucket,
		Key:           key,
		Body:          req.Body,
		ContentType:   req.Header.Get("Content-Type"),
		UserMetadata:  userMetadataFromHeaders(req.Header),
		Owner:         principal,
		ContentSHA256: req.Header.Get("x-amz-content-sha256"),
	})
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	if cannedDoc != nil {
		if err := r.engine.PutBucketACL(req.Context(), bucket, cannedDoc); err != nil {
			r.writeEngineError(w, req, err)
			return
		}
	}
	w.Header().Set("ETag", meta.ETag)
	if meta.VersionID != "" && meta.VersionID != "null" {
		w.Header().Set("x-amz-version-id", meta.VersionID)
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleCopyObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if _, ok := r.authorize(w, req, bucket, actionPutObject, resourceARN(bucket, key)); !ok {
		return
	}
	srcBucket, srcKey, srcVersionID, err := parseCopySource(req.Header.Get("x-amz-copy-source"))
	if err != nil {
		r.writeError(w, ErrInvalidArgument, req.URL.Path)
		return
	}
	if _, ok := r.authorize(w, req, srcBucket, actionGetObject, resourceARN(srcBucket, srcKey)); !ok {
		return
	}

	principal := reqctx.FromContext(req.Context()).PrincipalOrAnonymous()
	replace := req.Header.Get("x-amz-metadata-directive") == "REPLACE"

	meta, err := r.engine.CopyObject(req.Context(), engine.CopyObjectInput{
		SrcBucket: srcBucket, SrcKey: srcKey, SrcVersionID: srcVersionID,
		DstBucket: bucket, DstKey: key, Owner: principal,
		ReplaceMetadata: replace,
		ContentType:     req.Header.Get("Content-Type"),
		UserMetadata:    userMetadataFromHeaders(req.Header),
	})
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	if meta.VersionID != "" && meta.VersionID != "null" {
		w.Header().Set("x-amz-version-id", meta.VersionID)
	}
	r.writeXML(w, http.StatusOK, s3types.CopyObjectResult{
		Xmlns: s3Namespace, LastModified: formatLastModified(meta.LastModified), ETag: meta.ETag,
	})
}

// parseCopySource parses the "x-amz-copy-source" header, which is
// "/bucket/key" or "/bucket/key?versionId=..." with the key percent-encoded.
func parseCopySource(header string) (bucket, key, versionID string, err error) {
	header = strings.TrimPrefix(header, "/")
	path, query, _ := strings.Cut(header, "?")
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return "", "", "", errInvalidCopySource
	}
	bucket = path[:idx]
	key, err = url.QueryUnescape(path[idx+1:])
	if err != nil {
		return "", "", "", err
	}
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return "", "", "", err
		}
		versionID = values.Get("versionId")
	}
	return bucket, key, versionID, nil
}

func (r *Router) handleGetObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if _, ok := r.authorize(w, req, bucket, actionGetObject, resourceARN(bucket, key)); !ok {
		return
	}
	versionID := req.URL.Query().Get("versionId")

	head, err := r.engine.HeadObject(req.Context(), bucket, key, versionID)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	rng, err := parseRange(req.Header.Get("Range"), head.Size)
	if err != nil {
		r.writeError(w, ErrInvalidRange, req.URL.Path)
		return
	}

	out, err := r.engine.GetObject(req.Context(), engine.GetObjectInput{Bucket: bucket, Key: key, VersionID: versionID, Range: rng})
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	defer out.Body.Close()

	writeObjectHeaders(w, out.Meta)
	status := http.StatusOK
	if rng != nil {
		w.Header().Set("Content-Range", contentRangeHeader(*rng, out.Meta.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(rng.End-rng.Start, 10))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	_, _ = io.Copy(w, out.Body)
}

func (r *Router) handleHeadObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if _, ok := r.authorize(w, req, bucket, actionGetObject, resourceARN(bucket, key)); !ok {
		return
	}
	versionID := req.URL.Query().Get("versionId")
	meta, err := r.engine.HeadObject(req.Context(), bucket, key, versionID)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	writeObjectHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
}

func writeObjectHeaders(w http.ResponseWriter, meta *metadata.ObjectMetadata) {
	h := w.Header()
	h.Set("ETag", meta.ETag)
	h.Set("Last-Modified", formatHTTPDate(meta.LastModified))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if meta.ContentType != "" {
		h.Set("Content-Type", meta.ContentType)
	}
	if meta.VersionID != "" && meta.VersionID != "null" {
		h.Set("x-amz-version-id", meta.VersionID)
	}
	for k, v := range meta.UserMetadata {
		h.Set("x-amz-meta-"+k, v)
	}
}

func formatHTTPDate(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format(http.TimeFormat)
}

func (r *Router) handleDeleteObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if _, ok := r.authorize(w, req, bucket, actionDeleteObject, resourceARN(bucket, key)); !ok {
		return
	}
	versionID := req.URL.Query().Get("versionId")
	out, err := r.engine.DeleteObject(req.Context(), engine.DeleteObjectInput{Bucket: bucket, Key: key, VersionID: versionID})
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	if out.IsDeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	if out.VersionID != "" && out.VersionID != "null" {
		w.Header().Set("x-amz-version-id", out.VersionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- object ACL ---
// Object-level ACL is not modeled separately from bucket ACL in this
// store, so both routes proxy to the bucket's ACL document.

func (r *Router) handleGetObjectACL(w http.ResponseWriter, req *http.Request, bucket, key string) {
	bm, ok := r.authorize(w, req, bucket, actionGetObjectACL, resourceARN(bucket, key))
	if !ok {
		return
	}
	doc, err := r.engine.GetBucketACL(req.Context(), bucket)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	body := ""
	if doc != nil {
		body = *doc
	} else {
		body = iam.NewACL(bm.Owner, bm.Owner).ToXML()
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (r *Router) handlePutObjectACL(w http.ResponseWriter, req *http.Request, bucket, key string) {
	bm, ok := r.authorize(w, req, bucket, actionPutObjectACL, resourceARN(bucket, key))
	if !ok {
		return
	}

	if cannedDoc, err := cannedACLDoc(req, bm.Owner); err != nil {
		r.writeError(w, ErrInvalidArgument, req.URL.Path)
		return
	} else if cannedDoc != nil {
		if err := r.engine.PutBucketACL(req.Context(), bucket, cannedDoc); err != nil {
			r.writeEngineError(w, req, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := readBody(req)
	if err != nil {
		r.writeError(w, ErrMaxMessageLengthExceeded, req.URL.Path)
		return
	}
	if _, err := iam.ParseACL(body); err != nil {
		r.writeError(w, ErrMalformedXML, req.URL.Path)
		return
	}
	doc := string(body)
	if err := r.engine.PutBucketACL(req.Context(), bucket, &doc); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- object tagging ---

func (r *Router) handleGetObjectTags(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if _, ok := r.authorize(w, req, bucket, actionGetObjectTagging, resourceARN(bucket, key)); !ok {
		return
	}
	versionID := req.URL.Query().Get("versionId")
	tags, err := r.engine.GetObjectTags(req.Context(), bucket, key, versionID)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	r.writeXML(w, http.StatusOK, taggingFromMap(tags))
}

func (r *Router) handlePutObjectTags(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if _, ok := r.authorize(w, req, bucket, actionPutObjectTagging, resourceARN(bucket, key)); !ok {
		return
	}
	body, err := readBody(req)
	if err != nil {
		r.writeError(w, ErrMaxMessageLengthExceeded, req.URL.Path)
		return
	}
	tags, err := readTagging(body)
	if err != nil {
		r.writeError(w, ErrMalformedXML, req.URL.Path)
		return
	}
	versionID := req.URL.Query().Get("versionId")
	if err := r.engine.PutObjectTags(req.Context(), bucket, key, versionID, tags); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleDeleteObjectTags(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if _, ok := r.authorize(w, req, bucket, actionDeleteObjectTagging, resourceARN(bucket, key)); !ok {
		return
	}
	versionID := req.URL.Query().Get("versionId")
	if err := r.engine.DeleteObjectTags(req.Context(), bucket, key, versionID); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func contentRangeHeader(rng storage.Range, size int64) string {
	return "bytes " + strconv.FormatInt(rng.Start, 10) + "-" + strconv.FormatInt(rng.End-1, 10) + "/" + strconv.FormatInt(size, 10)
}
