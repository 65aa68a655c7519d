package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/openendpoint/openendpoints3/internal/engine"
	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/reqctx"
	"github.com/openendpoint/openendpoints3/internal/storage"
	s3types "github.com/openendpoint/openendpoints3/pkg/s3types"
)

func (r *Router) handleCreateMultipartUpload(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if _, ok := r.authorize(w, req, bucket, actionPutObject, resourceARN(bucket, key)); !ok {
		return
	}
	principal := reqctx.FromContext(req.Context()).PrincipalOrAnonymous()

	upload, err := r.engine.CreateMultipartUpload(req.Context(), engine.CreateMultipartUploadInput{
		Bucket:       bucket,
		Key:          key,
		ContentType:  req.Header.Get("Content-Type"),
		UserMetadata: userMetadataFromHeaders(req.Header),
		Owner:        principal,
	})
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	r.writeXML(w, http.StatusOK, s3types.InitiateMultipartUploadResult{
		Xmlns: s3Namespace, Bucket: bucket, Key: key, UploadID: upload.UploadID,
	})
}

func (r *Router) handleUploadPart(w http.ResponseWriter, req *http.Request, bucket, key, uploadID string) {
	if _, ok := r.authorize(w, req, bucket, actionPutObject, resourceARN(bucket, key)); !ok {
		return
	}
	partNumber, err := strconv.Atoi(req.URL.Query().Get("partNumber"))
	if err != nil || partNumber < 1 {
		r.writeError(w, ErrInvalidArgument, req.URL.Path)
		return
	}

	if src := req.Header.Get("x-amz-copy-source"); src != "" {
		srcBucket, srcKey, srcVersionID, err := parseCopySource(src)
		if err != nil {
			r.writeError(w, ErrInvalidArgument, req.URL.Path)
			return
		}
		if _, ok := r.authorize(w, req, srcBucket, actionGetObject, resourceARN(srcBucket, srcKey)); !ok {
			return
		}
		rng, err := parseCopySourceRange(req.Header.Get("x-amz-copy-source-range"))
		if err != nil {
			r.writeError(w, ErrInvalidRange, req.URL.Path)
			return
		}
		part, err := r.engine.UploadPartCopy(req.Context(), bucket, key, uploadID, partNumber, srcBucket, srcKey, srcVersionID, rng)
		if err != nil {
			r.writeEngineError(w, req, err)
			return
		}
		r.writeXML(w, http.StatusOK, s3types.CopyObjectResult{Xmlns: s3Namespace, ETag: part.ETag})
		return
	}

	part, err := r.engine.UploadPart(req.Context(), bucket, key, uploadID, partNumber, req.Body)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

// parseCopySourceRange parses the "x-amz-copy-source-range" header,
// same "bytes=a-b" shape as Range but always with an explicit end and
// no source size to validate against at parse time.
func parseCopySourceRange(header string) (*storage.Range, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("api: unsupported range unit")
	}
	parts := strings.SplitN(strings.TrimPrefix(header, prefix), "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("api: malformed range")
	}
	a, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("api: malformed range start: %w", err)
	}
	b, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("api: malformed range end: %w", err)
	}
	if a < 0 || a > b {
		return nil, fmt.Errorf("api: range not satisfiable")
	}
	return &storage.Range{Start: a, End: b + 1}, nil
}

func (r *Router) handleCompleteMultipartUpload(w http.ResponseWriter, req *http.Request, bucket, key, uploadID string) {
	if _, ok := r.authorize(w, req, bucket, actionPutObject, resourceARN(bucket, key)); !ok {
		return
	}
	body, err := readBody(req)
	if err != nil {
		r.writeError(w, ErrMaxMessageLengthExceeded, req.URL.Path)
		return
	}
	var in s3types.CompleteMultipartUpload
	if err := xmlUnmarshal(body, &in); err != nil {
		r.writeError(w, ErrMalformedXML, req.URL.Path)
		return
	}
	parts := make([]metadata.PartInfo, len(in.Parts))
	for i, p := range in.Parts {
		parts[i] = metadata.PartInfo{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	meta, err := r.engine.CompleteMultipartUpload(req.Context(), bucket, key, uploadID, parts)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	r.writeXML(w, http.StatusOK, s3types.CompleteMultipartUploadResult{
		Xmlns: s3Namespace, Bucket: bucket, Key: key, ETag: meta.ETag,
	})
}

func (r *Router) handleAbortMultipartUpload(w http.ResponseWriter, req *http.Request, bucket, key, uploadID string) {
	if _, ok := r.authorize(w, req, bucket, actionPutObject, resourceARN(bucket, key)); !ok {
		return
	}
	if err := r.engine.AbortMultipartUpload(req.Context(), bucket, key, uploadID); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleListParts(w http.ResponseWriter, req *http.Request, bucket, key, uploadID string) {
	if _, ok := r.authorize(w, req, bucket, actionListMultipartUploadParts, resourceARN(bucket, key)); !ok {
		return
	}
	parts, err := r.engine.ListParts(req.Context(), bucket, key, uploadID)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	out := s3types.ListPartsResult{Xmlns: s3Namespace, Bucket: bucket, Key: key, UploadID: uploadID}
	for _, p := range parts {
		out.Part = append(out.Part, s3types.Part{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size})
	}
	r.writeXML(w, http.StatusOK, out)
}

func (r *Router) handleListMultipartUploads(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionListMultipartUploads, resourceARN(bucket, "")); !ok {
		return
	}
	uploads, err := r.engine.ListMultipartUploads(req.Context(), bucket, req.URL.Query().Get("prefix"))
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	out := s3types.ListMultipartUploadsResult{Xmlns: s3Namespace, Bucket: bucket}
	for _, u := range uploads {
		out.Upload = append(out.Upload, s3types.Upload{
			Key: u.Key, UploadID: u.UploadID, Initiated: formatLastModified(u.CreatedAt),
		})
	}
	r.writeXML(w, http.StatusOK, out)
}
