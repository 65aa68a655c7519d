package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/openendpoint/openendpoints3/internal/engine"
	"github.com/openendpoint/openendpoints3/internal/iam"
	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/reqctx"
	s3types "github.com/openendpoint/openendpoints3/pkg/s3types"
)

// handleListBuckets serves GET /, listing every bucket owned by the
// authenticated principal. Anonymous callers never own a bucket, so
// the result is always empty for them rather than an error.
func (r *Router) handleListBuckets(w http.ResponseWriter, req *http.Request) {
	principal := reqctx.FromContext(req.Context()).Principal
	if principal == nil {
		r.writeXML(w, http.StatusOK, s3types.ListAllMyBucketsResult{
			Xmlns: s3Namespace,
			Owner: &s3types.Owner{},
		})
		return
	}

	buckets, err := r.engine.ListBuckets(req.Context())
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}

	out := s3types.ListAllMyBucketsResult{
		Xmlns: s3Namespace,
		Owner: &s3types.Owner{ID: *principal, DisplayName: *principal},
	}
	for _, b := range buckets {
		if b.Owner != *principal {
			continue
		}
		out.Buckets.Bucket = append(out.Buckets.Bucket, s3types.Bucket{
			Name:         b.Name,
			CreationDate: formatLastModified(b.CreatedAt),
		})
	}
	r.writeXML(w, http.StatusOK, out)
}

// handleCreateBucket serves PUT /{bucket}. Bucket creation has no
// owner yet to authorize against, so it only requires authentication.
func (r *Router) handleCreateBucket(w http.ResponseWriter, req *http.Request, bucket string) {
	principal := reqctx.FromContext(req.Context()).Principal
	if principal == nil {
		r.writeError(w, ErrAccessDenied, req.URL.Path)
		return
	}
	if err := r.engine.CreateBucket(req.Context(), bucket, *principal); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	doc, err := cannedACLDoc(req, *principal)
	if err != nil {
		r.writeError(w, ErrInvalidArgument, req.URL.Path)
		return
	}
	if doc != nil {
		if err := r.engine.PutBucketACL(req.Context(), bucket, doc); err != nil {
			r.writeEngineError(w, req, err)
			return
		}
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleDeleteBucket(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionDeleteBucket, resourceARN(bucket, "")); !ok {
		return
	}
	if err := r.engine.DeleteBucket(req.Context(), bucket); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleHeadBucket(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionListBucket, resourceARN(bucket, "")); !ok {
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- bucket policy ---

func (r *Router) handleGetBucketPolicy(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionGetBucketPolicy, resourceARN(bucket, "")); !ok {
		return
	}
	doc, err := r.engine.GetBucketPolicy(req.Context(), bucket)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	if doc == nil {
		r.writeError(w, ErrNoSuchBucketPolicy, req.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(*doc))
}

func (r *Router) handlePutBucketPolicy(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionPutBucketPolicy, resourceARN(bucket, "")); !ok {
		return
	}
	body, err := readBody(req)
	if err != nil {
		r.writeError(w, ErrMaxMessageLengthExceeded, req.URL.Path)
		return
	}
	if !json.Valid(body) {
		r.writeError(w, ErrMalformedPolicy, req.URL.Path)
		return
	}
	doc := string(body)
	if err := r.engine.PutBucketPolicy(req.Context(), bucket, &doc); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleDeleteBucketPolicy(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionDeleteBucketPolicy, resourceARN(bucket, "")); !ok {
		return
	}
	if err := r.engine.DeleteBucketPolicy(req.Context(), bucket); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- bucket ACL ---

func (r *Router) handleGetBucketACL(w http.ResponseWriter, req *http.Request, bucket string) {
	bm, ok := r.authorize(w, req, bucket, actionGetBucketACL, resourceARN(bucket, ""))
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

func (r *Router) handlePutBucketACL(w http.ResponseWriter, req *http.Request, bucket string) {
	bm, ok := r.authorize(w, req, bucket, actionPutBucketACL, resourceARN(bucket, ""))
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

// --- bucket tagging ---

func (r *Router) handleGetBucketTags(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionGetBucketTagging, resourceARN(bucket, "")); !ok {
		return
	}
	tags, err := r.engine.GetBucketTags(req.Context(), bucket)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	r.writeXML(w, http.StatusOK, taggingFromMap(tags))
}

func (r *Router) handlePutBucketTags(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionPutBucketTagging, resourceARN(bucket, "")); !ok {
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
	if err := r.engine.PutBucketTags(req.Context(), bucket, tags); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleDeleteBucketTags(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionDeleteBucketTagging, resourceARN(bucket, "")); !ok {
		return
	}
	if err := r.engine.DeleteBucketTags(req.Context(), bucket); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- bucket versioning ---

func (r *Router) handleGetBucketVersioning(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionGetBucketVersioning, resourceARN(bucket, "")); !ok {
		return
	}
	v, err := r.engine.GetBucketVersioning(req.Context(), bucket)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	out := s3types.VersioningConfiguration{Xmlns: s3Namespace}
	if v != nil {
		out.Status = v.Status
	}
	r.writeXML(w, http.StatusOK, out)
}

func (r *Router) handlePutBucketVersioning(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionPutBucketVersioning, resourceARN(bucket, "")); !ok {
		return
	}
	body, err := readBody(req)
	if err != nil {
		r.writeError(w, ErrMaxMessageLengthExceeded, req.URL.Path)
		return
	}
	var cfg s3types.VersioningConfiguration
	if err := xmlUnmarshal(body, &cfg); err != nil {
		r.writeError(w, ErrMalformedXML, req.URL.Path)
		return
	}
	if cfg.Status != "Enabled" && cfg.Status != "Suspended" {
		r.writeError(w, ErrInvalidArgument, req.URL.Path)
		return
	}
	if err := r.engine.PutBucketVersioning(req.Context(), bucket, &metadata.BucketVersioning{Status: cfg.Status}); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- bucket lifecycle ---

func (r *Router) handleGetBucketLifecycle(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionGetLifecycleConfig, resourceARN(bucket, "")); !ok {
		return
	}
	rules, err := r.engine.GetBucketLifecycle(req.Context(), bucket)
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	r.writeXML(w, http.StatusOK, lifecycleConfigFromRules(rules))
}

func (r *Router) handlePutBucketLifecycle(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionPutLifecycleConfig, resourceARN(bucket, "")); !ok {
		return
	}
	body, err := readBody(req)
	if err != nil {
		r.writeError(w, ErrMaxMessageLengthExceeded, req.URL.Path)
		return
	}
	var cfg s3types.LifecycleConfiguration
	if err := xmlUnmarshal(body, &cfg); err != nil {
		r.writeError(w, ErrMalformedXML, req.URL.Path)
		return
	}
	if err := r.engine.PutBucketLifecycle(req.Context(), bucket, rulesFromLifecycleConfig(cfg)); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleDeleteBucketLifecycle(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionPutLifecycleConfig, resourceARN(bucket, "")); !ok {
		return
	}
	if err := r.engine.DeleteBucketLifecycle(req.Context(), bucket); err != nil {
		r.writeEngineError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- object listing ---

func (r *Router) handleListObjects(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionListBucket, resourceARN(bucket, "")); !ok {
		return
	}
	q := req.URL.Query()
	maxKeys, _ := strconv.Atoi(q.Get("max-keys"))
	v2 := q.Get("list-type") == "2"
	marker := q.Get("marker")
	if v2 {
		marker = q.Get("continuation-token")
	}

	out, err := r.engine.ListObjects(req.Context(), engine.ListObjectsInput{
		Bucket:    bucket,
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		Marker:    marker,
		MaxKeys:   maxKeys,
	})
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}

	result := s3types.ListBucketResult{
		Xmlns:       s3Namespace,
		Name:        bucket,
		Prefix:      q.Get("prefix"),
		Delimiter:   q.Get("delimiter"),
		MaxKeys:     clampDefault(maxKeys),
		IsTruncated: out.IsTruncated,
	}
	for _, o := range out.Objects {
		result.Contents = append(result.Contents, s3types.Content{
			Key: o.Key, LastModified: formatLastModified(o.LastModified),
			ETag: o.ETag, Size: o.Size, StorageClass: "STANDARD",
		})
	}
	for _, p := range out.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, s3types.CommonPrefix{Prefix: p})
	}
	if v2 {
		result.KeyCount = len(out.Objects) + len(out.CommonPrefixes)
		result.ContinuationToken = q.Get("continuation-token")
		if out.IsTruncated {
			result.NextContinuationToken = out.NextMarker
		}
	} else {
		result.Marker = marker
		if out.IsTruncated {
			result.NextMarker = out.NextMarker
		}
	}
	r.writeXML(w, http.StatusOK, result)
}

func (r *Router) handleListObjectVersions(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionListBucketVersions, resourceARN(bucket, "")); !ok {
		return
	}
	q := req.URL.Query()
	maxKeys, _ := strconv.Atoi(q.Get("max-keys"))

	out, err := r.engine.ListObjectVersions(req.Context(), engine.ListObjectVersionsInput{
		Bucket:          bucket,
		Prefix:          q.Get("prefix"),
		Delimiter:       q.Get("delimiter"),
		KeyMarker:       q.Get("key-marker"),
		VersionIDMarker: q.Get("version-id-marker"),
		MaxKeys:         maxKeys,
	})
	if err != nil {
		r.writeEngineError(w, req, err)
		return
	}

	result := s3types.ListVersionsResult{
		Xmlns:           s3Namespace,
		Name:            bucket,
		Prefix:          q.Get("prefix"),
		Delimiter:       q.Get("delimiter"),
		KeyMarker:       q.Get("key-marker"),
		VersionIDMarker: q.Get("version-id-marker"),
		MaxKeys:         clampDefault(maxKeys),
		IsTruncated:     out.IsTruncated,
	}
	for _, v := range out.Versions {
		if v.IsDeleteMarker {
			result.DeleteMarkers = append(result.DeleteMarkers, s3types.DeleteMarkerEntry{
				Key: v.Key, VersionID: v.VersionID, IsLatest: v.IsLatest,
				LastModified: formatLastModified(v.LastModified),
			})
			continue
		}
		result.Versions = append(result.Versions, s3types.VersionEntry{
			Key: v.Key, VersionID: v.VersionID, IsLatest: v.IsLatest,
			LastModified: formatLastModified(v.LastModified), ETag: v.ETag,
			Size: v.Size, StorageClass: "STANDARD",
		})
	}
	for _, p := range out.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, s3types.CommonPrefix{Prefix: p})
	}
	if out.IsTruncated {
		result.NextKeyMarker = out.NextKeyMarker
		result.NextVersionIDMarker = out.NextVersionIDMarker
	}
	r.writeXML(w, http.StatusOK, result)
}

func clampDefault(n int) int {
	if n <= 0 || n > 1000 {
		return 1000
	}
	return n
}

// --- bulk delete ---

func (r *Router) handleDeleteObjects(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, ok := r.authorize(w, req, bucket, actionDeleteObject, resourceARN(bucket, "*")); !ok {
		return
	}
	body, err := readBody(req)
	if err != nil {
		r.writeError(w, ErrMaxMessageLengthExceeded, req.URL.Path)
		return
	}
	var in s3types.DeleteObjectsRequest
	if err := xmlUnmarshal(body, &in); err != nil {
		r.writeError(w, ErrMalformedXML, req.URL.Path)
		return
	}

	objects := make([]engine.DeleteObjectInput, len(in.Objects))
	for i, o := range in.Objects {
		objects[i] = engine.DeleteObjectInput{Key: o.Key, VersionID: o.VersionID}
	}
	results := r.engine.DeleteObjects(req.Context(), engine.DeleteObjectsInput{Bucket: bucket, Objects: objects})

	out := s3types.DeleteObjectsResult{}
	for _, res := range results {
		if res.Error != nil {
			out.Errors = append(out.Errors, s3types.DeleteError{
				Key: res.Key, VersionID: res.VersionID,
				Code: "InternalError", Message: res.Error.Error(),
			})
			continue
		}
		if in.Quiet {
			continue
		}
		out.Deleted = append(out.Deleted, s3types.DeletedObject{
			Key: res.Key, VersionID: res.VersionID,
			DeleteMarker: res.IsDeleteMarker,
		})
	}
	r.writeXML(w, http.StatusOK, out)
}
