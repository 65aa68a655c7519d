package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/openendpoint/openendpoints3/internal/auth"
	"github.com/openendpoint/openendpoints3/internal/engine"
	"github.com/openendpoint/openendpoints3/internal/iam"
	"github.com/openendpoint/openendpoints3/internal/metadata"
	"github.com/openendpoint/openendpoints3/internal/reqctx"
	"github.com/openendpoint/openendpoints3/internal/storage"
	"github.com/openendpoint/openendpoints3/pkg/byteutil"
	s3types "github.com/openendpoint/openendpoints3/pkg/s3types"
)

// maxRequestBodySize limits the in-memory body read for XML/JSON
// subresource bodies (policy, ACL, tagging, lifecycle, versioning,
// bulk-delete). Object bodies are always streamed, never buffered here.
const maxRequestBodySize = 10 * 1024 * 1024

// s3RequestsTotal counts handled requests by operation and outcome.
var s3RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "openendpoints3_api_requests_total",
	Help: "Total number of S3 API requests handled, by operation and status code.",
}, []string{"operation", "status"})

// Router dispatches HTTP requests to the storage engine per the path-style
// S3 route table and renders XML responses.
type Router struct {
	engine   *engine.Engine
	verifier *auth.Verifier
	log      *zap.SugaredLogger
}

// NewRouter builds a Router backed by eng and authenticating requests via verifier.
func NewRouter(eng *engine.Engine, verifier *auth.Verifier, log *zap.SugaredLogger) *Router {
	return &Router{engine: eng, verifier: verifier, log: log}
}

// ServeHTTP authenticates the request, attaches request-scoped state to
// the context, and dispatches to route.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	requestID := generateRequestID()
	w.Header().Set("x-amz-request-id", requestID)

	principal, authErr := r.verifier.VerifyRequest(req)
	var principalPtr *string
	switch {
	case authErr == nil:
		principalPtr = &principal
	case errors.Is(authErr, auth.ErrNoAuth):
		// anonymous; principalPtr stays nil
	case errors.Is(authErr, auth.ErrAmbiguousAuth):
		r.writeError(w, ErrInvalidRequest, req.URL.Path)
		return
	default:
		r.log.Warnw("signature verification failed", "error", authErr, "requestId", requestID)
		r.writeError(w, ErrSignatureDoesNotMatch, req.URL.Path)
		return
	}

	bucket, key := parseBucketKey(req.URL.Path)
	state := &reqctx.State{Principal: principalPtr, Bucket: bucket, Key: key, RequestID: requestID}
	req = req.WithContext(reqctx.WithState(req.Context(), state))

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	r.route(rec, req, bucket, key)
	r.log.Infow("request",
		"method", req.Method, "path", req.URL.Path, "status", rec.status,
		"principal", state.PrincipalOrAnonymous(), "requestId", requestID,
		"duration", time.Since(start))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// route maps HTTP verb + subresource query flags to the appropriate handler.
func (r *Router) route(w http.ResponseWriter, req *http.Request, bucket, key string) {
	q := req.URL.Query()

	if bucket != "" && key != "" {
		if _, ok := q["uploadId"]; ok {
			uploadID := q.Get("uploadId")
			switch req.Method {
			case http.MethodPut:
				if q.Get("partNumber") != "" {
					r.handleUploadPart(w, req, bucket, key, uploadID)
					return
				}
			case http.MethodPost:
				r.handleCompleteMultipartUpload(w, req, bucket, key, uploadID)
				return
			case http.MethodDelete:
				r.handleAbortMultipartUpload(w, req, bucket, key, uploadID)
				return
			case http.MethodGet:
				r.handleListParts(w, req, bucket, key, uploadID)
				return
			}
		}
		if _, ok := q["uploads"]; ok && req.Method == http.MethodPost {
			r.handleCreateMultipartUpload(w, req, bucket, key)
			return
		}
	}

	switch req.Method {
	case http.MethodGet:
		r.routeGet(w, req, bucket, key)
	case http.MethodPut:
		r.routePut(w, req, bucket, key)
	case http.MethodDelete:
		r.routeDelete(w, req, bucket, key)
	case http.MethodHead:
		r.routeHead(w, req, bucket, key)
	case http.MethodPost:
		r.routePost(w, req, bucket, key)
	default:
		r.writeError(w, ErrMethodNotAllowed, req.URL.Path)
	}
}

func (r *Router) routeGet(w http.ResponseWriter, req *http.Request, bucket, key string) {
	q := req.URL.Query()
	if bucket == "" {
		r.handleListBuckets(w, req)
		return
	}
	if key == "" {
		switch {
		case has(q, "policy"):
			r.handleGetBucketPolicy(w, req, bucket)
		case has(q, "acl"):
			r.handleGetBucketACL(w, req, bucket)
		case has(q, "tagging"):
			r.handleGetBucketTags(w, req, bucket)
		case has(q, "versioning"):
			r.handleGetBucketVersioning(w, req, bucket)
		case has(q, "lifecycle"):
			r.handleGetBucketLifecycle(w, req, bucket)
		case has(q, "versions"):
			r.handleListObjectVersions(w, req, bucket)
		case has(q, "uploads"):
			r.handleListMultipartUploads(w, req, bucket)
		default:
			r.handleListObjects(w, req, bucket)
		}
		return
	}
	switch {
	case has(q, "acl"):
		r.handleGetObjectACL(w, req, bucket, key)
	case has(q, "tagging"):
		r.handleGetObjectTags(w, req, bucket, key)
	default:
		r.handleGetObject(w, req, bucket, key)
	}
}

func (r *Router) routePut(w http.ResponseWriter, req *http.Request, bucket, key string) {
	q := req.URL.Query()
	if bucket == "" {
		r.writeError(w, ErrInvalidBucketName, req.URL.Path)
		return
	}
	if key == "" {
		switch {
		case has(q, "policy"):
			r.handlePutBucketPolicy(w, req, bucket)
		case has(q, "acl"):
			r.handlePutBucketACL(w, req, bucket)
		case has(q, "tagging"):
			r.handlePutBucketTags(w, req, bucket)
		case has(q, "versioning"):
			r.handlePutBucketVersioning(w, req, bucket)
		case has(q, "lifecycle"):
			r.handlePutBucketLifecycle(w, req, bucket)
		default:
			r.handleCreateBucket(w, req, bucket)
		}
		return
	}
	switch {
	case has(q, "acl"):
		r.handlePutObjectACL(w, req, bucket, key)
	case has(q, "tagging"):
		r.handlePutObjectTags(w, req, bucket, key)
	case req.Header.Get("x-amz-copy-source") != "":
		r.handleCopyObject(w, req, bucket, key)
	default:
		r.handlePutObject(w, req, bucket, key)
	}
}

func (r *Router) routeDelete(w http.ResponseWriter, req *http.Request, bucket, key string) {
	q := req.URL.Query()
	if key == "" {
		switch {
		case has(q, "policy"):
			r.handleDeleteBucketPolicy(w, req, bucket)
		case has(q, "tagging"):
			r.handleDeleteBucketTags(w, req, bucket)
		case has(q, "lifecycle"):
			r.handleDeleteBucketLifecycle(w, req, bucket)
		default:
			r.handleDeleteBucket(w, req, bucket)
		}
		return
	}
	if has(q, "tagging") {
		r.handleDeleteObjectTags(w, req, bucket, key)
		return
	}
	r.handleDeleteObject(w, req, bucket, key)
}

func (r *Router) routeHead(w http.ResponseWriter, req *http.Request, bucket, key string) {
	switch {
	case bucket != "" && key != "":
		r.handleHeadObject(w, req, bucket, key)
	case bucket != "":
		r.handleHeadBucket(w, req, bucket)
	default:
		r.writeError(w, ErrMethodNotAllowed, req.URL.Path)
	}
}

func (r *Router) routePost(w http.ResponseWriter, req *http.Request, bucket, key string) {
	q := req.URL.Query()
	if bucket != "" && key == "" && has(q, "delete") {
		r.handleDeleteObjects(w, req, bucket)
		return
	}
	r.writeError(w, ErrNotImplemented, req.URL.Path)
}

func has(q map[string][]string, name string) bool {
	_, ok := q[name]
	return ok
}

// parseBucketKey splits a path-style request path into bucket and key.
func parseBucketKey(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx], path[idx+1:]
	}
	return path, ""
}

func generateRequestID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// --- response helpers ---

func (r *Router) writeError(w http.ResponseWriter, e S3Error, resource string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(e.StatusCode())
	_ = xml.NewEncoder(w).Encode(s3types.Error{
		Code:      e.Code(),
		Message:   e.Message(),
		Resource:  resource,
		RequestID: w.Header().Get("x-amz-request-id"),
	})
}

func (r *Router) writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}

// readBody reads a size-bounded request body for subresource XML/JSON
// parsing; object payloads are never routed through this helper.
func readBody(req *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBodySize {
		return nil, fmt.Errorf("api: request body exceeds %d bytes", maxRequestBodySize)
	}
	return data, nil
}

// --- authorization ---

// authorize loads the bucket's owner/policy/ACL and applies the
// iam.Authorize decision rule. On success it returns the bucket record;
// on failure it has already written the error response.
func (r *Router) authorize(w http.ResponseWriter, req *http.Request, bucket, action string, resource string) (*metadata.BucketMetadata, bool) {
	ctx := req.Context()
	bm, err := r.engine.GetBucket(ctx, bucket)
	if err != nil {
		r.writeEngineError(w, req, err)
		return nil, false
	}

	var policy *iam.Policy
	if doc, err := r.engine.GetBucketPolicy(ctx, bucket); err == nil && doc != nil {
		if p, perr := iam.ParsePolicy([]byte(*doc)); perr == nil {
			policy = p
		}
	}
	var acl *iam.ACL
	if doc, err := r.engine.GetBucketACL(ctx, bucket); err == nil && doc != nil {
		if a, aerr := iam.ParseACL([]byte(*doc)); aerr == nil {
			acl = a
		}
	}

	principal := ""
	if p := reqctx.FromContext(ctx).Principal; p != nil {
		principal = *p
	}
	if !iam.Authorize(principal, bm.Owner, policy, acl, action, resource) {
		r.writeError(w, ErrAccessDenied, req.URL.Path)
		return nil, false
	}
	return bm, true
}

func resourceARN(bucket, key string) string {
	if key == "" {
		return "arn:aws:s3:::" + bucket
	}
	return "arn:aws:s3:::" + bucket + "/" + key
}

// writeEngineError maps a sentinel error returned by internal/engine onto
// the matching wire S3Error.
func (r *Router) writeEngineError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNoSuchBucket):
		r.writeError(w, ErrNoSuchBucket, req.URL.Path)
	case errors.Is(err, engine.ErrDeleteMarker):
		w.Header().Set("x-amz-delete-marker", "true")
		r.writeError(w, ErrNoSuchKey, req.URL.Path)
	case errors.Is(err, engine.ErrNoSuchKey):
		r.writeError(w, ErrNoSuchKey, req.URL.Path)
	case errors.Is(err, engine.ErrNoSuchUpload):
		r.writeError(w, ErrNoSuchUpload, req.URL.Path)
	case errors.Is(err, engine.ErrBucketAlreadyExists):
		r.writeError(w, ErrBucketAlreadyExists, req.URL.Path)
	case errors.Is(err, engine.ErrBucketNotEmpty):
		r.writeError(w, ErrBucketNotEmpty, req.URL.Path)
	case errors.Is(err, engine.ErrInvalidBucketName):
		r.writeError(w, ErrInvalidBucketName, req.URL.Path)
	case errors.Is(err, engine.ErrInvalidPart):
		r.writeError(w, ErrInvalidPart, req.URL.Path)
	case errors.Is(err, engine.ErrChecksumMismatch):
		r.writeError(w, ErrXAmzContentSHA256Mismatch, req.URL.Path)
	case errors.Is(err, engine.ErrObjectTooLarge):
		r.writeError(w, ErrEntityTooLarge, req.URL.Path)
	case errors.Is(err, engine.ErrInvalidArgument):
		r.writeError(w, ErrInvalidArgument, req.URL.Path)
	default:
		r.log.Errorw("engine error", "error", err, "path", req.URL.Path)
		r.writeError(w, ErrInternal, req.URL.Path)
	}
}

// parseRange parses a "bytes=a-b" Range header into a storage.Range,
// validating it against size. A nil, nil return means no Range header
// was present.
func parseRange(header string, size int64) (*storage.Range, error) {
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
	b := size - 1
	if parts[1] != "" {
		b, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("api: malformed range end: %w", err)
		}
	}
	if a < 0 || a > b || a >= size {
		return nil, fmt.Errorf("api: range not satisfiable")
	}
	b = byteutil.Min(b, size-1)
	return &storage.Range{Start: a, End: b + 1}, nil
}

func userMetadataFromHeaders(h http.Header) map[string]string {
	out := map[string]string{}
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") {
			out[strings.TrimPrefix(lower, "x-amz-meta-")] = h.Get(name)
		}
	}
	return out
}

func formatLastModified(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format("2006-01-02T15:04:05.000Z")
}
