// Package auth verifies AWS Signature Version 4 (SigV4), both the
// header-auth (`Authorization: AWS4-HMAC-SHA256 ...`) and query-auth
// (presigned URL) variants, against credentials looked up from the
// metadata store.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openendpoint/openendpoints3/internal/metadata"
)

// CredentialLookup resolves an access key to its secret, the surface
// the verifier needs from the metadata store.
type CredentialLookup interface {
	GetUser(ctx context.Context, accessKey string) (*metadata.User, error)
}

// Verifier verifies SigV4-signed requests.
type Verifier struct {
	store CredentialLookup
}

// New creates a Verifier backed by store.
func New(store CredentialLookup) *Verifier {
	return &Verifier{store: store}
}

// ErrNoAuth indicates the request carried no recognizable SigV4
// authentication (neither an Authorization header nor presigned query
// parameters); callers should treat the request as anonymous.
var ErrNoAuth = fmt.Errorf("auth: no signature present")

// ErrAmbiguousAuth indicates the request carried both an Authorization
// header and a presigned X-Amz-Signature query parameter, which is
// rejected rather than silently preferring one over the other.
var ErrAmbiguousAuth = fmt.Errorf("auth: request carries both header and query signatures")

const algorithmHeader = "AWS4-HMAC-SHA256"

// VerifyRequest authenticates req, returning the resolved access key
// (the principal) on success. It dispatches between header-auth and
// query-auth (presigned URL) based on which the request carries.
func (v *Verifier) VerifyRequest(req *http.Request) (string, error) {
	hasQuerySig := req.URL.Query().Get("X-Amz-Signature") != ""
	authHeader := req.Header.Get("Authorization")
	if hasQuerySig && authHeader != "" {
		return "", ErrAmbiguousAuth
	}
	if hasQuerySig {
		return v.verifyQueryAuth(req)
	}
	if authHeader == "" {
		return "", ErrNoAuth
	}
	if !strings.HasPrefix(authHeader, algorithmHeader) {
		return "", fmt.Errorf("auth: unsupported authorization scheme")
	}
	return v.verifyHeaderAuth(req, authHeader)
}

type credentialScope struct {
	accessKey string
	dateStamp string
	region    string
	service   string
}

func parseCredentialScope(s string) (credentialScope, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return credentialScope{}, fmt.Errorf("auth: malformed credential scope %q", s)
	}
	return credentialScope{accessKey: parts[0], dateStamp: parts[1], region: parts[2], service: parts[3]}, nil
}

func (v *Verifier) verifyHeaderAuth(req *http.Request, authHeader string) (string, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(authHeader, algorithmHeader))
	var credentialField, signedHeadersField, signatureField string
	for _, field := range strings.Split(rest, ",") {
		field = strings.TrimSpace(field)
		switch {
		case strings.HasPrefix(field, "Credential="):
			credentialField = strings.TrimPrefix(field, "Credential=")
		case strings.HasPrefix(field, "SignedHeaders="):
			signedHeadersField = strings.TrimPrefix(field, "SignedHeaders=")
		case strings.HasPrefix(field, "Signature="):
			signatureField = strings.TrimPrefix(field, "Signature=")
		}
	}
	if credentialField == "" || signedHeadersField == "" || signatureField == "" {
		return "", fmt.Errorf("auth: malformed Authorization header")
	}

	scope, err := parseCredentialScope(credentialField)
	if err != nil {
		return "", err
	}

	user, err := v.store.GetUser(req.Context(), scope.accessKey)
	if err != nil {
		return "", fmt.Errorf("auth: unknown access key")
	}

	amzDate := req.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = req.Header.Get("Date")
	}
	if amzDate == "" {
		return "", fmt.Errorf("auth: missing X-Amz-Date")
	}

	signedHeaders := strings.Split(signedHeadersField, ";")
	payloadHash := req.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = "UNSIGNED-PAYLOAD"
	}

	canonicalQuery := canonicalQueryString(req.URL.Query(), nil)
	canonicalRequest := buildCanonicalRequest(req, signedHeaders, canonicalQuery, payloadHash, headerGetter(req))
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)
	expected := calculateSignature(user.SecretKey, scope.dateStamp, scope.region, scope.service, stringToSign)

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signatureField))) {
		return "", fmt.Errorf("auth: signature mismatch")
	}
	return scope.accessKey, nil
}

func (v *Verifier) verifyQueryAuth(req *http.Request) (string, error) {
	q := req.URL.Query()

	algorithm := q.Get("X-Amz-Algorithm")
	credential := q.Get("X-Amz-Credential")
	amzDate := q.Get("X-Amz-Date")
	expiresStr := q.Get("X-Amz-Expires")
	signedHeadersField := q.Get("X-Amz-SignedHeaders")
	signature := q.Get("X-Amz-Signature")

	if algorithm != algorithmHeader {
		return "", fmt.Errorf("auth: unsupported algorithm %q", algorithm)
	}
	if credential == "" || amzDate == "" || expiresStr == "" || signedHeadersField == "" || signature == "" {
		return "", fmt.Errorf("auth: missing required presigned parameters")
	}

	expirySeconds, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("auth: invalid X-Amz-Expires: %w", err)
	}
	signedAt, err := time.Parse("20060102T150405Z", amzDate)
	if err != nil {
		return "", fmt.Errorf("auth: invalid X-Amz-Date: %w", err)
	}
	if time.Since(signedAt) > time.Duration(expirySeconds)*time.Second {
		return "", fmt.Errorf("auth: presigned URL has expired")
	}

	scope, err := parseCredentialScope(credential)
	if err != nil {
		return "", err
	}
	user, err := v.store.GetUser(req.Context(), scope.accessKey)
	if err != nil {
		return "", fmt.Errorf("auth: unknown access key")
	}

	signedHeaders := strings.Split(signedHeadersField, ";")
	canonicalQuery := canonicalQueryString(q, []string{"X-Amz-Signature"})
	canonicalRequest := buildCanonicalRequest(req, signedHeaders, canonicalQuery, "UNSIGNED-PAYLOAD", headerGetter(req))
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)
	expected := calculateSignature(user.SecretKey, scope.dateStamp, scope.region, scope.service, stringToSign)

	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) != 1 {
		return "", fmt.Errorf("auth: signature mismatch")
	}
	return scope.accessKey, nil
}

// headerGetter resolves a canonical header's value, special-casing
// "host" since Go surfaces it via req.Host rather than req.Header.
func headerGetter(req *http.Request) func(name string) string {
	return func(name string) string {
		if name == "host" {
			return req.Host
		}
		return req.Header.Get(name)
	}
}

func buildCanonicalRequest(req *http.Request, signedHeaders []string, canonicalQuery, payloadHash string, get func(string) string) string {
	uri := req.URL.EscapedPath()
	if uri == "" {
		uri = "/"
	}

	var headers strings.Builder
	for _, name := range signedHeaders {
		headers.WriteString(name)
		headers.WriteByte(':')
		headers.WriteString(strings.TrimSpace(get(name)))
		headers.WriteByte('\n')
	}

	return strings.Join([]string{
		req.Method,
		uri,
		canonicalQuery,
		headers.String(),
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n")
}

func buildStringToSign(amzDate string, scope credentialScope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	credScope := fmt.Sprintf("%s/%s/%s/aws4_request", scope.dateStamp, scope.region, scope.service)
	return strings.Join([]string{
		algorithmHeader,
		amzDate,
		credScope,
		hex.EncodeToString(hash[:]),
	}, "\n")
}

// calculateSignature runs the standard AWS4 signing-key derivation
// chain: kSecret -> kDate -> kRegion -> kService -> kSigning -> signature.
func calculateSignature(secretKey, dateStamp, region, service, stringToSign string) string {
	kSecret := []byte("AWS4" + secretKey)
	kDate := hmacSHA256(kSecret, []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	kSigning := hmacSHA256(kService, []byte("aws4_request"))
	return hex.EncodeToString(hmacSHA256(kSigning, []byte(stringToSign)))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// canonicalQueryString builds AWS's canonical query string: every
// parameter (except those in exclude) URI-encoded and sorted by
// encoded key, then by encoded value.
func canonicalQueryString(q url.Values, exclude []string) string {
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}

	type kv struct{ k, v string }
	var pairs []kv
	for key, values := range q {
		if excluded[key] {
			continue
		}
		for _, val := range values {
			pairs = append(pairs, kv{awsURIEncode(key), awsURIEncode(val)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}
	return b.String()
}

// awsURIEncode implements AWS's RFC 3986 URI-encoding rules: encode
// every byte except A-Z a-z 0-9 - _ . ~.
func awsURIEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
