// Package reqctx carries per-request identity and routing state through
// context.Context: the authenticated principal (nil if anonymous), the
// bucket/key the request targets, and a request ID for log correlation.
package reqctx

import "context"

type ctxKey int

const stateKey ctxKey = 0

// State is the per-request context value.
type State struct {
	Principal *string
	Bucket    string
	Key       string
	RequestID string
}

// WithState attaches s to ctx.
func WithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, stateKey, s)
}

// FromContext returns the State attached to ctx, or a zero-value State if
// none was attached.
func FromContext(ctx context.Context) *State {
	if s, ok := ctx.Value(stateKey).(*State); ok && s != nil {
		return s
	}
	return &State{}
}

// PrincipalOrAnonymous renders the principal for logging: the access key,
// or "-" if the request was anonymous.
func (s *State) PrincipalOrAnonymous() string {
	if s == nil || s.Principal == nil {
		return "-"
	}
	return *s.Principal
}
