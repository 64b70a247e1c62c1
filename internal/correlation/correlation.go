// Package correlation carries request correlation ids from the Request
// Channel into swap runs and log lines.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/xid"
)

// Header is the HTTP header used to propagate ids.
const Header = "X-Correlation-Id"

// MaxIDLength caps externally supplied ids.
const MaxIDLength = 128

type contextKey struct{}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a fresh id.
func Generate() string {
	return xid.New().String()
}

// With stores id on ctx when it is valid.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if normalized, ok := Normalize(id); ok {
		return context.WithValue(ctx, contextKey{}, normalized)
	}
	return ctx
}

// ID returns the id stored on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx with an id, generating one if needed.
func Ensure(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return With(ctx, Generate())
}

// FromRequest returns the request context carrying the header id, or a
// generated one when the header is missing or invalid.
func FromRequest(r *http.Request) context.Context {
	ctx := With(r.Context(), r.Header.Get(Header))
	return Ensure(ctx)
}
