// Package middleware provides the gateway's small set of cross-cutting
// HTTP middleware: request correlation ids and security headers.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey string

const requestIDKey ctxKey = "gateway_request_id"

// RequestIDHeader is the response header the gateway always sets, on
// every response including error paths (spec.md §4.5 step 1).
const RequestIDHeader = "X-Request-ID"

// WithRequestID assigns a fresh UUID to every request, stores it in the
// request context, and guarantees it is present on the response as
// X-Request-ID before any downstream handler writes its status line —
// achieved by setting the header immediately rather than deferring it,
// so even a panic recovered further up the chain leaves it set.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request id stored in ctx by WithRequestID, or ""
// if none is present.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
