package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID is echoed on every response for log correlation.
const HeaderRequestID = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the request's correlation ID, if any.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

// RequestIDMiddleware assigns a request ID when the client did not send
// one, stamps it on the context, and echoes it in the response header.
// Request IDs never participate in run fingerprints.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
