package middleware

import (
	"context"
	"net/http"
)

type sessionKey struct{}

// Session copies the X-Session-Id header into the request context so
// handlers can thread conversational history without re-reading headers.
func Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Session-Id"); id != "" {
			r = r.WithContext(context.WithValue(r.Context(), sessionKey{}, id))
		}
		next.ServeHTTP(w, r)
	})
}

// SessionID returns the session identifier from ctx, or "" when the
// request carried none.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
