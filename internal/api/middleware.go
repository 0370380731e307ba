package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/bosonmesh/boson/internal/token"
)

type ctxKey int

const ctxKeyNodeID ctxKey = iota

// AuthMiddleware validates the Bearer session token in the Authorization
// header and stores the token's node ID in the request context.
func AuthMiddleware(tokens *token.Manager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			WriteError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			WriteError(w, http.StatusUnauthorized, "invalid Authorization header format")
			return
		}

		nodeID, err := tokens.Verify(auth[len(prefix):])
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "invalid session token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyNodeID, nodeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authedNodeID returns the node ID the request's token was issued for.
func authedNodeID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyNodeID).(string)
	return id
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream
// handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
