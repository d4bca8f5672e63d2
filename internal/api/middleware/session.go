// Package middleware holds the API's per-request middleware chain.
package middleware

import (
	"net/http"

	"github.com/matiasleandrokruk/ragd/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/ragd/pkg/uuid"
)

const headerSessionID = "X-Session-ID"

// SessionID reads X-Session-ID from the request, or mints a fresh one, and
// injects it into the request context (ctxkeys.SessionID) so handlers and
// logging can correlate a conversation across chat turns without the
// teacher's workspace/user auth context (no multi-tenant auth in scope).
func SessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerSessionID)
		if id == "" {
			id = uuid.NewV7().String()
		}
		w.Header().Set(headerSessionID, id)
		next.ServeHTTP(w, r.WithContext(ctxkeys.WithSessionID(r.Context(), id)))
	})
}
