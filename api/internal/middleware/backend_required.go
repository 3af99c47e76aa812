package middleware

import (
	"net/http"

	"fleet-rental-system/shared/httpx"
)

// BackendRequiredMiddleware rejects requests while the store never came up.
type BackendRequiredMiddleware struct {
	Available bool
	Skip      func(*http.Request) bool
}

func (m BackendRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !m.Available {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
