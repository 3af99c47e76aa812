package middleware

import (
	"errors"
	"net/http"
	"strings"

	"fleet-rental-system/shared/authx"
	"fleet-rental-system/shared/httpx"
)

// AuthMiddleware resolves the bearer token into an authx.Principal on the
// request context.
type AuthMiddleware struct {
	Verifier authx.Verifier
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusFailedPrecondition, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		principal, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, authx.ErrUnknownKID) {
				msg = "token signed with unknown key"
			}
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", msg, nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(authx.WithPrincipal(r.Context(), principal)))
	})
}
