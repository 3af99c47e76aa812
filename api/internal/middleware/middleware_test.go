package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/shared/authx"
)

type stubVerifier struct {
	principal authx.Principal
	err       error
}

func (v stubVerifier) Verify(context.Context, string) (authx.Principal, error) {
	return v.principal, v.err
}

func okHandler(seen *authx.Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := authx.FromContext(r.Context()); ok && seen != nil {
			*seen = p
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthMiddleware(t *testing.T) {
	user := authx.Principal{UserID: uuid.New(), Roles: []string{authx.RoleRenter}}

	var seen authx.Principal
	h := AuthMiddleware{Verifier: stubVerifier{principal: user}}.Wrap(okHandler(&seen))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/contracts/x", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seen.UserID != user.UserID {
		t.Fatalf("principal not propagated: %+v", seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/contracts/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	bad := AuthMiddleware{Verifier: stubVerifier{err: errors.New("expired")}}.Wrap(okHandler(nil))
	rec = httptest.NewRecorder()
	bad.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for rejected token, got %d", rec.Code)
	}

	skipped := AuthMiddleware{Skip: func(r *http.Request) bool { return r.URL.Path == "/healthz" }}.Wrap(okHandler(nil))
	rec = httptest.NewRecorder()
	skipped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected skip to pass through, got %d", rec.Code)
	}
}

func TestLimiterRefills(t *testing.T) {
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	l := NewLimiter(1, 2, time.Minute)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("burst of 2 should pass")
	}
	if l.Allow("a") {
		t.Fatalf("third request should be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("keys are independent")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatalf("one token should refill after a second")
	}
}

func TestRateLimitKeysByPrincipal(t *testing.T) {
	l := NewLimiter(0.001, 1, time.Minute)
	h := RateLimitMiddleware{Limiter: l, Match: BookingWrites}.Wrap(okHandler(nil))

	send := func(id uuid.UUID, method string) int {
		req := httptest.NewRequest(method, "/api/v1/bookings/intents", nil)
		req = req.WithContext(authx.WithPrincipal(req.Context(), authx.Principal{UserID: id}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	alice, bob := uuid.New(), uuid.New()
	if code := send(alice, http.MethodPost); code != http.StatusNoContent {
		t.Fatalf("first write: %d", code)
	}
	if code := send(alice, http.MethodPost); code != http.StatusTooManyRequests {
		t.Fatalf("second write should be limited, got %d", code)
	}
	if code := send(bob, http.MethodPost); code != http.StatusNoContent {
		t.Fatalf("other user should pass, got %d", code)
	}
	if code := send(alice, http.MethodGet); code != http.StatusNoContent {
		t.Fatalf("reads are not limited, got %d", code)
	}
}

func TestBackendRequired(t *testing.T) {
	h := BackendRequiredMiddleware{Skip: func(r *http.Request) bool { return r.URL.Path == "/readyz" }}.Wrap(okHandler(nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/contracts/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected skip, got %d", rec.Code)
	}
}
