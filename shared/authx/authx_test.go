package authx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestParseRoles(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"Staff", "renter", "staff"},
		"role":  "admin",
	}
	roles := parseRoles(claims)
	if len(roles) != 3 || roles[0] != "staff" || roles[2] != "admin" {
		t.Fatalf("unexpected roles: %v", roles)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", time.Minute, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}

func TestPrincipalFromClaims(t *testing.T) {
	id := uuid.New()
	p, err := principalFromClaims(jwt.MapClaims{"sub": id.String(), "email": "a@b.c", "roles": []any{"staff"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UserID != id || !p.IsStaff() || p.HasRole(RoleRenter) {
		t.Fatalf("unexpected principal: %#v", p)
	}
	if _, err := principalFromClaims(jwt.MapClaims{"sub": "not-a-uuid"}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRequire(t *testing.T) {
	ctx := context.Background()
	if _, err := Require(ctx); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
	ctx = WithPrincipal(ctx, Principal{UserID: uuid.New(), Roles: []string{RoleRenter}})
	if _, err := Require(ctx); err != nil {
		t.Fatalf("any role should pass, got %v", err)
	}
	if _, err := Require(ctx, RoleStaff, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
