package authx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
	ErrForbidden    = errors.New("forbidden")
)

const (
	RoleRenter = "renter"
	RoleStaff  = "staff"
	RoleAdmin  = "admin"
)

// Principal is the authenticated caller. UserID is the token subject, which
// must be a UUID because it is stored as the renter or staff reference.
type Principal struct {
	UserID uuid.UUID
	Email  string
	Roles  []string
}

func (p Principal) HasRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(p.Roles, r) {
			return true
		}
	}
	return false
}

// IsStaff is true for staff and admins.
func (p Principal) IsStaff() bool {
	return p.HasRole(RoleStaff, RoleAdmin)
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// Require returns the principal when it holds one of roles, ErrForbidden
// otherwise. With no roles any authenticated caller passes.
func Require(ctx context.Context, roles ...string) (Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	if len(roles) > 0 && !p.HasRole(roles...) {
		return Principal{}, ErrForbidden
	}
	return p, nil
}

type Verifier interface {
	Verify(ctx context.Context, rawToken string) (Principal, error)
}

type JWTVerifier struct {
	keys   *KeySet
	parser *jwt.Parser
}

func NewJWTVerifier(issuer string, audience string, jwksURL string, ttl time.Duration, clockSkew time.Duration) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWTVerifier{
		keys: NewKeySet(jwksURL, ttl, &http.Client{Timeout: 5 * time.Second}),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(max(clockSkew, 0)),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Principal{}, ErrInvalidToken
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.Key(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return principalFromClaims(claims)
}

func principalFromClaims(claims jwt.MapClaims) (Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	userID, err := uuid.Parse(strings.TrimSpace(sub))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	email, _ := claims["email"].(string)
	return Principal{
		UserID: userID,
		Email:  strings.TrimSpace(email),
		Roles:  parseRoles(claims),
	}, nil
}

// KeySet caches a remote JWKS and refetches it once ttl has passed or an
// unknown kid shows up.
type KeySet struct {
	url       string
	ttl       time.Duration
	client    *http.Client
	mu        sync.RWMutex
	set       jwk.Set
	expiresAt time.Time
}

func NewKeySet(url string, ttl time.Duration, client *http.Client) *KeySet {
	return &KeySet{url: url, ttl: ttl, client: client}
}

func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	if raw, ok := k.lookup(kid, true); ok {
		return raw, nil
	}
	if err := k.refresh(ctx); err != nil {
		if raw, ok := k.lookup(kid, false); ok {
			return raw, nil
		}
		return nil, err
	}
	if raw, ok := k.lookup(kid, false); ok {
		return raw, nil
	}
	return nil, ErrUnknownKID
}

func (k *KeySet) lookup(kid string, fresh bool) (any, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.set == nil || (fresh && time.Now().After(k.expiresAt)) {
		return nil, false
	}
	key, ok := k.set.LookupKeyID(kid)
	if !ok {
		return nil, false
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, false
	}
	return raw, true
}

func (k *KeySet) refresh(ctx context.Context) error {
	set, err := jwk.Fetch(ctx, k.url, jwk.WithHTTPClient(k.client))
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	if set.Len() == 0 {
		return errors.New("no usable jwks keys")
	}
	k.mu.Lock()
	k.set = set
	k.expiresAt = time.Now().Add(k.ttl)
	k.mu.Unlock()
	return nil
}

func parseRoles(claims map[string]any) []string {
	var roles []string
	add := func(role string) {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	for _, key := range []string{"roles", "role"} {
		switch t := claims[key].(type) {
		case nil:
		case []string:
			for _, r := range t {
				add(r)
			}
		case []any:
			for _, r := range t {
				add(fmt.Sprint(r))
			}
		case string:
			for _, r := range strings.Fields(t) {
				add(r)
			}
		}
	}
	return roles
}
