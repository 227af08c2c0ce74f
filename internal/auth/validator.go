package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of a validated token's claims the rest of the
// platform needs.
type Claims struct {
	Tenant string
	Scopes []string
	Exp    time.Time
}

// Tenants resolves whether a tenant claim names an active tenant. It does no
// scope authorization. Implemented by internal/quota's tenant registry.
type Tenants interface {
	Active(tenantID string) bool
}

// Validator validates bearer tokens against a KeySet and caches results for
// TokenCacheTTL (spec.md §4.3: "to avoid per-RPC cryptographic work; cache
// entries honor exp").
type Validator struct {
	keys     *KeySet
	audience string
	tenants  Tenants
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedResult
}

type cachedResult struct {
	claims   Claims
	err      error
	cachedAt time.Time
}

// NewValidator constructs a Validator.
func NewValidator(keys *KeySet, audience string, tenants Tenants, cacheTTL time.Duration) *Validator {
	return &Validator{
		keys:     keys,
		audience: audience,
		tenants:  tenants,
		cacheTTL: cacheTTL,
		cache:    map[string]cachedResult{},
	}
}

// Validate validates a raw "Bearer <jwt>" header value and returns the
// authenticated tenant's claims, or an error classifying why validation
// failed (caller maps ErrUnauthenticated to codes.Unauthenticated and
// ErrPermissionDenied to codes.PermissionDenied per spec.md §4.3).
func (v *Validator) Validate(ctx context.Context, authHeader string) (Claims, error) {
	raw, ok := bearerToken(authHeader)
	if !ok {
		return Claims{}, ErrUnauthenticated("missing bearer token")
	}
	if cached, ok := v.cached(raw); ok {
		return cached.claims, cached.err
	}
	claims, err := v.validateFresh(ctx, raw)
	v.mu.Lock()
	v.cache[raw] = cachedResult{claims: claims, err: err, cachedAt: time.Now()}
	v.mu.Unlock()
	return claims, err
}

func (v *Validator) cached(raw string) (cachedResult, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.cache[raw]
	if !ok {
		return cachedResult{}, false
	}
	if time.Since(c.cachedAt) > v.cacheTTL {
		delete(v.cache, raw)
		return cachedResult{}, false
	}
	if c.err == nil && time.Now().After(c.claims.Exp) {
		delete(v.cache, raw)
		return cachedResult{}, false
	}
	return c, true
}

func (v *Validator) validateFresh(ctx context.Context, raw string) (Claims, error) {
	token, err := jwt.Parse(raw, v.keys.KeyFunc(ctx), jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !token.Valid {
		return Claims{}, ErrUnauthenticated(fmt.Sprintf("invalid token: %v", err))
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrUnauthenticated("malformed claims")
	}
	if aud, _ := mc.GetAudience(); !containsAud(aud, v.audience) {
		return Claims{}, ErrUnauthenticated("audience mismatch")
	}
	expTime, err := mc.GetExpirationTime()
	if err != nil || expTime == nil || expTime.Before(time.Now()) {
		return Claims{}, ErrUnauthenticated("token expired")
	}
	if nbf, err := mc.GetNotBefore(); err == nil && nbf != nil && nbf.After(time.Now()) {
		return Claims{}, ErrUnauthenticated("token not yet valid")
	}
	tenant, _ := mc["tenant"].(string)
	if tenant == "" {
		return Claims{}, ErrUnauthenticated("missing tenant claim")
	}
	if v.tenants != nil && !v.tenants.Active(tenant) {
		return Claims{}, ErrPermissionDenied(fmt.Sprintf("tenant %q is not active", tenant))
	}
	var scopes []string
	if s, ok := mc["scope"].(string); ok {
		scopes = strings.Fields(s)
	}
	return Claims{Tenant: tenant, Scopes: scopes, Exp: expTime.Time}, nil
}

func containsAud(aud []string, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix)), true
}
