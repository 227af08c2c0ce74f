package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTenants struct{ active map[string]bool }

func (f fakeTenants) Active(id string) bool { return f.active[id] }

func newTestKeySet(t *testing.T) (*KeySet, *rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kid := "test-key-1"
	jwks := jwksDoc{Keys: []jwk{{
		Kid: kid,
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.PublicKey.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := []byte(`{"keys":[{"kid":"` + kid + `","kty":"RSA","n":"` + jwks.Keys[0].N + `","e":"` + jwks.Keys[0].E + `"}]}`)
		w.Write(enc)
	}))
	t.Cleanup(srv.Close)

	ks := NewKeySet(srv.URL, time.Minute)
	require.NoError(t, ks.Refresh(context.Background()))
	return ks, priv, kid
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func TestValidator_AcceptsWellFormedToken(t *testing.T) {
	ks, priv, kid := newTestKeySet(t)
	v := NewValidator(ks, "rexec", fakeTenants{active: map[string]bool{"acme": true}}, time.Minute)

	tok := signToken(t, priv, kid, jwt.MapClaims{
		"aud":    "rexec",
		"tenant": "acme",
		"scope":  "execute",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Validate(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.Tenant)
	assert.Contains(t, claims.Scopes, "execute")
}

func TestValidator_RejectsMissingBearerPrefix(t *testing.T) {
	ks, _, _ := newTestKeySet(t)
	v := NewValidator(ks, "rexec", fakeTenants{}, time.Minute)

	_, err := v.Validate(context.Background(), "not-a-bearer-token")
	assert.Error(t, err)
}

func TestValidator_RejectsExpiredToken(t *testing.T) {
	ks, priv, kid := newTestKeySet(t)
	v := NewValidator(ks, "rexec", fakeTenants{active: map[string]bool{"acme": true}}, time.Minute)

	tok := signToken(t, priv, kid, jwt.MapClaims{
		"aud":    "rexec",
		"tenant": "acme",
		"exp":    time.Now().Add(-time.Minute).Unix(),
	})

	_, err := v.Validate(context.Background(), "Bearer "+tok)
	assert.Error(t, err)
}

func TestValidator_RejectsAudienceMismatch(t *testing.T) {
	ks, priv, kid := newTestKeySet(t)
	v := NewValidator(ks, "rexec", fakeTenants{active: map[string]bool{"acme": true}}, time.Minute)

	tok := signToken(t, priv, kid, jwt.MapClaims{
		"aud":    "some-other-service",
		"tenant": "acme",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Validate(context.Background(), "Bearer "+tok)
	assert.Error(t, err)
}

func TestValidator_RejectsInactiveTenant(t *testing.T) {
	ks, priv, kid := newTestKeySet(t)
	v := NewValidator(ks, "rexec", fakeTenants{active: map[string]bool{"acme": true}}, time.Minute)

	tok := signToken(t, priv, kid, jwt.MapClaims{
		"aud":    "rexec",
		"tenant": "suspended-tenant",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Validate(context.Background(), "Bearer "+tok)
	assert.Error(t, err)
}

func TestValidator_CachesResultWithinTTL(t *testing.T) {
	ks, priv, kid := newTestKeySet(t)
	v := NewValidator(ks, "rexec", fakeTenants{active: map[string]bool{"acme": true}}, time.Minute)

	tok := signToken(t, priv, kid, jwt.MapClaims{
		"aud":    "rexec",
		"tenant": "acme",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	header := "Bearer " + tok

	_, err := v.Validate(context.Background(), header)
	require.NoError(t, err)

	v.mu.Lock()
	cached, ok := v.cache[tok]
	v.mu.Unlock()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), cached.cachedAt, time.Second)
}
