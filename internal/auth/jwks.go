// Package auth validates the Authorization: Bearer <jwt> credential every
// RPC carries (spec.md §4.3 "Credential validation"), using
// github.com/golang-jwt/jwt/v5 — the same JWT library the real
// buchgr/bazel-remote cache server depends on — for signature verification,
// plus a small hand-rolled JWKS fetcher/cache (JWKS refresh is a plain
// HTTP GET + JSON decode, not something the ecosystem packages as a
// standalone library; see DESIGN.md).
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwk is one entry of a JWKS document (RFC 7517), restricted to the RSA
// fields this platform needs.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// KeySet holds the currently-trusted signing keys for one issuer, refreshed
// periodically and on demand.
type KeySet struct {
	url    string
	client *http.Client

	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastFetch  time.Time
	debounce   time.Duration
}

// NewKeySet creates a KeySet that fetches from url. Call Refresh once before
// first use, or rely on the periodic refresh loop started by StartRefreshing.
func NewKeySet(url string, debounce time.Duration) *KeySet {
	return &KeySet{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		keys:     map[string]*rsa.PublicKey{},
		debounce: debounce,
	}
}

// StartRefreshing fetches the JWKS immediately and then every interval,
// until ctx is cancelled. A refresh failure never invalidates already-cached
// keys (spec.md §4.3).
func (k *KeySet) StartRefreshing(ctx context.Context, interval time.Duration) {
	k.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.Refresh(ctx)
			}
		}
	}()
}

// Refresh fetches the JWKS document now, replacing the cached key set on
// success and leaving it untouched on failure.
func (k *KeySet) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching JWKS: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading JWKS response: %w", err)
	}
	var doc jwksDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("parsing JWKS: %w", err)
	}
	keys := map[string]*rsa.PublicKey{}
	for _, key := range doc.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		keys[key.Kid] = pub
	}
	k.mu.Lock()
	k.keys = keys
	k.lastFetch = time.Now()
	k.mu.Unlock()
	return nil
}

// Key returns the public key for kid, and whether it is known.
func (k *KeySet) Key(kid string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	return key, ok
}

// MaybeForceRefresh refreshes the JWKS immediately if the last fetch was
// longer than the debounce window ago — used when a signature fails to
// verify against any known key, in case a new key was rotated in
// (spec.md §4.3 "JWKS refresh").
func (k *KeySet) MaybeForceRefresh(ctx context.Context) {
	k.mu.RLock()
	stale := time.Since(k.lastFetch) > k.debounce
	k.mu.RUnlock()
	if stale {
		k.Refresh(ctx)
	}
}

// KeyFunc returns a jwt.Keyfunc bound to this key set, refreshing once (and
// only once) if the token's kid is unknown.
func (k *KeySet) KeyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if key, ok := k.Key(kid); ok {
			return key, nil
		}
		k.MaybeForceRefresh(ctx)
		if key, ok := k.Key(kid); ok {
			return key, nil
		}
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
}

func rsaPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
