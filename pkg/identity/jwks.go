package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AppLetico/clasper/pkg/errs"
)

// JWKSCache fetches a remote JWKS document and caches it with a TTL.
// Operator tokens are verified against these keys; lookups by kid.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]any // kid -> public key
	fetchedAt time.Time
}

// NewJWKSCache creates a cache for the given JWKS URL. A zero ttl
// defaults to 5 minutes.
func NewJWKSCache(url string, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWKSCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]any),
	}
}

// KeyFunc returns a jwt.Keyfunc resolving keys by the token's kid header.
func (c *JWKSCache) KeyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errs.New(errs.KindInvalidSignature, "token header missing kid")
		}
		key, err := c.Lookup(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
}

// Lookup returns the public key for kid, refreshing the JWKS document if
// the cache is stale or the kid is unknown.
func (c *JWKSCache) Lookup(ctx context.Context, kid string) (any, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		// A stale hit is better than a hard failure while the IdP flaps.
		if ok {
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, errs.Newf(errs.KindInvalidSignature, "no JWKS key with kid %q", kid)
	}
	return key, nil
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, "jwks request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, "jwks fetch failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errs.Newf(errs.KindStoreUnavailable, "jwks fetch returned %d", resp.StatusCode)
	}

	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return errs.Wrap(errs.KindSchemaInvalid, "malformed JWKS document", err)
	}

	keys := make(map[string]any, len(doc.Keys))
	for i, raw := range doc.Keys {
		var meta JWK
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		alg := algorithmFor(meta)
		if alg == "" {
			continue
		}
		pub, err := meta.PublicKey(alg)
		if err != nil {
			continue
		}
		kid := meta.Kid
		if kid == "" {
			kid = fmt.Sprintf("key-%d", i)
		}
		keys[kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func algorithmFor(k JWK) string {
	switch {
	case k.Kty == "OKP" && k.Crv == "Ed25519":
		return AlgEd25519
	case k.Kty == "EC" && k.Crv == "P-256":
		return AlgES256
	default:
		return ""
	}
}
