package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// jwksCacheSize bounds the number of cached signing keys. Identity
// providers rotate a handful of keys, so this is generous.
const jwksCacheSize = 64

// KeyFetcher resolves a token's signing key by key ID.
type KeyFetcher interface {
	Key(ctx context.Context, keyID string) (any, error)
}

// JWKSClient fetches keys from a remote JWKS endpoint and caches them with
// a TTL. Safe for concurrent use. A fetch failure or timeout surfaces as an
// error to the verifier, which maps it to an invalid-token failure —
// unverified tokens are never accepted silently.
type JWKSClient struct {
	url        string
	httpClient *http.Client
	cache      *expirable.LRU[string, any]
	logger     *slog.Logger
}

// NewJWKSClient creates a JWKS client for the given endpoint. Keys are
// cached for ttl and re-fetched on cache miss or unknown key ID.
func NewJWKSClient(url string, ttl time.Duration, logger *slog.Logger) *JWKSClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWKSClient{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      expirable.NewLRU[string, any](jwksCacheSize, nil, ttl),
		logger:     logger,
	}
}

// Key returns the public key for keyID, fetching the key set if it is not
// cached. Cancelling ctx aborts an in-flight fetch.
func (c *JWKSClient) Key(ctx context.Context, keyID string) (any, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: token has no key id", ErrKeyNotFound)
	}

	if key, ok := c.cache.Get(keyID); ok {
		return key, nil
	}

	keySet, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	var found any
	for _, jwk := range keySet.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		c.cache.Add(jwk.KeyID, jwk.Key)
		if jwk.KeyID == keyID {
			found = jwk.Key
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return found, nil
}

// Refresh drops all cached keys and re-fetches the key set.
func (c *JWKSClient) Refresh(ctx context.Context) error {
	c.cache.Purge()
	keySet, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	for _, jwk := range keySet.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			c.cache.Add(jwk.KeyID, jwk.Key)
		}
	}
	return nil
}

func (c *JWKSClient) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks from %s: %w", c.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint %s returned status %d", c.url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read jwks response: %w", err)
	}

	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keySet); err != nil {
		return nil, fmt.Errorf("parse jwks document: %w", err)
	}

	c.logger.Debug("fetched jwks", "url", c.url, "keys", len(keySet.Keys))
	return &keySet, nil
}
