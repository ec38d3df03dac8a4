package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

var (
	// ErrJWKSKeyNotFound means the kid is absent even after a refresh.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport and decoding failures while refreshing.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// GoogleJWKSURL serves the keys for Google-signed OIDC tokens.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

const (
	defaultJWKSTTL     = 15 * time.Minute
	defaultJWKSTimeout = 5 * time.Second
)

// JWKSCache lazily fetches a key set and keeps it for the lifetime advertised
// by Cache-Control, refreshing in the background past the halfway point.
type JWKSCache struct {
	url     string
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
	ttl     time.Duration
	timeout time.Duration
	async   bool

	mu       sync.RWMutex
	keys     map[string]jose.JSONWebKey
	expires  time.Time
	prefetch time.Time

	fetchMu    sync.Mutex
	refreshing atomic.Bool
}

// JWKSOption customises a JWKSCache.
type JWKSOption func(*JWKSCache)

// NewJWKSCache returns a cache for url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
		now:     time.Now,
		ttl:     defaultJWKSTTL,
		timeout: defaultJWKSTimeout,
		async:   true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithJWKSHTTPClient overrides the fetch client.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets the logger used for refresh outcomes.
func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSClock injects the time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithoutJWKSBackgroundRefresh keeps all refreshes on the request path.
func WithoutJWKSBackgroundRefresh() JWKSOption {
	return func(c *JWKSCache) { c.async = false }
}

// Keyfunc adapts the cache for jwt parsing.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid, refreshing once on a miss.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	keys, expires, prefetch := c.snapshot()
	if len(keys) == 0 || !now.Before(expires) {
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
		keys, _, _ = c.snapshot()
	} else if c.async && !now.Before(prefetch) {
		c.refreshAsync()
	}

	if jwk, ok := keys[kid]; ok {
		return jwk.Key, nil
	}
	if err := c.fetch(ctx); err != nil {
		return nil, err
	}
	keys, _, _ = c.snapshot()
	if jwk, ok := keys[kid]; ok {
		return jwk.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) snapshot() (map[string]jose.JSONWebKey, time.Time, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys, c.expires, c.prefetch
}

func (c *JWKSCache) refreshAsync() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		if err := c.fetch(context.Background()); err != nil {
			c.logger.Warn("jwks background refresh failed", zap.Error(err))
		}
	}()
}

func (c *JWKSCache) fetch(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	c.mu.Lock()
	c.keys = keys
	c.expires = now.Add(ttl)
	c.prefetch = now.Add(ttl / 2)
	c.mu.Unlock()

	c.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
