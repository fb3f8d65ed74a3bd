package csms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Identity is the resolved caller of a request or session. The zero
// value is the anonymous identity.
type Identity struct {
	Username string
}

func (i Identity) Anonymous() bool {
	return i.Username == ""
}

// TokenIntrospector resolves a bearer token to an identity.
// ErrInvalidToken means the token was understood and rejected; any
// other error means the introspection service could not be reached.
type TokenIntrospector interface {
	Introspect(ctx context.Context, token string) (Identity, error)
}

// HTTPIntrospector asks an external introspection endpoint whether a
// token is active and who it belongs to.
type HTTPIntrospector struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

func NewHTTPIntrospector(endpoint string, logger *zap.Logger) *HTTPIntrospector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPIntrospector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

type introspectionResponse struct {
	Active   bool   `json:"active"`
	Username string `json:"username"`
}

func (h *HTTPIntrospector) Introspect(ctx context.Context, token string) (Identity, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Identity{}, fmt.Errorf("encode introspection request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var out introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Identity{}, fmt.Errorf("decode introspection response: %w", err)
	}
	if !out.Active || out.Username == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Username: out.Username}, nil
}

type cachedIdentity struct {
	identity Identity
	rejected bool
	expires  time.Time
}

// CachingIntrospector memoizes introspection verdicts so a chatty
// dashboard does not hammer the auth service. Rejections are cached
// too, with the same TTL.
type CachingIntrospector struct {
	next  TokenIntrospector
	cache *lru.Cache[string, cachedIdentity]
	ttl   time.Duration
}

func NewCachingIntrospector(next TokenIntrospector, size int, ttl time.Duration) (*CachingIntrospector, error) {
	cache, err := lru.New[string, cachedIdentity](size)
	if err != nil {
		return nil, fmt.Errorf("create introspection cache: %w", err)
	}
	return &CachingIntrospector{next: next, cache: cache, ttl: ttl}, nil
}

func (c *CachingIntrospector) Introspect(ctx context.Context, token string) (Identity, error) {
	if entry, ok := c.cache.Get(token); ok && time.Now().Before(entry.expires) {
		if entry.rejected {
			return Identity{}, ErrInvalidToken
		}
		return entry.identity, nil
	}

	identity, err := c.next.Introspect(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			c.cache.Add(token, cachedIdentity{rejected: true, expires: time.Now().Add(c.ttl)})
		}
		// Transient introspection failures are never cached.
		return Identity{}, err
	}

	c.cache.Add(token, cachedIdentity{identity: identity, expires: time.Now().Add(c.ttl)})
	return identity, nil
}

// BearerToken extracts the bearer token from an Authorization header,
// or "" when none is present.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// resolveIdentity turns a request into an identity. A missing token,
// a rejected token, or an unreachable introspector all degrade to
// anonymous; hardening against that is the caller's decision.
func resolveIdentity(ctx context.Context, introspector TokenIntrospector, r *http.Request, logger *zap.Logger) Identity {
	token := BearerToken(r)
	if token == "" || introspector == nil {
		return Identity{}
	}

	identity, err := introspector.Introspect(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			logger.Warn("Rejected bearer token, continuing as anonymous",
				zap.String("remote_addr", r.RemoteAddr))
		} else {
			logger.Warn("Token introspection unavailable, continuing as anonymous",
				zap.Error(err))
		}
		return Identity{}
	}
	return identity
}
