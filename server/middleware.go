package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/uiforge/renderbridge/conn"
	"github.com/uiforge/renderbridge/event"
	"github.com/uiforge/renderbridge/fault"
)

// ctxKeyCredentialHash stores the authenticated credential hash on the echo
// context so handlers and the rate limiter can key on it.
const ctxKeyCredentialHash = "credential_hash"

// AuthOptions configures API-key authentication.
type AuthOptions struct {
	// Keys are accepted API keys in the clear.
	Keys []string
	// KeyHashes are accepted SHA-256 hex digests of API keys.
	KeyHashes []string
	// DevMode disables authentication for local development.
	DevMode bool
	// Header is the API-key header name. Defaults to X-API-Key.
	Header string
}

// authenticator checks presented API keys against the configured digest set.
// Keys are compared by SHA-256 digest so clear keys never sit in memory
// beyond startup.
type authenticator struct {
	digests map[string]struct{}
	dev     bool
	header  string
}

func newAuthenticator(o AuthOptions) (*authenticator, error) {
	a := &authenticator{digests: make(map[string]struct{}), dev: o.DevMode, header: o.Header}
	if a.header == "" {
		a.header = "X-API-Key"
	}
	for _, k := range o.Keys {
		if k != "" {
			a.digests[hashKey(k)] = struct{}{}
		}
	}
	for _, h := range o.KeyHashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if len(h) != sha256.Size*2 {
			return nil, fmt.Errorf("api key hash %q: want %d hex characters", h, sha256.Size*2)
		}
		if _, err := hex.DecodeString(h); err != nil {
			return nil, fmt.Errorf("api key hash %q: %w", h, err)
		}
		a.digests[h] = struct{}{}
	}
	if !a.dev && len(a.digests) == 0 {
		return nil, fmt.Errorf("no api keys configured; set keys or enable dev mode")
	}
	return a, nil
}

// middleware authenticates the request and stashes the credential hash.
func (a *authenticator) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get(a.header)
		if key == "" {
			if bearer := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(bearer, "Bearer ") {
				key = strings.TrimPrefix(bearer, "Bearer ")
			}
		}
		if a.dev {
			if key != "" {
				c.Set(ctxKeyCredentialHash, hashKey(key))
			}
			return next(c)
		}
		if key == "" {
			return fault.New(fault.KindAuthenticationFailed, "missing API key")
		}
		digest := hashKey(key)
		if _, ok := a.digests[digest]; !ok {
			return fault.New(fault.KindAuthenticationFailed, "invalid API key")
		}
		c.Set(ctxKeyCredentialHash, digest)
		return next(c)
	}
}

// hashKey returns the SHA-256 hex digest of an API key.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// credentialHash returns the authenticated credential hash, or empty in dev
// mode without a key.
func credentialHash(c echo.Context) string {
	h, _ := c.Get(ctxKeyCredentialHash).(string)
	return h
}

// rateLimiter enforces a per-credential token bucket. Unauthenticated dev
// requests fall back to the client IP. When a request's connection is owned
// by this worker the limiter also surfaces warnings and rejections as SSE
// events on that connection.
type rateLimiter struct {
	manager *conn.Manager
	rps     rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiter(manager *conn.Manager, rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &rateLimiter{
		manager:  manager,
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the bucket for a key, creating it on first use.
func (r *rateLimiter) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim := r.limiters[key]
	if lim == nil {
		lim = rate.NewLimiter(r.rps, r.burst)
		r.limiters[key] = lim
	}
	return lim
}

// middleware applies the token bucket and emits rate-limit events.
func (r *rateLimiter) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := credentialHash(c)
		if key == "" {
			key = c.RealIP()
		}
		lim := r.limiter(key)
		if !lim.Allow() {
			r.notify(c, event.TypeRateLimitExceeded, map[string]any{
				"message":     "Rate limit exceeded",
				"retry_after": 1,
			})
			return fault.New(fault.KindRateLimited, "rate limit exceeded")
		}
		// Warn the stream when the bucket is nearly drained.
		if lim.Tokens() < 0.2*float64(r.burst) {
			r.notify(c, event.TypeRateLimitWarning, map[string]any{
				"message": "Approaching rate limit",
			})
		}
		return next(c)
	}
}

// notify emits a rate-limit event on the request's connection when this
// worker owns it. The connection id comes from the header or query string;
// requests without one are limited silently.
func (r *rateLimiter) notify(c echo.Context, t event.Type, payload map[string]any) {
	id := c.Request().Header.Get(connectionIDHeader)
	if id == "" {
		id = c.QueryParam("connection_id")
	}
	if id == "" || !r.manager.Owned(id) {
		return
	}
	ctx := c.Request().Context()
	if !r.manager.Send(ctx, id, event.New(t, id, payload)) {
		log.Debug(ctx, log.KV{K: "msg", V: "rate limit event not delivered"}, log.KV{K: "connection_id", V: id})
	}
}
