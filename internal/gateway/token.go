package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ProviderStore persists per-rail state across restarts.
type ProviderStore interface {
	LoadToken(ctx context.Context, gateway string) (token string, expiresAt time.Time, err error)
	SaveToken(ctx context.Context, gateway, token string, expiresAt time.Time) error
	LoadCallbackID(ctx context.Context, gateway string) (string, error)
	SaveCallbackID(ctx context.Context, gateway, callbackID string) error
}

type TokenFetcher func(ctx context.Context) (token string, expiresAt time.Time, err error)

// TokenCache holds one rail's bearer token. A token is handed out only while
// more than the safety margin remains before expiry; otherwise it is
// refreshed. Concurrent refreshes share one provider request.
type TokenCache struct {
	gateway Name
	margin  time.Duration
	fetch   TokenFetcher
	store   ProviderStore
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func NewTokenCache(gw Name, margin time.Duration, fetch TokenFetcher, store ProviderStore, now func() time.Time, logger *slog.Logger) *TokenCache {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{gateway: gw, margin: margin, fetch: fetch, store: store, now: now, logger: logger}
}

func (c *TokenCache) usable(expiresAt time.Time) bool {
	return c.now().Add(c.margin).Before(expiresAt)
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" && c.usable(c.expiresAt) {
		return c.token, true
	}
	return "", false
}

func (c *TokenCache) set(token string, expiresAt time.Time) {
	c.mu.Lock()
	c.token, c.expiresAt = token, expiresAt
	c.mu.Unlock()
}

// Token returns a token valid for at least the safety margin.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		if c.store != nil {
			tok, exp, err := c.store.LoadToken(ctx, string(c.gateway))
			if err == nil && tok != "" && c.usable(exp) {
				c.set(tok, exp)
				return tok, nil
			}
		}
		tok, exp, err := c.fetch(ctx)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", &GatewayError{Gateway: c.gateway, Op: "token", Err: errors.New("empty access token")}
		}
		c.set(tok, exp)
		if c.store != nil {
			if err := c.store.SaveToken(ctx, string(c.gateway), tok, exp); err != nil {
				c.logger.Warn("persist access token failed", slog.String("gateway", string(c.gateway)), slog.Any("error", err))
			}
		}
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after the provider rejected it.
func (c *TokenCache) Invalidate() {
	c.set("", time.Time{})
}

// withToken runs call with a cached token and retries once with a fresh token
// if the provider answers 401.
func (c *TokenCache) withToken(ctx context.Context, call func(token string) error) error {
	tok, err := c.Token(ctx)
	if err != nil {
		return err
	}
	err = call(tok)
	if statusOf(err) != http.StatusUnauthorized {
		return err
	}
	c.Invalidate()
	if c.store != nil {
		_ = c.store.SaveToken(ctx, string(c.gateway), "", time.Time{})
	}
	tok, err = c.Token(ctx)
	if err != nil {
		return err
	}
	return call(tok)
}
