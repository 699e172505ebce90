package dynamics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// TokenLifetime is how long a freshly issued token is trusted
	TokenLifetime = time.Hour
	// RenewBefore is the remaining lifetime under which a token is refreshed
	RenewBefore = 15 * time.Minute
)

// TokenSource issues new access tokens
type TokenSource interface {
	Refresh(ctx context.Context) (*AccessToken, error)
}

// TokenCache holds the current access token and refreshes it when it is
// missing or close to expiry. Concurrent callers share a single refresh.
type TokenCache struct {
	mu     sync.RWMutex
	token  *AccessToken
	source TokenSource
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenCacheWithLogger creates a token cache with a custom logger
func NewTokenCacheWithLogger(source TokenSource, logger *zap.Logger) *TokenCache {
	return &TokenCache{
		source: source,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetValidToken returns a token with at least RenewBefore of lifetime left,
// refreshing it first if needed. Refresh errors are returned unchanged.
func (c *TokenCache) GetValidToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	if token.ValidAt(c.now(), RenewBefore) {
		c.logger.Debug("Using cached access token", zap.Duration("remaining", token.ExpiresAt.Sub(c.now())))
		return token.Value, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock
	if c.token.ValidAt(c.now(), RenewBefore) {
		return c.token.Value, nil
	}

	c.logger.Info("Access token expired or not available, authenticating")
	fresh, err := c.source.Refresh(ctx)
	if err != nil {
		c.logger.Error("Failed to refresh access token", zap.Error(err))
		return "", err
	}

	c.token = fresh
	c.logger.Info("Successfully cached access token", zap.Time("expires_at", fresh.ExpiresAt))

	return fresh.Value, nil
}

// Invalidate drops the current token so the next caller re-authenticates
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}
