package dynamics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTokenSource counts refreshes and hands out numbered tokens
type fakeTokenSource struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	now   func() time.Time
}

func (f *fakeTokenSource) Refresh(ctx context.Context) (*AccessToken, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &AccessToken{
		Value:     fmt.Sprintf("token-%d", n),
		ExpiresAt: f.now().Add(TokenLifetime),
	}, nil
}

func newFixedClockCache(source *fakeTokenSource, now time.Time) *TokenCache {
	cache := NewTokenCacheWithLogger(source, zap.NewNop())
	cache.now = func() time.Time { return now }
	source.now = cache.now
	return cache
}

func TestTokenCache_SingleFlightRefresh(t *testing.T) {
	source := &fakeTokenSource{delay: 50 * time.Millisecond}
	cache := newFixedClockCache(source, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	const callers = 25
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = cache.GetValidToken(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i])
	}
}

func TestTokenCache_ExpiryMargin(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		expiresIn   time.Duration
		wantRefresh bool
	}{
		{name: "expires in 10 minutes", expiresIn: 10 * time.Minute, wantRefresh: true},
		{name: "expires in 20 minutes", expiresIn: 20 * time.Minute, wantRefresh: false},
		{name: "already expired", expiresIn: -time.Minute, wantRefresh: true},
		{name: "exactly at margin", expiresIn: RenewBefore, wantRefresh: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeTokenSource{}
			cache := newFixedClockCache(source, now)
			cache.token = &AccessToken{Value: "cached", ExpiresAt: now.Add(tt.expiresIn)}

			token, err := cache.GetValidToken(context.Background())
			require.NoError(t, err)

			if tt.wantRefresh {
				assert.Equal(t, int32(1), source.calls.Load())
				assert.Equal(t, "token-1", token)
			} else {
				assert.Equal(t, int32(0), source.calls.Load())
				assert.Equal(t, "cached", token)
			}
		})
	}
}

func TestTokenCache_ReusesTokenUntilMargin(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeTokenSource{}
	cache := newFixedClockCache(source, now)

	first, err := cache.GetValidToken(context.Background())
	require.NoError(t, err)

	// 44 minutes later the token still has 16 minutes left
	cache.now = func() time.Time { return now.Add(44 * time.Minute) }
	second, err := cache.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// 46 minutes later only 14 minutes are left
	cache.now = func() time.Time { return now.Add(46 * time.Minute) }
	third, err := cache.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", third)
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestTokenCache_RefreshErrorPropagates(t *testing.T) {
	authErr := &AuthError{StatusCode: 401, Description: "AADSTS7000215: Invalid client secret provided."}
	source := &fakeTokenSource{err: authErr}
	cache := newFixedClockCache(source, time.Now())

	_, err := cache.GetValidToken(context.Background())

	require.Error(t, err)
	var got *AuthError
	require.True(t, errors.As(err, &got))
	assert.Same(t, authErr, got)
	assert.Nil(t, cache.token)
}

func TestTokenCache_Invalidate(t *testing.T) {
	source := &fakeTokenSource{}
	cache := newFixedClockCache(source, time.Now())

	_, err := cache.GetValidToken(context.Background())
	require.NoError(t, err)

	cache.Invalidate()

	token, err := cache.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
}

func TestAccessToken_ValidAt(t *testing.T) {
	now := time.Now()
	var missing *AccessToken

	assert.False(t, missing.ValidAt(now, RenewBefore))
	assert.False(t, (&AccessToken{ExpiresAt: now.Add(time.Hour)}).ValidAt(now, RenewBefore))
	assert.True(t, (&AccessToken{Value: "x", ExpiresAt: now.Add(time.Hour)}).ValidAt(now, RenewBefore))
}
