package security

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/internal/testutil"
)

func newTestLimiter(t *testing.T, config RateLimitConfig) (*RateLimiter, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(config, nil)
	rl.now = clock.Now
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}, nil)
	defer rl.Stop()

	assert.Equal(t, 10000, rl.config.MaxEntries)
	assert.Equal(t, 30*time.Minute, rl.config.IdleTimeout)
	assert.Equal(t, 5*time.Minute, rl.config.CleanupInterval)
	assert.NotNil(t, rl.logger)
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 3})

	for i := range 3 {
		assert.True(t, rl.Allow("198.51.100.1"), "request %d within burst", i+1)
	}
	assert.False(t, rl.Allow("198.51.100.1"), "burst exhausted")
	assert.True(t, rl.Allow("198.51.100.2"), "keys have separate buckets")
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, clock := newTestLimiter(t, RateLimitConfig{RequestsPerSecond: 2, Burst: 1})

	require.True(t, rl.Allow("k"))
	require.False(t, rl.Allow("k"))

	clock.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow("k"), "one token refilled after 1/rate")
}

func TestRateLimiter_EvictsLeastRecentlyUsed(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxEntries: 2})

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))
	require.False(t, rl.Allow("a"), "touches a")

	require.True(t, rl.Allow("c"), "evicts b")
	assert.Equal(t, 2, rl.Len())

	assert.True(t, rl.Allow("b"), "b starts with a fresh bucket")
	assert.False(t, rl.Allow("c"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestLimiter(t, RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1, IdleTimeout: time.Minute})

	rl.Allow("old")
	clock.Advance(50 * time.Second)
	rl.Allow("recent")
	clock.Advance(20 * time.Second)

	rl.Cleanup()

	assert.Equal(t, 1, rl.Len())
	assert.False(t, rl.Allow("recent"), "recent key keeps its bucket")
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	tests := []struct {
		rps  float64
		want time.Duration
	}{
		{rps: 10, want: time.Second},
		{rps: 0.2, want: 5 * time.Second},
		{rps: 0, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.rps), func(t *testing.T) {
			rl, _ := newTestLimiter(t, RateLimitConfig{RequestsPerSecond: tt.rps, Burst: 1})
			assert.Equal(t, tt.want, rl.RetryAfter())
		})
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimitConfig{RequestsPerSecond: 0.001, Burst: 5})

	var (
		mu      sync.Mutex
		allowed int
		wg      sync.WaitGroup
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}, nil)
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}
