package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurst(t *testing.T) {
	// Tiny refill rate so the test only exercises the burst capacity.
	l := NewMemoryLimiter(0.001, 3)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "project:a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := l.Allow(ctx, "project:a")
	require.NoError(t, err)
	assert.False(t, ok, "request beyond burst")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(0.001, 1)
	defer l.Close()
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "project:a")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "project:a")
	assert.False(t, ok)

	// A different key still has its full bucket.
	ok, _ = l.Allow(ctx, "project:b")
	assert.True(t, ok)
}

func TestMemoryLimiterRefills(t *testing.T) {
	// 100 tokens/sec refills one token in ~10ms.
	l := NewMemoryLimiter(100, 1)
	defer l.Close()
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "ip:1.2.3.4")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "ip:1.2.3.4")
	require.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	ok, _ = l.Allow(ctx, "ip:1.2.3.4")
	assert.True(t, ok, "token refilled after waiting")
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	l := NewMemoryLimiter(0.001, 50)
	defer l.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(ctx, "shared")
			if err == nil && ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestWindowLimiterClampsBadInput(t *testing.T) {
	l := NewWindowLimiter(0, -time.Second)
	defer l.Close()

	ok, err := l.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	ok, err := l.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Close())
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "project:abc", ProjectKey("abc"))
	assert.Equal(t, "ip:1.2.3.4", IPKey("1.2.3.4"))
}
