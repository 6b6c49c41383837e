package nonce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_RememberThenSeen(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute).WithClock(func() time.Time { return now })

	seen, err := c.Seen(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.Remember(ctx, "n1"))
	seen, _ = c.Seen(ctx, "n1")
	assert.True(t, seen)

	now = now.Add(61 * time.Second)
	seen, _ = c.Seen(ctx, "n1")
	assert.False(t, seen, "expired nonce must not be reported as seen")
}

func TestMemoryCache_SweepIsAmortized(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCache(10 * time.Second).WithClock(func() time.Time { return now })

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Remember(ctx, fmt.Sprintf("n%d", i)))
	}

	now = now.Add(30 * time.Second)
	_, _ = c.Seen(ctx, "other")
	assert.Equal(t, 100, c.Len(), "no sweep before the interval elapses")

	now = now.Add(31 * time.Second)
	_, _ = c.Seen(ctx, "other")
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Claim(ctx, "shared")
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryCache_ForgetReleasesClaim(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	ok, err := c.Claim(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Forget(ctx, "n1"))
	seen, _ := c.Seen(ctx, "n1")
	assert.False(t, seen)

	ok, err = c.Claim(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRedisCache_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisCache_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer client.Close()

	c := NewRedisCache(client, 2*time.Second, fmt.Sprintf("helmpay-test:%d", time.Now().UnixNano()))

	ok, err := c.Claim(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	seen, err := c.Seen(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, c.Forget(ctx, "n1"))
	ok, err = c.Claim(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, ok)
}
