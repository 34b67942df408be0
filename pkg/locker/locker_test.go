package locker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendvault/sendvault/pkg/config"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redisBackend) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, newRedisBackend(client)
}

func TestRedisMutex(t *testing.T) {
	ctx := context.Background()
	_, b := newTestRedis(t)

	token, err := b.TryAcquire(ctx, "delivery-claim", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Held elsewhere: empty token, no error.
	other, err := b.TryAcquire(ctx, "delivery-claim", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, other)

	// Release is compare-and-delete; a stale token is a no-op.
	released, err := b.Release(ctx, "delivery-claim", "stale")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = b.Release(ctx, "delivery-claim", token)
	require.NoError(t, err)
	assert.True(t, released)

	token, err = b.TryAcquire(ctx, "delivery-claim", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestRedisMutexTTLExpiry(t *testing.T) {
	ctx := context.Background()
	mr, b := newTestRedis(t)

	token, err := b.TryAcquire(ctx, "indexer", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	mr.FastForward(2 * time.Second)

	// The orphaned lock expired; a second holder takes over.
	token2, err := b.TryAcquire(ctx, "indexer", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token2)
	assert.NotEqual(t, token, token2)
}

func TestRedisRateLimit(t *testing.T) {
	ctx := context.Background()
	mr, b := newTestRedis(t)

	d, err := b.Allow(ctx, "ip1:/v1/messages", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.Equal(t, int64(1), d.Count)
	assert.Equal(t, int64(1), d.Remaining)

	d, err = b.Allow(ctx, "ip1:/v1/messages", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.Equal(t, int64(2), d.Count)
	assert.Zero(t, d.Remaining)

	// At max: rejected without incrementing, retry hint is the window TTL.
	d, err = b.Allow(ctx, "ip1:/v1/messages", 2, time.Second)
	require.NoError(t, err)
	assert.False(t, d.OK)
	assert.Equal(t, int64(-1), d.Count)
	assert.Positive(t, d.RetryAfterMs)

	// Other keys are unaffected.
	d, err = b.Allow(ctx, "ip2:/v1/messages", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, d.OK)

	mr.FastForward(2 * time.Second)
	d, err = b.Allow(ctx, "ip1:/v1/messages", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.Equal(t, int64(1), d.Count)
}

func TestMemoryLimiterFallback(t *testing.T) {
	ctx := context.Background()
	m := newMemoryLimiter()

	first, err := m.Allow(ctx, "ip1:/v1/messages", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, first.OK)

	second, err := m.Allow(ctx, "ip1:/v1/messages", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, second.OK)

	third, err := m.Allow(ctx, "ip1:/v1/messages", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, third.OK)
	assert.Positive(t, third.RetryAfterMs)
}

func TestNewWithoutBackend(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, &config.Config{})
	require.NoError(t, err)
	assert.False(t, b.Distributed())

	token, err := b.Mutex.TryAcquire(ctx, "anything", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, token)

	_, err = New(ctx, &config.Config{StrictMode: true})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
