package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-raffle/internal/logger"
)

// setupTestRedis creates a Redis client backed by miniredis
func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	require.NoError(t, client.Ping(context.Background()).Err())

	return NewRedis(client, logger.NewLogger(), 10*time.Minute), mr
}

func TestAcquireDrawLockIsExclusive(t *testing.T) {
	r, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	ok, err := r.AcquireDrawLock(ctx, "draw-1", "runner-a")
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AcquireDrawLock(ctx, "draw-1", "runner-b")
	assert.NoError(t, err)
	assert.False(t, ok)

	// Another draw is independent.
	ok, err = r.AcquireDrawLock(ctx, "draw-2", "runner-b")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseDrawLockOwnerOnly(t *testing.T) {
	r, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	ok, err := r.AcquireDrawLock(ctx, "draw-1", "runner-a")
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner release leaves the lock in place.
	assert.NoError(t, r.ReleaseDrawLock(ctx, "draw-1", "runner-b"))
	ok, err = r.AcquireDrawLock(ctx, "draw-1", "runner-c")
	assert.NoError(t, err)
	assert.False(t, ok)

	// The owner release frees it.
	assert.NoError(t, r.ReleaseDrawLock(ctx, "draw-1", "runner-a"))
	ok, err = r.AcquireDrawLock(ctx, "draw-1", "runner-c")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseDrawLockMissingKey(t *testing.T) {
	r, mr := setupTestRedis(t)
	defer mr.Close()

	assert.NoError(t, r.ReleaseDrawLock(context.Background(), "draw-1", "runner-a"))
}

func TestDrawLockExpires(t *testing.T) {
	r, mr := setupTestRedis(t)
	defer mr.Close()
	ctx := context.Background()

	ok, err := r.AcquireDrawLock(ctx, "draw-1", "runner-a")
	require.NoError(t, err)
	require.True(t, ok)

	// A crashed orchestrator never releases; the ttl does it instead.
	mr.FastForward(11 * time.Minute)

	ok, err = r.AcquireDrawLock(ctx, "draw-1", "runner-b")
	assert.NoError(t, err)
	assert.True(t, ok)
}
