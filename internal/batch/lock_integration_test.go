//go:build integration

package batch

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-crew/internal/testutil"
)

func TestRedisLock(t *testing.T) {
	opts, err := redis.ParseURL(testutil.StartRedis(t))
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	a := NewRedisLock(client, time.Minute, zap.NewNop())
	b := NewRedisLock(client, time.Minute, zap.NewNop())

	release, ok, err := a.TryAcquire(ctx, globalKey)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx, globalKey)
	require.NoError(t, err)
	assert.False(t, ok, "second process sees the cycle in progress")

	release()
	relB, ok, err := b.TryAcquire(ctx, globalKey)
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale release must not drop someone else's lock.
	release()
	_, ok, err = a.TryAcquire(ctx, globalKey)
	require.NoError(t, err)
	assert.False(t, ok)
	relB()
}
