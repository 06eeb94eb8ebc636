package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relatehq/engine/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis; it skips otherwise.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })

	c := cache.NewRedisStore(client, time.Minute)
	k := cache.Key{Namespace: "document", ObjectID: "d1", Relation: "viewer", Subject: "user:alice"}

	_, _, found, err := c.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, k, true, 1700000000000000))
	allowed, stampedAt, found, err := c.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, allowed)
	assert.Equal(t, int64(1700000000000000), stampedAt)

	require.NoError(t, c.InvalidateObject(ctx, "document", "d1"))
	_, _, found, err = c.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, found)
}
