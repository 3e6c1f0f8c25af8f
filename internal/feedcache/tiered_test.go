package feedcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-engagement-counter/internal/feedcache"
	"github.com/koopa0/system-design/14-engagement-counter/internal/testutils"
)

func newTiered(t *testing.T, env *testutils.TestEnvironment, localTTL time.Duration) (*feedcache.Tiered, *feedcache.Local, *feedcache.Shared) {
	t.Helper()
	env.FlushRedis(t)
	local := feedcache.NewLocal(10, localTTL)
	shared := feedcache.NewShared(env.RedisClient)
	return feedcache.NewTiered(local, shared, feedcache.NewReverseIndex(env.RedisClient, time.Hour), env.Logger), local, shared
}

func TestTiered(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()

	t.Run("put fills both tiers and the index", func(t *testing.T) {
		tiered, local, shared := newTiered(t, env, time.Minute)
		require.NoError(t, tiered.Put(ctx, "k", samplePage(), time.Minute))

		_, ok := local.Get("k")
		assert.True(t, ok)
		_, ok, err := shared.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		keys, err := feedcache.NewReverseIndex(env.RedisClient, time.Hour).Keys(ctx, "p2", time.Now())
		require.NoError(t, err)
		assert.Equal(t, []string{"k"}, keys)
	})

	t.Run("promoted copy does not outlive the shared copy", func(t *testing.T) {
		tiered, local, shared := newTiered(t, env, time.Minute)
		require.NoError(t, shared.Put(ctx, "k", samplePage(), time.Second))

		_, ok, err := tiered.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		_, ok = local.Get("k")
		require.True(t, ok, "promoted into the local tier")

		time.Sleep(1200 * time.Millisecond)
		_, ok = local.Get("k")
		assert.False(t, ok, "local copy expires with the shared copy")

		_, ok, err = tiered.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("promotion is capped by the local ttl", func(t *testing.T) {
		tiered, local, shared := newTiered(t, env, 200*time.Millisecond)
		require.NoError(t, shared.Put(ctx, "k", samplePage(), time.Hour))

		_, ok, err := tiered.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(300 * time.Millisecond)
		_, ok = local.Get("k")
		assert.False(t, ok)
	})

	t.Run("shared ttl is reported", func(t *testing.T) {
		_, _, shared := newTiered(t, env, time.Minute)
		require.NoError(t, shared.Put(ctx, "k", samplePage(), 30*time.Second))

		_, ttl, ok, err := shared.GetWithTTL(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Greater(t, ttl, 25*time.Second)
		assert.LessOrEqual(t, ttl, 30*time.Second)

		require.NoError(t, env.RedisClient.Set(ctx, "forever", `{"page":1}`, 0).Err())
		_, ttl, ok, err = shared.GetWithTTL(ctx, "forever")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Zero(t, ttl)

		_, _, ok, err = shared.GetWithTTL(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
