package counter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

func TestBitmap_Toggle(t *testing.T) {
	env := testutils.SetupRedis(t)
	bm := counter.NewBitmap(env.RedisClient)
	ctx := context.Background()

	steps := []struct {
		add     bool
		changed bool
		set     bool
	}{
		{add: true, changed: true, set: true},
		{add: true, changed: false, set: true},
		{add: false, changed: true, set: false},
		{add: false, changed: false, set: false},
	}
	for i, s := range steps {
		changed, err := bm.Toggle(ctx, counter.MetricLike, "post", "p1", 40000, s.add)
		require.NoError(t, err)
		assert.Equal(t, s.changed, changed, "step %d", i)

		set, err := bm.IsSet(ctx, counter.MetricLike, "post", "p1", 40000)
		require.NoError(t, err)
		assert.Equal(t, s.set, set, "step %d", i)
	}

	// 使用者 40000 落在第二個分段
	n, err := env.RedisClient.Exists(ctx, counter.BitmapKey(counter.MetricLike, "post", "p1", 1)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBitmap_MetricsAreIndependent(t *testing.T) {
	env := testutils.SetupRedis(t)
	bm := counter.NewBitmap(env.RedisClient)
	ctx := context.Background()

	_, err := bm.Toggle(ctx, counter.MetricLike, "post", "p1", 7, true)
	require.NoError(t, err)

	faved, err := bm.IsSet(ctx, counter.MetricFav, "post", "p1", 7)
	require.NoError(t, err)
	assert.False(t, faved)

	other, err := bm.IsSet(ctx, counter.MetricLike, "post", "p2", 7)
	require.NoError(t, err)
	assert.False(t, other)
}

func TestBitmap_NegativeUser(t *testing.T) {
	env := testutils.SetupRedis(t)
	bm := counter.NewBitmap(env.RedisClient)

	_, err := bm.Toggle(context.Background(), counter.MetricLike, "post", "p1", -1, true)
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = bm.IsSet(context.Background(), counter.MetricLike, "post", "p1", -1)
	assert.True(t, apperrors.IsInvalidInput(err))
}
