package relation_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-engagement-counter/internal/directory"
	"github.com/koopa0/system-design/14-engagement-counter/internal/relation"
	"github.com/koopa0/system-design/14-engagement-counter/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *stubLimiter) TryAcquire(_ context.Context, key string, _ int64, _ float64) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

// stubUsers 只認得 known 中的使用者
type stubUsers struct {
	known map[int64]bool
}

func (u stubUsers) ResolveUserSummaries(_ context.Context, ids []int64) (map[int64]directory.UserSummary, error) {
	out := make(map[int64]directory.UserSummary)
	for _, id := range ids {
		if u.known[id] {
			out[id] = directory.UserSummary{ID: id, Nickname: "user-" + strconv.FormatInt(id, 10)}
		}
	}
	return out, nil
}

func newService(env *testutils.TestEnvironment, limiter relation.RateLimiter, users relation.UserResolver) *relation.Service {
	return relation.NewService(relation.NewStore(env.PostgresPool), env.RedisClient, limiter, users,
		relation.ServiceConfig{
			FollowCapacity:        10,
			FollowRefillPerSecond: 1,
			ListTTL:               time.Hour,
			Timeout:               5 * time.Second,
		}, env.Logger)
}

func TestService(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()
	users := stubUsers{known: map[int64]bool{2: true, 3: true, 4: true}}

	t.Run("invalid pairs", func(t *testing.T) {
		env.ResetTestData(t)
		limiter := &stubLimiter{allow: true}
		svc := newService(env, limiter, users)

		_, err := svc.Follow(ctx, 1, 1)
		assert.ErrorIs(t, err, apperrors.ErrSelfFollow)

		_, err = svc.Follow(ctx, 0, 2)
		assert.True(t, apperrors.IsInvalidInput(err))

		_, err = svc.Unfollow(ctx, 3, 3)
		assert.ErrorIs(t, err, apperrors.ErrSelfFollow)
		assert.Empty(t, limiter.keys)
	})

	t.Run("rate limited follow writes nothing", func(t *testing.T) {
		env.ResetTestData(t)
		limiter := &stubLimiter{allow: false}
		svc := newService(env, limiter, users)

		_, err := svc.Follow(ctx, 1, 2)
		assert.True(t, apperrors.IsRateLimited(err))
		assert.Equal(t, []string{"rl:follow:1"}, limiter.keys)
		assert.Empty(t, readOutbox(t, env))
	})

	t.Run("limiter failure rejects the follow", func(t *testing.T) {
		env.ResetTestData(t)
		limiter := &stubLimiter{err: apperrors.Transient(errors.New("redis down"), "token bucket")}
		svc := newService(env, limiter, users)

		_, err := svc.Follow(ctx, 1, 2)
		assert.True(t, apperrors.IsTransient(err))
		assert.Empty(t, readOutbox(t, env))
	})

	t.Run("follow and unfollow", func(t *testing.T) {
		env.ResetTestData(t)
		svc := newService(env, &stubLimiter{allow: true}, users)

		created, err := svc.Follow(ctx, 1, 2)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = svc.Follow(ctx, 1, 2)
		require.NoError(t, err)
		assert.False(t, created)

		st, err := svc.Status(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, relation.Status{Following: true}, st)

		_, err = svc.Follow(ctx, 2, 1)
		require.NoError(t, err)
		st, err = svc.Status(ctx, 1, 2)
		require.NoError(t, err)
		assert.True(t, st.Mutual)

		cancelled, err := svc.Unfollow(ctx, 1, 2)
		require.NoError(t, err)
		assert.True(t, cancelled)

		cancelled, err = svc.Unfollow(ctx, 1, 2)
		require.NoError(t, err)
		assert.False(t, cancelled)

		assert.Len(t, readOutbox(t, env), 3)
	})

	t.Run("following list backfills then patches", func(t *testing.T) {
		env.ResetTestData(t)
		svc := newService(env, &stubLimiter{allow: true}, users)

		for _, to := range []int64{2, 3} {
			_, err := svc.Follow(ctx, 1, to)
			require.NoError(t, err)
		}

		// 清單還不存在：從資料表回填
		n, err := env.RedisClient.Exists(ctx, relation.FollowingKey(1)).Result()
		require.NoError(t, err)
		assert.Zero(t, n)

		ids, err := svc.Following(ctx, 1, 0, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{2, 3}, ids)

		ttl, err := env.RedisClient.PTTL(ctx, relation.FollowingKey(1)).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))

		// 清單存在後，自己的關注清單同步修補
		_, err = svc.Follow(ctx, 1, 4)
		require.NoError(t, err)
		_, err = svc.Unfollow(ctx, 1, 2)
		require.NoError(t, err)

		ids, err = svc.Following(ctx, 1, 0, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{3, 4}, ids)
	})

	t.Run("cached list pages newest first", func(t *testing.T) {
		env.ResetTestData(t)
		svc := newService(env, &stubLimiter{allow: true}, users)

		key := relation.FollowersKey(9)
		require.NoError(t, env.RedisClient.ZAdd(ctx, key,
			redis.Z{Score: 100, Member: 2},
			redis.Z{Score: 300, Member: 5},
			redis.Z{Score: 200, Member: 3},
		).Err())

		ids, err := svc.Followers(ctx, 9, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{5, 3}, ids)

		ids, err = svc.Followers(ctx, 9, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids)

		// 5 不在使用者目錄中：略過，其餘保持順序
		profiles, err := svc.FollowerProfiles(ctx, 9, 0, 10)
		require.NoError(t, err)
		require.Len(t, profiles, 2)
		assert.Equal(t, int64(3), profiles[0].ID)
		assert.Equal(t, int64(2), profiles[1].ID)
	})

	t.Run("empty list and bad page", func(t *testing.T) {
		env.ResetTestData(t)
		svc := newService(env, &stubLimiter{allow: true}, users)

		ids, err := svc.Followers(ctx, 42, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		_, err = svc.Following(ctx, 42, -1, 10)
		assert.True(t, apperrors.IsInvalidInput(err))
	})
}
