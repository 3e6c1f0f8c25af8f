package counter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-engagement-counter/internal/aggregator"
	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/testutils"
)

type fixedRelations struct{ followings, followers int64 }

func (f fixedRelations) CountFollowings(context.Context, int64) (int64, error) { return f.followings, nil }
func (f fixedRelations) CountFollowers(context.Context, int64) (int64, error)  { return f.followers, nil }

type fixedPosts int64

func (f fixedPosts) CountPosts(context.Context, int64) (int64, error) { return int64(f), nil }

func TestUserCounters_ReadAndRebuild(t *testing.T) {
	env := testutils.SetupRedis(t)
	store := counter.NewStore(env.RedisClient)
	ctx := context.Background()
	subject := counter.UserSubject(5)

	_, err := store.Increment(ctx, subject, counter.FieldFollowers, 3)
	require.NoError(t, err)
	_, err = store.Increment(ctx, subject, counter.FieldLikesReceived, 8)
	require.NoError(t, err)

	users := counter.NewUserCounters(store, fixedRelations{followings: 2, followers: 10}, fixedPosts(4), env.Logger)

	got, err := users.Read(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, counter.UserCounts{Followers: 3, LikesReceived: 8}, got)

	got, err = users.Rebuild(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, counter.UserCounts{
		Followings:    2,
		Followers:     10,
		Posts:         4,
		LikesReceived: 8,
	}, got)
}

func TestUserCounters_RebuildWithoutPosts(t *testing.T) {
	env := testutils.SetupRedis(t)
	store := counter.NewStore(env.RedisClient)

	users := counter.NewUserCounters(store, fixedRelations{followings: 1}, nil, env.Logger)
	got, err := users.Rebuild(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Followings)
	assert.Equal(t, int64(0), got.Posts)
}

// recordingStore 計算覆寫次數
type recordingStore struct {
	*counter.Store
	sets int
}

func (r *recordingStore) SetField(ctx context.Context, subject counter.Subject, field int, value int64) error {
	r.sets++
	return r.Store.SetField(ctx, subject, field, value)
}

type countingRelations struct {
	followings, followers int64
	err                   error
	calls                 int
}

func (c *countingRelations) CountFollowings(context.Context, int64) (int64, error) {
	c.calls++
	return c.followings, c.err
}

func (c *countingRelations) CountFollowers(context.Context, int64) (int64, error) {
	return c.followers, c.err
}

// TestUserCounters_ReadCheckedRebuildsOnDrift 計數與關係資料表不一致時重建，間隔內只比對一次
func TestUserCounters_ReadCheckedRebuildsOnDrift(t *testing.T) {
	env := testutils.SetupRedis(t)
	store := counter.NewStore(env.RedisClient)
	ctx := context.Background()

	_, err := store.Increment(ctx, counter.UserSubject(3), counter.FieldFollowers, 1)
	require.NoError(t, err)

	rel := &countingRelations{followings: 2, followers: 5}
	users := counter.NewUserCounters(store, rel, nil, env.Logger)
	users.UseCheckGate(counter.NewCheckGate(env.RedisClient, time.Minute))

	got, err := users.ReadChecked(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Followings)
	assert.Equal(t, int64(5), got.Followers)
	assert.Equal(t, 1, rel.calls)

	ttl, err := env.RedisClient.TTL(ctx, "ucnt:chk:3").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	// 間隔內不再比對：資料表再變也只回傳記錄裡的值
	rel.followers = 9
	got, err = users.ReadChecked(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Followers)
	assert.Equal(t, 1, rel.calls)

	// 閘門過期後再次比對並重建
	require.NoError(t, env.RedisClient.Del(ctx, "ucnt:chk:3").Err())
	got, err = users.ReadChecked(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Followers)
	assert.Equal(t, 2, rel.calls)
}

// TestUserCounters_ReadCheckedConsistent 一致時不寫入
func TestUserCounters_ReadCheckedConsistent(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()
	store := &recordingStore{Store: counter.NewStore(env.RedisClient)}

	_, err := store.Increment(ctx, counter.UserSubject(4), counter.FieldFollowings, 1)
	require.NoError(t, err)

	users := counter.NewUserCounters(store, &countingRelations{followings: 1}, nil, env.Logger)
	users.UseCheckGate(counter.NewCheckGate(env.RedisClient, time.Minute))

	got, err := users.ReadChecked(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Followings)
	assert.Zero(t, store.sets)
}

// TestUserCounters_ReadCheckedSourceFailure 資料表查詢失敗時不重建，回傳記錄裡的值
func TestUserCounters_ReadCheckedSourceFailure(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()
	store := counter.NewStore(env.RedisClient)

	_, err := store.Increment(ctx, counter.UserSubject(6), counter.FieldFollowers, 7)
	require.NoError(t, err)

	users := counter.NewUserCounters(store, &countingRelations{err: errors.New("db down")}, nil, env.Logger)
	users.UseCheckGate(counter.NewCheckGate(env.RedisClient, time.Minute))

	got, err := users.ReadChecked(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Followers)
}

// TestUserCounters_ReadCheckedWithoutGate 未設定閘門時只讀取
func TestUserCounters_ReadCheckedWithoutGate(t *testing.T) {
	env := testutils.SetupRedis(t)
	rel := &countingRelations{followers: 3}
	users := counter.NewUserCounters(counter.NewStore(env.RedisClient), rel, nil, env.Logger)

	got, err := users.ReadChecked(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, got.Followers)
	assert.Zero(t, rel.calls)
}

// TestUserCounters_RebuildSupersedesPendingDeltas 重建丟棄已被資料表涵蓋的待寫入 delta
func TestUserCounters_RebuildSupersedesPendingDeltas(t *testing.T) {
	env := testutils.SetupRedis(t)
	store := counter.NewStore(env.RedisClient)
	acc := aggregator.NewAccumulator(env.RedisClient)
	agg := aggregator.New(acc, store, aggregator.Config{LeaseTTL: 5 * time.Second, OpTimeout: time.Second}, env.Logger)
	ctx := context.Background()
	subject := counter.UserSubject(11)

	// 資料表已有 4 位粉絲，其中 2 筆的計數事件還在累加器裡
	require.NoError(t, acc.Accumulate(ctx, subject, counter.FieldFollowers, 2))
	require.NoError(t, acc.Accumulate(ctx, subject, counter.FieldLikesReceived, 5))

	users := counter.NewUserCounters(store, fixedRelations{followings: 1, followers: 4}, nil, env.Logger)
	users.UsePendingLedger(acc, 5*time.Second)

	got, err := users.Rebuild(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Followers)

	_, err = agg.Flush(ctx)
	require.NoError(t, err)

	got, err = users.Read(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Followers, "pending follower delta not applied twice")
	assert.Equal(t, int64(5), got.LikesReceived, "fields outside the rebuild still flush")
}
