package relation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
	"github.com/koopa0/system-design/14-engagement-counter/internal/relation"
	"github.com/koopa0/system-design/14-engagement-counter/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.CounterEvent
}

func (p *recordingPublisher) PublishCounter(_ context.Context, ev event.CounterEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) snapshot() []event.CounterEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.CounterEvent(nil), p.events...)
}

// memWriter 以 map 模擬 follower 資料表
type memWriter struct {
	mu    sync.Mutex
	edges map[[2]int64]bool
	err   error
	calls int
}

func newMemWriter() *memWriter { return &memWriter{edges: map[[2]int64]bool{}} }

func (w *memWriter) ApplyFollower(_ context.Context, typ event.RelationType, from, to int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return false, w.err
	}
	k := [2]int64{from, to}
	want := typ == event.FollowCreated
	if w.edges[k] == want {
		return false, nil
	}
	w.edges[k] = want
	return true, nil
}

func followCreated(from, to int64) event.RelationEvent {
	return event.RelationEvent{Type: event.FollowCreated, FromUserID: from, ToUserID: to}
}

func newProcessor(env *testutils.TestEnvironment, w relation.FollowerWriter, pub counter.EventPublisher) *relation.Processor {
	return relation.NewProcessor(env.RedisClient, w, pub, relation.ProcessorConfig{
		DedupTTL:   10 * time.Minute,
		PendingTTL: 2 * time.Second,
		ListTTL:    time.Hour,
	}, env.Logger)
}

// TestProcessor_DuplicateDelivery 同一事件投遞兩次：只寫入一次、只發一組計數事件
func TestProcessor_DuplicateDelivery(t *testing.T) {
	env := testutils.SetupRedis(t)
	w := newMemWriter()
	pub := &recordingPublisher{}
	p := newProcessor(env, w, pub)
	ctx := context.Background()

	outcome, err := p.Process(ctx, followCreated(1, 2), 10)
	require.NoError(t, err)
	assert.Equal(t, relation.OutcomeApplied, outcome)

	outcome, err = p.Process(ctx, followCreated(1, 2), 10)
	require.NoError(t, err)
	assert.Equal(t, relation.OutcomeDuplicate, outcome)
	assert.Equal(t, 1, w.calls)

	events := pub.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "1", events[0].EntityID)
	assert.Equal(t, counter.FieldFollowings, events[0].FieldIndex)
	assert.Equal(t, "2", events[1].EntityID)
	assert.Equal(t, counter.FieldFollowers, events[1].FieldIndex)
	for _, ev := range events {
		assert.Equal(t, counter.UserEntityType, ev.EntityType)
		assert.Equal(t, int32(1), ev.Delta)
	}

	ttl, err := env.RedisClient.TTL(ctx, relation.DedupKey(followCreated(1, 2), 10)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 9*time.Minute)
}

// TestProcessor_ExpiredMarkerIsNoop 標記過期後的重複事件只會是 no-op，不重複計數
func TestProcessor_ExpiredMarkerIsNoop(t *testing.T) {
	env := testutils.SetupRedis(t)
	w := newMemWriter()
	pub := &recordingPublisher{}
	p := newProcessor(env, w, pub)
	ctx := context.Background()

	_, err := p.Process(ctx, followCreated(1, 2), 10)
	require.NoError(t, err)
	require.NoError(t, env.RedisClient.Del(ctx, relation.DedupKey(followCreated(1, 2), 10)).Err())

	outcome, err := p.Process(ctx, followCreated(1, 2), 10)
	require.NoError(t, err)
	assert.Equal(t, relation.OutcomeNoop, outcome)
	assert.Len(t, pub.snapshot(), 2)
}

// TestProcessor_RefollowWithNewOutboxID 取消後再關注是新的 outbox id，正常套用
func TestProcessor_RefollowWithNewOutboxID(t *testing.T) {
	env := testutils.SetupRedis(t)
	w := newMemWriter()
	pub := &recordingPublisher{}
	p := newProcessor(env, w, pub)
	ctx := context.Background()

	steps := []struct {
		ev   event.RelationEvent
		id   int64
		want relation.Outcome
	}{
		{followCreated(1, 2), 1, relation.OutcomeApplied},
		{event.RelationEvent{Type: event.FollowCancelled, FromUserID: 1, ToUserID: 2}, 2, relation.OutcomeApplied},
		{followCreated(1, 2), 3, relation.OutcomeApplied},
	}
	for _, s := range steps {
		outcome, err := p.Process(ctx, s.ev, s.id)
		require.NoError(t, err)
		assert.Equal(t, s.want, outcome)
	}

	events := pub.snapshot()
	require.Len(t, events, 6)
	assert.Equal(t, int32(-1), events[2].Delta)
	assert.Equal(t, int32(-1), events[3].Delta)
}

// TestProcessor_PendingMarkerIsTransient 另一個處理者進行中時回傳暫時性錯誤讓訊息重送
func TestProcessor_PendingMarkerIsTransient(t *testing.T) {
	env := testutils.SetupRedis(t)
	w := newMemWriter()
	p := newProcessor(env, w, &recordingPublisher{})
	ctx := context.Background()

	key := relation.DedupKey(followCreated(3, 4), 5)
	require.NoError(t, env.RedisClient.Set(ctx, key, "pending", time.Minute).Err())

	_, err := p.Process(ctx, followCreated(3, 4), 5)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, 0, w.calls)
}

// TestProcessor_WriteFailureReleasesMarker 關係寫入失敗時刪除標記，重送可以重試
func TestProcessor_WriteFailureReleasesMarker(t *testing.T) {
	env := testutils.SetupRedis(t)
	w := newMemWriter()
	w.err = apperrors.Transient(errors.New("db down"), "insert follower")
	pub := &recordingPublisher{}
	p := newProcessor(env, w, pub)
	ctx := context.Background()

	_, err := p.Process(ctx, followCreated(1, 2), 9)
	require.Error(t, err)

	n, err := env.RedisClient.Exists(ctx, relation.DedupKey(followCreated(1, 2), 9)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()

	outcome, err := p.Process(ctx, followCreated(1, 2), 9)
	require.NoError(t, err)
	assert.Equal(t, relation.OutcomeApplied, outcome)
	assert.Len(t, pub.snapshot(), 2)
}

// TestProcessor_PatchesExistingLists 只修補已存在的清單
func TestProcessor_PatchesExistingLists(t *testing.T) {
	env := testutils.SetupRedis(t)
	p := newProcessor(env, newMemWriter(), &recordingPublisher{})
	ctx := context.Background()

	// 2 的粉絲清單已快取，1 的關注清單沒有
	require.NoError(t, env.RedisClient.ZAdd(ctx, relation.FollowersKey(2), redis.Z{Score: 1, Member: 99}).Err())

	_, err := p.Process(ctx, followCreated(1, 2), 1)
	require.NoError(t, err)

	fans, err := env.RedisClient.ZRange(ctx, relation.FollowersKey(2), 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"99", "1"}, fans)

	n, err := env.RedisClient.Exists(ctx, relation.FollowingKey(1)).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "missing list is left for backfill")
}

func TestProcessor_InvalidEvent(t *testing.T) {
	env := testutils.SetupRedis(t)
	p := newProcessor(env, newMemWriter(), &recordingPublisher{})

	_, err := p.Process(context.Background(), event.RelationEvent{Type: "Blocked", FromUserID: 1, ToUserID: 2}, 1)
	assert.True(t, apperrors.IsMalformed(err))
}

func TestDedupKey(t *testing.T) {
	corr := int64(77)
	ev := followCreated(1, 2)
	assert.Equal(t, "dedup:rel:FollowCreated:1:2:5", relation.DedupKey(ev, 5))

	ev.CorrelationID = &corr
	assert.Equal(t, "dedup:rel:FollowCreated:1:2:77", relation.DedupKey(ev, 5))
	assert.Equal(t, "duplicate", relation.OutcomeDuplicate.String())
}
