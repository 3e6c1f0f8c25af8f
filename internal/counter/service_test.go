package counter_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-engagement-counter/internal/aggregator"
	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
	"github.com/koopa0/system-design/14-engagement-counter/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// recordingPublisher 記錄發布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []event.CounterEvent
	err    error
}

func (p *recordingPublisher) PublishCounter(_ context.Context, ev event.CounterEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) snapshot() []event.CounterEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.CounterEvent(nil), p.events...)
}

func newService(t *testing.T, env *testutils.TestEnvironment, pub counter.EventPublisher) *counter.Service {
	t.Helper()
	return counter.NewService(counter.NewBitmap(env.RedisClient), counter.NewStore(env.RedisClient), pub, env.Logger, 2*time.Second)
}

// TestService_LikeIdempotent 重複點讚只發一次事件
func TestService_LikeIdempotent(t *testing.T) {
	env := testutils.SetupRedis(t)
	pub := &recordingPublisher{}
	svc := newService(t, env, pub)
	ctx := context.Background()

	changed, err := svc.Like(ctx, "post", "42", 7)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.Like(ctx, "post", "42", 7)
	require.NoError(t, err)
	assert.False(t, changed, "second like is a no-op")

	liked, err := svc.IsSet(ctx, counter.MetricLike, "post", "42", 7)
	require.NoError(t, err)
	assert.True(t, liked)

	events := pub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, event.CounterEvent{
		EntityType:  "post",
		EntityID:    "42",
		Metric:      counter.MetricLike,
		FieldIndex:  counter.FieldLike,
		ActorUserID: 7,
		Delta:       1,
	}, events[0])
}

// TestService_UnlikeAfterLike 取消點讚發 -1；未點讚時取消不發事件
func TestService_UnlikeAfterLike(t *testing.T) {
	env := testutils.SetupRedis(t)
	pub := &recordingPublisher{}
	svc := newService(t, env, pub)
	ctx := context.Background()

	changed, err := svc.Unfav(ctx, "post", "1", 3)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = svc.Fav(ctx, "post", "1", 3)
	require.NoError(t, err)
	changed, err = svc.Unfav(ctx, "post", "1", 3)
	require.NoError(t, err)
	assert.True(t, changed)

	events := pub.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, int32(1), events[0].Delta)
	assert.Equal(t, int32(-1), events[1].Delta)
	assert.Equal(t, counter.FieldFav, events[1].FieldIndex)
}

// TestService_ConcurrentLikes 同一使用者並發點讚只有一次成功
func TestService_ConcurrentLikes(t *testing.T) {
	env := testutils.SetupRedis(t)
	pub := &recordingPublisher{}
	svc := newService(t, env, pub)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := svc.Like(ctx, "post", "race", 99)
			assert.NoError(t, err)
			if changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changes)
	assert.Len(t, pub.snapshot(), 1)
}

// TestService_PublishFailureStillChanges 事件發布失敗不影響位圖結果
func TestService_PublishFailureStillChanges(t *testing.T) {
	env := testutils.SetupRedis(t)
	pub := &recordingPublisher{err: errors.New("bus down")}
	svc := newService(t, env, pub)

	changed, err := svc.Like(context.Background(), "post", "5", 1)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestService_InvalidInput(t *testing.T) {
	env := testutils.SetupRedis(t)
	svc := newService(t, env, &recordingPublisher{})
	ctx := context.Background()

	_, err := svc.Toggle(ctx, "read", "post", "1", 1, true)
	assert.True(t, apperrors.IsInvalidInput(err), "read is not a toggle metric")

	_, err = svc.Toggle(ctx, counter.MetricLike, "", "1", 1, true)
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = svc.Like(ctx, "post", "1", -1)
	assert.True(t, apperrors.IsInvalidInput(err))

	_, err = svc.Counts(ctx, "post", "1", []string{"views"})
	assert.True(t, apperrors.IsInvalidInput(err))
}

// TestService_Reconcile 以位圖人數覆寫計數，跨越多個分段
func TestService_Reconcile(t *testing.T) {
	env := testutils.SetupRedis(t)
	svc := newService(t, env, &recordingPublisher{})
	store := counter.NewStore(env.RedisClient)
	ctx := context.Background()

	users := []int64{1, 2, counter.ChunkSize + 5, 3*counter.ChunkSize + 1}
	for _, u := range users {
		_, err := svc.Like(ctx, "post", "9", u)
		require.NoError(t, err)
	}
	// 前綴相同的其他實體不能被算進來
	_, err := svc.Like(ctx, "post", "99", 1)
	require.NoError(t, err)

	// 計數漂移
	require.NoError(t, store.SetField(ctx, counter.EntitySubject("post", "9"), counter.FieldLike, 100))

	n, err := svc.Reconcile(ctx, counter.MetricLike, "post", "9")
	require.NoError(t, err)
	assert.Equal(t, int64(len(users)), n)

	counts, err := svc.Counts(ctx, "post", "9", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{counter.MetricLike: 4, counter.MetricFav: 0}, counts)
}

// TestService_ReconcileSupersedesPendingDeltas 校正後不會再把已涵蓋的待寫入 delta 加一次
func TestService_ReconcileSupersedesPendingDeltas(t *testing.T) {
	env := testutils.SetupRedis(t)
	store := counter.NewStore(env.RedisClient)
	acc := aggregator.NewAccumulator(env.RedisClient)
	agg := aggregator.New(acc, store, aggregator.Config{LeaseTTL: 5 * time.Second, OpTimeout: time.Second}, env.Logger)
	svc := newService(t, env, &recordingPublisher{})
	svc.UsePendingLedger(acc, 5*time.Second)
	ctx := context.Background()
	subject := counter.EntitySubject("post", "r")

	// 三個點讚，事件已累加但還沒 flush
	for u := range int64(3) {
		_, err := svc.Like(ctx, "post", "r", u+1)
		require.NoError(t, err)
		require.NoError(t, acc.Accumulate(ctx, subject, counter.FieldLike, 1))
	}
	_, err := svc.Fav(ctx, "post", "r", 1)
	require.NoError(t, err)
	require.NoError(t, acc.Accumulate(ctx, subject, counter.FieldFav, 1))

	n, err := svc.Reconcile(ctx, counter.MetricLike, "post", "r")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = agg.Flush(ctx)
	require.NoError(t, err)

	counts, err := svc.Counts(ctx, "post", "r", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{counter.MetricLike: 3, counter.MetricFav: 1}, counts)
}

// TestService_ReconcileWaitsForFlush 主體正在 flush 時回傳暫時性錯誤
func TestService_ReconcileWaitsForFlush(t *testing.T) {
	env := testutils.SetupRedis(t)
	acc := aggregator.NewAccumulator(env.RedisClient)
	svc := newService(t, env, &recordingPublisher{})
	svc.UsePendingLedger(acc, 5*time.Second)
	ctx := context.Background()

	ok, err := acc.Lease(ctx, counter.EntitySubject("post", "held"), "flusher", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Reconcile(ctx, counter.MetricLike, "post", "held")
	require.ErrorIs(t, err, apperrors.ErrSubjectBusy)
	assert.True(t, apperrors.IsTransient(err))

	require.NoError(t, acc.Release(ctx, counter.EntitySubject("post", "held"), "flusher"))
	_, err = svc.Reconcile(ctx, counter.MetricLike, "post", "held")
	require.NoError(t, err)
}

func TestBitmap_Count_EscapesGlob(t *testing.T) {
	env := testutils.SetupRedis(t)
	bm := counter.NewBitmap(env.RedisClient)
	ctx := context.Background()

	for i, id := range []string{"a*", "ab", "a[b]"} {
		for u := range int64(i + 1) {
			_, err := bm.Toggle(ctx, counter.MetricLike, "post", id, u, true)
			require.NoError(t, err)
		}
	}

	for i, id := range []string{"a*", "ab", "a[b]"} {
		n, err := bm.Count(ctx, counter.MetricLike, "post", id)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), n, fmt.Sprintf("entity %s", id))
	}
}
