package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-engagement-counter/internal/bus"
	"github.com/koopa0/system-design/14-engagement-counter/internal/testutils"
)

func newJetStream(t *testing.T) *bus.JetStream {
	t.Helper()
	url := testutils.StartNATS(t)

	js, err := bus.NewJetStream(bus.JetStreamConfig{
		URL:         url,
		Stream:      "TEST",
		Subjects:    []string{"counter.events", "outbox.events"},
		StorageType: "memory",
		MaxAge:      time.Hour,
		AckWait:     time.Second,
		MaxDeliver:  5,
		FetchWait:   200 * time.Millisecond,
		DedupWindow: time.Minute,
	}, testutils.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.Close() })
	return js
}

// TestJetStream_PublishFetch 發布後由 durable consumer 取回，帶分區鍵與訊息 ID
func TestJetStream_PublishFetch(t *testing.T) {
	js := newJetStream(t)
	ctx := context.Background()

	require.NoError(t, js.Publish(ctx, bus.Message{Subject: "counter.events", Key: "post:1", ID: "a", Data: []byte("1")}))
	require.NoError(t, js.Publish(ctx, bus.Message{Subject: "outbox.events", ID: "b", Data: []byte("2")}))

	c, err := js.Subscribe(ctx, "counter.events", "agg")
	require.NoError(t, err)
	defer c.Close()

	ds, err := c.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1, "filter subject limits the consumer")
	assert.Equal(t, "post:1", ds[0].Key)
	assert.Equal(t, "a", ds[0].ID)
	assert.Equal(t, []byte("1"), ds[0].Data)
	require.NoError(t, ds[0].Ack())

	ds, err = c.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

// TestJetStream_Dedup 相同訊息 ID 在去重視窗內只保存一次
func TestJetStream_Dedup(t *testing.T) {
	js := newJetStream(t)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, js.Publish(ctx, bus.Message{Subject: "outbox.events", ID: "outbox-1", Data: []byte("x")}))
	}

	c, err := js.Subscribe(ctx, "outbox.events", "proc")
	require.NoError(t, err)
	defer c.Close()

	ds, err := c.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ds, 1)
}

// TestJetStream_NakRedelivers Nak 後重送並累加投遞次數
func TestJetStream_NakRedelivers(t *testing.T) {
	js := newJetStream(t)
	ctx := context.Background()
	require.NoError(t, js.Publish(ctx, bus.Message{Subject: "counter.events", Data: []byte("x")}))

	c, err := js.Subscribe(ctx, "counter.events", "retry")
	require.NoError(t, err)
	defer c.Close()

	ds, err := c.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NoError(t, ds[0].Nak(0))

	var again []*bus.Delivery
	require.Eventually(t, func() bool {
		again, err = c.Fetch(ctx, 1)
		return err == nil && len(again) == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, uint64(2), again[0].NumDelivered)
	require.NoError(t, again[0].Ack())
}

// TestJetStream_DurableResume 重新訂閱同一 group 時從未確認的位置繼續
func TestJetStream_DurableResume(t *testing.T) {
	js := newJetStream(t)
	ctx := context.Background()

	c, err := js.Subscribe(ctx, "counter.events", "durable")
	require.NoError(t, err)
	require.NoError(t, js.Publish(ctx, bus.Message{Subject: "counter.events", Data: []byte("1")}))
	ds, err := c.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NoError(t, ds[0].Ack())
	require.NoError(t, c.Close())

	require.NoError(t, js.Publish(ctx, bus.Message{Subject: "counter.events", Data: []byte("2")}))

	c, err = js.Subscribe(ctx, "counter.events", "durable")
	require.NoError(t, err)
	defer c.Close()
	ds, err = c.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, []byte("2"), ds[0].Data)
}

// TestJetStream_FromLatestSkipsHistory 新的實例 group 不重播保留期內的事件
func TestJetStream_FromLatestSkipsHistory(t *testing.T) {
	js := newJetStream(t)
	ctx := context.Background()

	for range 5 {
		require.NoError(t, js.Publish(ctx, bus.Message{Subject: "counter.events", Data: []byte("old")}))
	}

	c, err := js.Subscribe(ctx, "counter.events", "feed-cache-local-pod-b", bus.FromLatest())
	require.NoError(t, err)
	defer c.Close()

	ds, err := c.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ds, "no history for a new local group")

	require.NoError(t, js.Publish(ctx, bus.Message{Subject: "counter.events", Data: []byte("new")}))
	ds, err = c.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, []byte("new"), ds[0].Data)
	require.NoError(t, ds[0].Ack())

	// 一般 group 仍從頭讀取
	all, err := js.Subscribe(ctx, "counter.events", "feed-cache")
	require.NoError(t, err)
	defer all.Close()
	ds, err = all.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ds, 6)
}
