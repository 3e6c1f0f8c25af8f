package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-engagement-counter/internal/bus"
	"github.com/koopa0/system-design/14-engagement-counter/internal/testutils"
)

// TestRunner_AckAndRetry 失敗的訊息被 Nak 後重送，成功後 Ack
func TestRunner_AckAndRetry(t *testing.T) {
	b := newMemory()
	publishN(t, b, "t", 3)

	var (
		mu       sync.Mutex
		seen     = map[string]int{}
		failOnce atomic.Bool
	)
	failOnce.Store(true)

	handler := bus.HandlerFunc(func(_ context.Context, d *bus.Delivery) error {
		mu.Lock()
		seen[d.ID]++
		mu.Unlock()
		if d.ID == "m-1" && failOnce.CompareAndSwap(true, false) {
			return errors.New("transient")
		}
		return nil
	})

	r := bus.NewRunner(b, handler, bus.RunnerConfig{
		Topic:    "t",
		Group:    "g",
		NakDelay: 10 * time.Millisecond,
	}, testutils.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	testutils.WaitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["m-0"] == 1 && seen["m-1"] == 2 && seen["m-2"] == 1
	})

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, "consumer:g", r.String())
}

// TestRunner_FetchErrorReturns 匯流排關閉時回傳錯誤讓 supervisor 重啟
func TestRunner_FetchErrorReturns(t *testing.T) {
	b := newMemory()
	r := bus.NewRunner(b, bus.HandlerFunc(func(context.Context, *bus.Delivery) error { return nil }),
		bus.RunnerConfig{Topic: "t", Group: "g"}, testutils.NewTestLogger())

	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.NotErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return")
	}
}

// TestRunner_FromLatest 實例專屬 group 啟動前的訊息不會交給 handler
func TestRunner_FromLatest(t *testing.T) {
	b := newMemory()
	publishN(t, b, "t", 3)

	var handled atomic.Int64
	r := bus.NewRunner(b, bus.HandlerFunc(func(context.Context, *bus.Delivery) error {
		handled.Add(1)
		return nil
	}), bus.RunnerConfig{Topic: "t", Group: "local-a", FromLatest: true}, testutils.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Serve(ctx) }()

	// 等 group 建立後再發布
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, bus.Message{Subject: "t", ID: "after"}))

	testutils.WaitForCondition(t, 2*time.Second, func() bool { return handled.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), handled.Load())
}
