package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// MemoryConfig 記憶體匯流排配置
type MemoryConfig struct {
	AckWait    time.Duration
	MaxDeliver int
	FetchWait  time.Duration
}

// Memory 行程內匯流排
//
// 每個 topic 保留一份訊息紀錄（類似 stream），每個 group 各自維護讀取位置；
// 未確認的訊息在 AckWait 後重送，Nak 的訊息在延遲後重送。
// 所有 group 都已確認（或放棄）的前段紀錄會被壓縮掉，
// 之後才建立的 group 從仍保留的最早位置開始。
type Memory struct {
	topics *xsync.MapOf[string, *topicLog]
	cfg    MemoryConfig
	closed atomic.Bool
}

// NewMemory 建立記憶體匯流排
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 100 * time.Millisecond
	}
	return &Memory{
		topics: xsync.NewMapOf[string, *topicLog](),
		cfg:    cfg,
	}
}

type topicLog struct {
	mu sync.Mutex
	// base 是 msgs[0] 的絕對位置；next 與 pending.index 都用絕對位置
	base   int
	msgs   []Message
	groups map[string]*groupState
	notify chan struct{}
}

type groupState struct {
	next      int
	seq       uint64
	inflight  map[uint64]*pending
	redeliver []*pending
}

type pending struct {
	index     int
	delivered uint64
	deadline  time.Time
	notBefore time.Time
}

func (m *Memory) topic(name string) *topicLog {
	t, _ := m.topics.LoadOrCompute(name, func() *topicLog {
		return &topicLog{
			groups: make(map[string]*groupState),
			notify: make(chan struct{}),
		}
	})
	return t
}

// Publish 追加到 topic 紀錄並喚醒等待中的消費者
func (m *Memory) Publish(_ context.Context, msg Message) error {
	if m.closed.Load() {
		return apperrors.ErrBusClosed
	}

	t := m.topic(msg.Subject)
	t.mu.Lock()
	t.msgs = append(t.msgs, msg)
	t.wakeLocked()
	t.mu.Unlock()
	return nil
}

// Subscribe 建立或接回 group 的讀取位置
func (m *Memory) Subscribe(_ context.Context, topic, group string, opts ...SubscribeOption) (Consumer, error) {
	if m.closed.Load() {
		return nil, apperrors.ErrBusClosed
	}
	o := subscribeOptions(opts)

	t := m.topic(topic)
	t.mu.Lock()
	if _, ok := t.groups[group]; !ok {
		g := &groupState{next: t.base, inflight: make(map[uint64]*pending)}
		if o.FromLatest {
			g.next = t.base + len(t.msgs)
		}
		t.groups[group] = g
	}
	t.mu.Unlock()

	return &memConsumer{bus: m, topic: t, group: group}, nil
}

// Retained topic 目前保留的訊息數
func (m *Memory) Retained(topic string) int {
	t, ok := m.topics.Load(topic)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// Close 停止接受新訊息
func (m *Memory) Close() error {
	m.closed.Store(true)
	m.topics.Range(func(_ string, t *topicLog) bool {
		t.mu.Lock()
		t.wakeLocked()
		t.mu.Unlock()
		return true
	})
	return nil
}

func (t *topicLog) wakeLocked() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// compactLocked 丟掉所有 group 都不再需要的前段紀錄
//
// 每個 group 需要的最低位置 = min(next, 未確認與待重送訊息的位置)。
// 還沒有任何 group 時保留全部，讓第一個 group 能讀到。
func (t *topicLog) compactLocked() {
	if len(t.groups) == 0 {
		return
	}

	low := t.base + len(t.msgs)
	for _, g := range t.groups {
		low = min(low, g.next)
		for _, p := range g.inflight {
			low = min(low, p.index)
		}
		for _, p := range g.redeliver {
			low = min(low, p.index)
		}
	}

	drop := low - t.base
	if drop <= 0 {
		return
	}
	// 釋放 payload；切片前移後 append 會在容量用完時重新配置
	clear(t.msgs[:drop])
	t.msgs = t.msgs[drop:]
	t.base = low
}

type memConsumer struct {
	bus   *Memory
	topic *topicLog
	group string
}

func (c *memConsumer) Fetch(ctx context.Context, max int) ([]*Delivery, error) {
	timer := time.NewTimer(c.bus.cfg.FetchWait)
	defer timer.Stop()

	for {
		if c.bus.closed.Load() {
			return nil, apperrors.ErrBusClosed
		}

		out, wake, retryAt := c.take(max)
		if len(out) > 0 {
			return out, nil
		}

		var (
			rt    *time.Timer
			retry <-chan time.Time
		)
		if !retryAt.IsZero() {
			rt = time.NewTimer(time.Until(retryAt))
			retry = rt.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		case <-retry:
		}
		if rt != nil {
			rt.Stop()
		}
	}
}

// take 先取到期的重送，再取新訊息；回傳下一個需要醒來檢查的時間
func (c *memConsumer) take(max int) ([]*Delivery, <-chan struct{}, time.Time) {
	t := c.topic
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.groups[c.group]
	now := time.Now()

	// 逾時未確認的訊息回到重送佇列
	for seq, p := range g.inflight {
		if now.After(p.deadline) {
			delete(g.inflight, seq)
			p.notBefore = now
			g.redeliver = append(g.redeliver, p)
		}
	}

	var (
		out     []*Delivery
		retryAt time.Time
		keep    []*pending
	)
	for _, p := range g.redeliver {
		switch {
		case len(out) >= max:
			keep = append(keep, p)
		case c.bus.cfg.MaxDeliver > 0 && p.delivered >= uint64(c.bus.cfg.MaxDeliver):
			// 超過最大投遞次數，丟棄
		case p.notBefore.After(now):
			keep = append(keep, p)
			if retryAt.IsZero() || p.notBefore.Before(retryAt) {
				retryAt = p.notBefore
			}
		default:
			out = append(out, c.deliverLocked(g, p, now))
		}
	}
	g.redeliver = keep

	for len(out) < max && g.next < t.base+len(t.msgs) {
		p := &pending{index: g.next}
		g.next++
		out = append(out, c.deliverLocked(g, p, now))
	}

	for _, p := range g.inflight {
		if retryAt.IsZero() || p.deadline.Before(retryAt) {
			retryAt = p.deadline
		}
	}

	// 超過最大投遞次數而丟棄的訊息也可能讓前段可以壓縮
	t.compactLocked()

	return out, t.notify, retryAt
}

func (c *memConsumer) deliverLocked(g *groupState, p *pending, now time.Time) *Delivery {
	g.seq++
	seq := g.seq
	p.delivered++
	p.deadline = now.Add(c.bus.cfg.AckWait)
	g.inflight[seq] = p

	return NewDelivery(c.topic.msgs[p.index-c.topic.base], p.delivered,
		func() error {
			c.topic.mu.Lock()
			if _, ok := g.inflight[seq]; ok {
				delete(g.inflight, seq)
				c.topic.compactLocked()
			}
			c.topic.mu.Unlock()
			return nil
		},
		func(delay time.Duration) error {
			c.topic.mu.Lock()
			defer c.topic.mu.Unlock()
			if p, ok := g.inflight[seq]; ok {
				delete(g.inflight, seq)
				p.notBefore = time.Now().Add(delay)
				g.redeliver = append(g.redeliver, p)
				c.topic.wakeLocked()
			}
			return nil
		},
	)
}

func (c *memConsumer) Close() error { return nil }
