package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// PartitionKeyHeader 保存分區鍵的訊息標頭
const PartitionKeyHeader = "Partition-Key"

// JetStreamConfig JetStream 配置
type JetStreamConfig struct {
	URL         string
	Stream      string
	Subjects    []string
	StorageType string // file 或 memory
	MaxAge      time.Duration
	AckWait     time.Duration
	MaxDeliver  int
	FetchWait   time.Duration
	// DedupWindow 以 Nats-Msg-Id 去重的時間窗
	DedupWindow time.Duration
}

// JetStream 基於 NATS JetStream 的匯流排
//
// 架構：
//
//	Publisher → Stream(ENGAGEMENT) → durable pull consumer（每個 group 一個）
//
// 每個 group 對應一個 durable consumer，手動 Ack；
// 超過 AckWait 未確認或被 Nak 的訊息會重送，最多 MaxDeliver 次。
type JetStream struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    JetStreamConfig
	logger *slog.Logger
}

// NewJetStream 連線並確保 Stream 存在
func NewJetStream(cfg JetStreamConfig, logger *slog.Logger, opts ...nats.Option) (*JetStream, error) {
	opts = append([]nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}, opts...)

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("創建 JetStream 上下文失敗: %w", err)
	}

	b := &JetStream{conn: conn, js: js, cfg: cfg, logger: logger}
	if err := b.initStream(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("初始化 Stream 失敗: %w", err)
	}
	return b, nil
}

// initStream 不存在則建立，已存在則更新配置
func (b *JetStream) initStream() error {
	storage := nats.FileStorage
	if b.cfg.StorageType == "memory" {
		storage = nats.MemoryStorage
	}

	cfg := &nats.StreamConfig{
		Name:       b.cfg.Stream,
		Subjects:   b.cfg.Subjects,
		Storage:    storage,
		MaxAge:     b.cfg.MaxAge,
		Duplicates: b.cfg.DedupWindow,
		Replicas:   1,
	}

	_, err := b.js.StreamInfo(b.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := b.js.AddStream(cfg); err != nil {
			return fmt.Errorf("創建 Stream 失敗: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("查詢 Stream 失敗: %w", err)
	}

	if _, err := b.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("更新 Stream 失敗: %w", err)
	}
	return nil
}

// Publish 同步發布，等待 PubAck
func (b *JetStream) Publish(ctx context.Context, msg Message) error {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	if msg.ID != "" {
		m.Header.Set(nats.MsgIdHdr, msg.ID)
	}
	if msg.Key != "" {
		m.Header.Set(PartitionKeyHeader, msg.Key)
	}

	if _, err := b.js.PublishMsg(m, nats.Context(ctx)); err != nil {
		return apperrors.Transient(err, "publish to jetstream")
	}
	return nil
}

// Subscribe 綁定（必要時建立）group 對應的 durable consumer
//
// 先建立 consumer 再用 Bind 訂閱，關閉訂閱時不會刪掉 durable consumer。
// FromLatest 的 group 以 DeliverNew 建立，閒置超過 MaxAge 由伺服器清除。
func (b *JetStream) Subscribe(ctx context.Context, topic, group string, opts ...SubscribeOption) (Consumer, error) {
	o := subscribeOptions(opts)

	_, err := b.js.ConsumerInfo(b.cfg.Stream, group, nats.Context(ctx))
	if errors.Is(err, nats.ErrConsumerNotFound) {
		cc := &nats.ConsumerConfig{
			Durable:       group,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       b.cfg.AckWait,
			MaxDeliver:    b.cfg.MaxDeliver,
			FilterSubject: topic,
			DeliverPolicy: nats.DeliverAllPolicy,
		}
		if o.FromLatest {
			cc.DeliverPolicy = nats.DeliverNewPolicy
			cc.InactiveThreshold = b.cfg.MaxAge
		}
		_, err = b.js.AddConsumer(b.cfg.Stream, cc, nats.Context(ctx))
	}
	if err != nil {
		return nil, apperrors.Transient(err, "ensure consumer "+group)
	}

	sub, err := b.js.PullSubscribe(topic, group, nats.Bind(b.cfg.Stream, group))
	if err != nil {
		return nil, apperrors.Transient(err, "pull subscribe "+group)
	}

	return &jsConsumer{sub: sub, wait: b.cfg.FetchWait}, nil
}

// Conn 底層連線，健康檢查使用
func (b *JetStream) Conn() *nats.Conn { return b.conn }

// Close 關閉連線
func (b *JetStream) Close() error {
	b.conn.Close()
	return nil
}

type jsConsumer struct {
	sub  *nats.Subscription
	wait time.Duration
}

func (c *jsConsumer) Fetch(ctx context.Context, max int) ([]*Delivery, error) {
	// Fetch 需要帶 deadline 的 context
	fctx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	msgs, err := c.sub.Fetch(max, nats.Context(fctx))
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, nil
		}
		return nil, apperrors.Transient(err, "fetch from jetstream")
	}

	out := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		var delivered uint64 = 1
		if meta, err := m.Metadata(); err == nil {
			delivered = meta.NumDelivered
		}

		natsMsg := m
		out = append(out, NewDelivery(
			Message{
				Subject: m.Subject,
				Key:     m.Header.Get(PartitionKeyHeader),
				ID:      m.Header.Get(nats.MsgIdHdr),
				Data:    m.Data,
			},
			delivered,
			func() error { return natsMsg.Ack() },
			func(delay time.Duration) error {
				if delay > 0 {
					return natsMsg.NakWithDelay(delay)
				}
				return natsMsg.Nak()
			},
		))
	}
	return out, nil
}

func (c *jsConsumer) Close() error {
	return c.sub.Unsubscribe()
}
