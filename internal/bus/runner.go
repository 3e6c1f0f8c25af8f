package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-engagement-counter/internal/metrics"
	"github.com/koopa0/system-design/14-engagement-counter/pkg/logger"
)

// Handler 處理一筆投遞；回傳 nil 才會 Ack
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

// HandlerFunc 函式形式的 Handler
type HandlerFunc func(ctx context.Context, d *Delivery) error

// Handle 實作 Handler
func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) error { return f(ctx, d) }

// RunnerConfig consumer group 任務配置
type RunnerConfig struct {
	Topic     string
	Group     string
	Batch     int
	NakDelay  time.Duration
	OpTimeout time.Duration
	// FromLatest 新建立的 group 不重播歷史，給每個實例專屬的 group 使用
	FromLatest bool
}

// Runner consumer group 的長期任務，實作 suture.Service
//
// 流程：Fetch → 逐筆 Handle → 成功 Ack／失敗 Nak。
// 停止訊號只會中斷 Fetch；已經取回的批次會用脫離取消的 context 處理完。
type Runner struct {
	sub     Subscriber
	handler Handler
	cfg     RunnerConfig
	logger  *slog.Logger
}

// NewRunner 建立 consumer group 任務
func NewRunner(sub Subscriber, handler Handler, cfg RunnerConfig, log *slog.Logger) *Runner {
	if cfg.Batch <= 0 {
		cfg.Batch = 32
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Runner{
		sub:     sub,
		handler: handler,
		cfg:     cfg,
		logger:  log.With("component", "runner", "group", cfg.Group, "topic", cfg.Topic),
	}
}

// Serve 實作 suture.Service；非預期錯誤回傳給 supervisor 重啟
func (r *Runner) Serve(ctx context.Context) error {
	var opts []SubscribeOption
	if r.cfg.FromLatest {
		opts = append(opts, FromLatest())
	}

	consumer, err := r.sub.Subscribe(ctx, r.cfg.Topic, r.cfg.Group, opts...)
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", r.cfg.Topic, r.cfg.Group, err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			r.logger.Warn("close consumer failed", "error", err)
		}
	}()

	r.logger.Info("consumer started")

	for {
		if ctx.Err() != nil {
			r.logger.Info("consumer stopped")
			return ctx.Err()
		}

		deliveries, err := consumer.Fetch(ctx, r.cfg.Batch)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("consumer stopped")
				return ctx.Err()
			}
			return fmt.Errorf("fetch %s/%s: %w", r.cfg.Topic, r.cfg.Group, err)
		}

		// 已取回的批次要處理完
		batchCtx := context.WithoutCancel(ctx)
		for _, d := range deliveries {
			r.handle(batchCtx, d)
		}
	}
}

func (r *Runner) handle(ctx context.Context, d *Delivery) {
	ctx, cancel := context.WithTimeout(logger.WithEventID(ctx, d.ID), r.cfg.OpTimeout)
	defer cancel()

	if err := r.handler.Handle(ctx, d); err != nil {
		r.logger.WarnContext(ctx, "handler failed, message will be redelivered",
			"error", err,
			"delivered", d.NumDelivered,
		)
		metrics.Deliveries.WithLabelValues(r.cfg.Group, "nak").Inc()
		if nakErr := d.Nak(r.cfg.NakDelay); nakErr != nil {
			r.logger.WarnContext(ctx, "nak failed", "error", nakErr)
		}
		return
	}

	metrics.Deliveries.WithLabelValues(r.cfg.Group, "ack").Inc()
	if err := d.Ack(); err != nil {
		// Ack 失敗會造成重送，消費者本身是冪等的
		r.logger.WarnContext(ctx, "ack failed", "error", err)
	}
}

// String 讓 supervisor 日誌辨識服務
func (r *Runner) String() string {
	return "consumer:" + r.cfg.Group
}
