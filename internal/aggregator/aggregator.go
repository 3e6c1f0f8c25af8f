package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-engagement-counter/internal/bus"
	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
	"github.com/koopa0/system-design/14-engagement-counter/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// Incrementer 寫入計數記錄
type Incrementer interface {
	Increment(ctx context.Context, subject counter.Subject, field int, delta int64) (int64, error)
}

// FlushResult 一次 flush 的統計
type FlushResult struct {
	Subjects int
	Applied  int
	Failed   int
	Dropped  int
}

// Config flush 的時間與批次設定
type Config struct {
	// LeaseTTL 單一主體的租約，需長於 OpTimeout
	LeaseTTL time.Duration
	// OpTimeout 每批讀取與每個主體寫入各自的逾時
	OpTimeout time.Duration
	// Batch 每批掃描的主體數
	Batch int64
}

// Aggregator 計數事件消費者與 flush 邏輯
type Aggregator struct {
	acc    *Accumulator
	store  Incrementer
	owner  string
	cfg    Config
	logger *slog.Logger
}

// New 建立聚合器
func New(acc *Accumulator, store Incrementer, cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.LeaseTTL <= cfg.OpTimeout {
		cfg.LeaseTTL = 5 * cfg.OpTimeout
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 256
	}
	return &Aggregator{
		acc:    acc,
		store:  store,
		owner:  uuid.NewString(),
		cfg:    cfg,
		logger: logger.With("component", "aggregator"),
	}
}

// Handle 累加一筆計數事件；累加成功才回傳 nil 讓 Runner Ack
//
// 格式錯誤的事件記錄後直接確認，不讓毒訊息一直重送。
func (g *Aggregator) Handle(ctx context.Context, d *bus.Delivery) error {
	ev, err := event.DecodeCounter(d.Data)
	if err != nil {
		g.logger.WarnContext(ctx, "skip malformed counter event", "error", err)
		metrics.Accumulated.WithLabelValues("malformed").Inc()
		return nil
	}

	subject := counter.SubjectFor(ev.EntityType, ev.EntityID)
	if !subject.Schema.Valid(ev.FieldIndex) {
		g.logger.WarnContext(ctx, "skip counter event with unknown field",
			"entity", ev.PartitionKey(),
			"field", ev.FieldIndex,
		)
		metrics.Accumulated.WithLabelValues("malformed").Inc()
		return nil
	}

	if err := g.acc.Accumulate(ctx, subject, ev.FieldIndex, int64(ev.Delta)); err != nil {
		metrics.Accumulated.WithLabelValues("error").Inc()
		return err
	}
	metrics.Accumulated.WithLabelValues("ok").Inc()
	return nil
}

// Flush 將所有待寫入的 delta 寫入計數記錄
//
// 髒集合以 SSCAN 分批讀取，每批寫入並扣回後才讀下一批；
// 每批讀取與每個主體各有自己的逾時，積壓再大也會逐批推進。
// ctx 結束時在主體之間停下，已開始的主體會處理完，剩下的留給下一輪。
//
// 寫入失敗的欄位保留到下一輪，不會被丟棄。多個實例可以同時執行：
// Increment 本身是原子的，扣回只扣實際寫入的量，租約避免兩個實例重複寫同一主體。
func (g *Aggregator) Flush(ctx context.Context) (FlushResult, error) {
	start := time.Now()
	defer func() { metrics.FlushDuration.Observe(time.Since(start).Seconds()) }()

	var (
		res    FlushResult
		cursor uint64
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch, next, err := g.readBatch(ctx, cursor)
		if err != nil {
			return res, err
		}

		for _, p := range batch {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			g.flushLeased(ctx, p, &res)
		}

		if next == 0 {
			return res, nil
		}
		cursor = next
	}
}

func (g *Aggregator) readBatch(ctx context.Context, cursor uint64) ([]Pending, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()
	return g.acc.PendingBatch(ctx, cursor, g.cfg.Batch)
}

// flushLeased 在租約內處理一個主體；停止訊號不會打斷寫入與扣回之間
func (g *Aggregator) flushLeased(parent context.Context, p Pending, res *FlushResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.cfg.OpTimeout)
	defer cancel()

	ok, err := g.acc.Lease(ctx, p.Subject, g.owner, g.cfg.LeaseTTL)
	if err != nil {
		g.logger.WarnContext(ctx, "acquire flush lease failed", "subject", p.Subject.String(), "error", err)
		res.Failed++
		return
	}
	if !ok {
		return
	}
	res.Subjects++

	g.flushSubject(ctx, p, res)

	if err := g.acc.Release(ctx, p.Subject, g.owner); err != nil {
		g.logger.WarnContext(ctx, "release flush lease failed", "subject", p.Subject.String(), "error", err)
	}
}

func (g *Aggregator) flushSubject(ctx context.Context, p Pending, res *FlushResult) {
	for field, delta := range p.Fields {
		if delta == 0 {
			continue
		}

		if _, err := g.store.Increment(ctx, p.Subject, field, delta); err != nil {
			if apperrors.IsMalformed(err) {
				// 欄位超出 schema，重試也不會成功
				g.logger.ErrorContext(ctx, "drop pending delta for unknown field",
					"subject", p.Subject.String(), "field", field, "delta", delta)
				if _, err := g.acc.Credit(ctx, p.Subject, field, delta); err == nil {
					res.Dropped++
					metrics.FlushFields.WithLabelValues("dropped").Inc()
				}
				continue
			}
			g.logger.WarnContext(ctx, "increment failed, delta kept for next flush",
				"subject", p.Subject.String(), "field", field, "delta", delta, "error", err)
			res.Failed++
			metrics.FlushFields.WithLabelValues("failed").Inc()
			continue
		}

		if _, err := g.acc.Credit(ctx, p.Subject, field, delta); err != nil {
			// 已寫入但沒扣回：下一輪會重複寫入這筆量
			g.logger.ErrorContext(ctx, "credit after increment failed",
				"subject", p.Subject.String(), "field", field, "delta", delta, "error", err)
		}
		res.Applied++
		metrics.FlushFields.WithLabelValues("applied").Inc()
	}
}
