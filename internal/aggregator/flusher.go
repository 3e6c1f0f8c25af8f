package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Flusher 定時 flush 的長期任務，實作 suture.Service
type Flusher struct {
	agg      *Aggregator
	interval time.Duration
	drain    time.Duration
	logger   *slog.Logger
}

// NewFlusher 建立定時 flush 任務；drain 是停止時最後一次 flush 的上限
func NewFlusher(agg *Aggregator, interval, drain time.Duration, logger *slog.Logger) *Flusher {
	return &Flusher{
		agg:      agg,
		interval: interval,
		drain:    drain,
		logger:   logger.With("component", "flusher"),
	}
}

// Serve 每個週期 flush 一次；停止時再做最後一次
//
// 週期本身沒有總逾時，每批與每個主體的逾時由 Aggregator 控制。
func (f *Flusher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 最後一次 flush，不受停止訊號影響
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.drain)
			f.flush(final)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	res, err := f.agg.Flush(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Warn("flush cycle interrupted",
			"error", err,
			"applied", res.Applied,
			"failed", res.Failed,
		)
		return
	}
	if res.Applied > 0 || res.Failed > 0 || res.Dropped > 0 {
		f.logger.Debug("flush cycle done",
			"subjects", res.Subjects,
			"applied", res.Applied,
			"failed", res.Failed,
			"dropped", res.Dropped,
		)
	}
}

// String 讓 supervisor 日誌辨識服務
func (f *Flusher) String() string { return "aggregator-flusher" }
