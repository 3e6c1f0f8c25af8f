package cdc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/koopa0/system-design/14-engagement-counter/internal/bus"
	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
	"github.com/koopa0/system-design/14-engagement-counter/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// BridgeConfig 橋接器配置
type BridgeConfig struct {
	Table   string // outbox 資料表名稱
	Topic   string // 轉發的主題
	Timeout time.Duration
}

// Bridge 長期任務，實作 suture.Service
//
// 不解讀 payload 內容。格式錯誤的資料列記錄後跳過；發布失敗記錄後丟棄該列。
// 非預期錯誤時斷線並回傳錯誤，由 supervisor 決定何時重啟，自身不重試。
type Bridge struct {
	source    ChangeSource
	publisher bus.Publisher
	cfg       BridgeConfig
	logger    *slog.Logger
}

// NewBridge 建立 CDC 橋接器
func NewBridge(source ChangeSource, publisher bus.Publisher, cfg BridgeConfig, logger *slog.Logger) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Bridge{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "cdc-bridge", "table", cfg.Table),
	}
}

// Serve 開啟串流並持續轉發，直到 ctx 取消
func (b *Bridge) Serve(ctx context.Context) error {
	if err := b.source.Open(ctx); err != nil {
		return fmt.Errorf("open change source: %w", err)
	}
	b.logger.Info("cdc bridge started")

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.Timeout)
		defer cancel()
		if err := b.source.Close(closeCtx); err != nil {
			b.logger.Warn("close change source failed", "error", err)
		}
		b.logger.Info("cdc bridge stopped")
	}()

	for {
		batch, err := b.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read change stream: %w", err)
		}

		// 手上的批次要完整送出並回報，不受停止訊號影響
		drainCtx := context.WithoutCancel(ctx)
		b.forward(drainCtx, batch)

		commitCtx, cancel := context.WithTimeout(drainCtx, b.cfg.Timeout)
		err = b.source.Commit(commitCtx, batch)
		cancel()
		if err != nil {
			return fmt.Errorf("commit change position: %w", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (b *Bridge) forward(ctx context.Context, batch *Batch) {
	for _, change := range batch.Changes {
		if change.Table != b.cfg.Table || (change.Type != Insert && change.Type != Update) {
			continue
		}

		row, err := ToRow(change)
		if err != nil {
			b.logger.WarnContext(ctx, "skip malformed outbox row", "error", err)
			metrics.CDCRows.WithLabelValues("skipped").Inc()
			continue
		}

		data, err := event.EncodeEnvelope(event.Envelope{
			Table:      change.Table,
			ChangeType: string(change.Type),
			Rows:       []event.Row{row},
		})
		if err != nil {
			b.logger.WarnContext(ctx, "skip unencodable outbox row", "id", row.ID, "error", err)
			metrics.CDCRows.WithLabelValues("skipped").Inc()
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		err = b.publisher.Publish(pubCtx, bus.Message{
			Subject: b.cfg.Topic,
			Key:     strconv.FormatInt(row.ID, 10),
			ID:      "outbox-" + strconv.FormatInt(row.ID, 10),
			Data:    data,
		})
		cancel()
		if err != nil {
			b.logger.ErrorContext(ctx, "outbox row dropped", "id", row.ID, "error", err)
			metrics.CDCRows.WithLabelValues("dropped").Inc()
			continue
		}
		metrics.CDCRows.WithLabelValues("published").Inc()
	}
}

// ToRow 取出 outbox 資料列的 id、type 與 payload
func ToRow(change RowChange) (event.Row, error) {
	rawID, ok := change.Columns["id"]
	if !ok {
		return event.Row{}, apperrors.Malformed("outbox row without id")
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return event.Row{}, apperrors.Malformed("outbox row id %q", rawID)
	}

	payload, ok := change.Columns["payload"]
	if !ok {
		return event.Row{}, apperrors.Malformed("outbox row %d without payload", id)
	}
	if !json.Valid([]byte(payload)) {
		return event.Row{}, apperrors.Malformed("outbox row %d payload is not json", id)
	}

	return event.Row{
		ID:      id,
		Type:    change.Columns["type"],
		Payload: json.RawMessage(payload),
	}, nil
}

// String 讓 supervisor 日誌辨識服務
func (b *Bridge) String() string { return "cdc-bridge" }
