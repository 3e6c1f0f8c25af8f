package relation

import (
	"context"
	"log/slog"

	"github.com/koopa0/system-design/14-engagement-counter/internal/bus"
	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
)

// OutboxHandler outbox 主題的消費者處理函式
//
// 格式錯誤的信封或 payload 記錄後跳過；處理器回傳錯誤時整筆投遞 Nak，
// 已完成的資料列在重送時會被去重。
type OutboxHandler struct {
	processor *Processor
	table     string
	logger    *slog.Logger
}

// NewOutboxHandler 建立 outbox 處理函式
func NewOutboxHandler(processor *Processor, table string, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{
		processor: processor,
		table:     table,
		logger:    logger.With("component", "outbox-handler"),
	}
}

// Handle 實作 bus.Handler
func (h *OutboxHandler) Handle(ctx context.Context, d *bus.Delivery) error {
	rows, err := event.ParseEnvelope(d.Data, h.table)
	if err != nil {
		h.logger.WarnContext(ctx, "skip malformed envelope", "error", err)
		return nil
	}

	for _, row := range rows {
		switch event.RelationType(row.Type) {
		case event.FollowCreated, event.FollowCancelled:
		default:
			h.logger.DebugContext(ctx, "skip non-relation outbox row", "id", row.ID, "type", row.Type)
			continue
		}

		ev, err := event.DecodeRelation(row.Payload)
		if err != nil {
			h.logger.WarnContext(ctx, "skip malformed relation payload", "id", row.ID, "error", err)
			continue
		}

		outcome, err := h.processor.Process(ctx, ev, row.ID)
		if err != nil {
			return err
		}
		h.logger.DebugContext(ctx, "relation event processed",
			"id", row.ID, "type", ev.Type, "outcome", outcome.String())
	}
	return nil
}
