package event

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-engagement-counter/internal/bus"
	"github.com/koopa0/system-design/14-engagement-counter/internal/metrics"
)

// Emitter 將計數事件序列化後發布到匯流排
type Emitter struct {
	publisher bus.Publisher
	topic     string
}

// NewEmitter 建立事件發布器
func NewEmitter(publisher bus.Publisher, topic string) *Emitter {
	return &Emitter{publisher: publisher, topic: topic}
}

// PublishCounter 發布計數事件；失敗由呼叫端記錄，不在這裡重試
func (e *Emitter) PublishCounter(ctx context.Context, ev CounterEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode counter event: %w", err)
	}

	err = e.publisher.Publish(ctx, bus.Message{
		Subject: e.topic,
		Key:     ev.PartitionKey(),
		ID:      uuid.NewString(),
		Data:    data,
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues(e.topic, "error").Inc()
		return err
	}
	metrics.EventsPublished.WithLabelValues(e.topic, "ok").Inc()
	return nil
}
