package relation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
	"github.com/koopa0/system-design/14-engagement-counter/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// Outcome 處理結果
type Outcome int

const (
	// OutcomeApplied 關係資料列有變更，已發出計數事件
	OutcomeApplied Outcome = iota
	// OutcomeNoop 資料列已是目標狀態
	OutcomeNoop
	// OutcomeDuplicate 相同事件已處理過
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoop:
		return "noop"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "unknown"
}

const (
	markerPending = "pending"
	markerDone    = "done"
)

// FollowerWriter 處理器使用的關係寫入
type FollowerWriter interface {
	ApplyFollower(ctx context.Context, typ event.RelationType, from, to int64) (bool, error)
}

// ProcessorConfig 處理器配置
type ProcessorConfig struct {
	DedupTTL   time.Duration // 完成標記保留時間
	PendingTTL time.Duration // 處理中標記；處理者崩潰時過期後可重試
	ListTTL    time.Duration
}

// Processor 冪等的關係事件處理器
//
// 去重標記分兩階段：先以 SET NX 寫入 pending，所有副作用完成後才改為 done。
// 關係寫入失敗會刪除標記讓重送可以重試；關係寫入本身也是冪等的，
// 標記過期後的重複事件只會得到 OutcomeNoop，不會重複計數。
type Processor struct {
	client    *redis.Client
	store     FollowerWriter
	publisher counter.EventPublisher
	cfg       ProcessorConfig
	logger    *slog.Logger
}

// NewProcessor 建立處理器
func NewProcessor(client *redis.Client, store FollowerWriter, publisher counter.EventPublisher, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 30 * time.Second
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = 2 * time.Hour
	}
	return &Processor{
		client:    client,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "relation-processor"),
	}
}

// DedupKey 去重標記；沒有 correlationId 時用 outbox id，兩者皆無則為 0
func DedupKey(ev event.RelationEvent, fallbackID int64) string {
	corr := fallbackID
	if ev.CorrelationID != nil {
		corr = *ev.CorrelationID
	}
	return fmt.Sprintf("dedup:rel:%s:%d:%d:%d", ev.Type, ev.FromUserID, ev.ToUserID, corr)
}

// Process 處理一筆關係事件
func (p *Processor) Process(ctx context.Context, ev event.RelationEvent, fallbackID int64) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return OutcomeNoop, err
	}

	key := DedupKey(ev, fallbackID)
	first, err := p.client.SetNX(ctx, key, markerPending, p.cfg.PendingTTL).Result()
	if err != nil {
		return OutcomeNoop, apperrors.Transient(err, "acquire dedup marker")
	}
	if !first {
		return p.existing(ctx, ev, key)
	}

	changed, err := p.store.ApplyFollower(ctx, ev.Type, ev.FromUserID, ev.ToUserID)
	if err != nil {
		if delErr := p.client.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			p.logger.WarnContext(ctx, "release dedup marker failed", "key", key, "error", delErr)
		}
		metrics.RelationEvents.WithLabelValues(string(ev.Type), "error").Inc()
		return OutcomeNoop, err
	}

	add := ev.Type == event.FollowCreated
	if err := patchEdge(ctx, p.client, ev.FromUserID, ev.ToUserID, add, p.cfg.ListTTL); err != nil {
		// 清單只是快取，資料表已更新；記錄後繼續
		metrics.PartialFailures.Inc()
		p.logger.WarnContext(ctx, "relation lists not patched",
			"type", ev.Type, "from", ev.FromUserID, "to", ev.ToUserID, "error", err)
	}

	outcome := OutcomeNoop
	if changed {
		outcome = OutcomeApplied
		p.emitCounts(ctx, ev, add)
	}

	if err := p.client.Set(ctx, key, markerDone, p.cfg.DedupTTL).Err(); err != nil {
		p.logger.WarnContext(ctx, "promote dedup marker failed", "key", key, "error", err)
	}

	metrics.RelationEvents.WithLabelValues(string(ev.Type), outcome.String()).Inc()
	return outcome, nil
}

// existing 標記已存在：done 代表重複事件；pending 代表另一個處理者進行中
func (p *Processor) existing(ctx context.Context, ev event.RelationEvent, key string) (Outcome, error) {
	state, err := p.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return OutcomeNoop, apperrors.Transient(err, "read dedup marker")
	}

	if state == markerDone {
		metrics.RelationEvents.WithLabelValues(string(ev.Type), OutcomeDuplicate.String()).Inc()
		return OutcomeDuplicate, nil
	}

	// 處理中，或剛好過期；交給重送
	return OutcomeNoop, apperrors.New(apperrors.ErrCodeTransient, "relation event in progress").WithDetails(key)
}

func (p *Processor) emitCounts(ctx context.Context, ev event.RelationEvent, add bool) {
	var delta int32 = 1
	if !add {
		delta = -1
	}

	events := []event.CounterEvent{
		{
			EntityType:  counter.UserEntityType,
			EntityID:    strconv.FormatInt(ev.FromUserID, 10),
			Metric:      counter.MetricFollowings,
			FieldIndex:  counter.FieldFollowings,
			ActorUserID: ev.FromUserID,
			Delta:       delta,
		},
		{
			EntityType:  counter.UserEntityType,
			EntityID:    strconv.FormatInt(ev.ToUserID, 10),
			Metric:      counter.MetricFollowers,
			FieldIndex:  counter.FieldFollowers,
			ActorUserID: ev.FromUserID,
			Delta:       delta,
		},
	}

	for _, ce := range events {
		if err := p.publisher.PublishCounter(ctx, ce); err != nil {
			// 已提交的關係寫入不回滾；計數由 UserCounters.Rebuild 校正
			p.logger.ErrorContext(ctx, "user counter event dropped",
				"entity", ce.PartitionKey(), "metric", ce.Metric, "delta", ce.Delta, "error", err)
		}
	}
}
