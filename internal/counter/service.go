package counter

import (
	"context"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
	"github.com/koopa0/system-design/14-engagement-counter/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// EventPublisher 發布計數事件
type EventPublisher interface {
	PublishCounter(ctx context.Context, ev event.CounterEvent) error
}

// Bitmaps 服務使用的位圖操作
type Bitmaps interface {
	BitmapStore
	Count(ctx context.Context, metric, entityType, entityID string) (int64, error)
}

// Records 服務使用的記錄操作
type Records interface {
	CounterStore
	SetField(ctx context.Context, subject Subject, field int, value int64) error
}

// toggleMetrics 以位圖保證冪等的指標
var toggleMetrics = map[string]int{
	MetricLike: FieldLike,
	MetricFav:  FieldFav,
}

// Service 點讚／收藏等互動操作
//
// 位圖是權威狀態：位元真的翻轉才發事件，計數由聚合器非同步落地。
// 事件發布失敗只記錄不重試，計數可能短暫少算，可用 Reconcile 以位圖人數校正。
type Service struct {
	bitmap    Bitmaps
	store     Records
	publisher EventPublisher
	fix       overwriter
	logger    *slog.Logger
	timeout   time.Duration
}

// NewService 建立互動服務
func NewService(bitmap Bitmaps, store Records, publisher EventPublisher, logger *slog.Logger, timeout time.Duration) *Service {
	logger = logger.With("component", "engagement")
	return &Service{
		bitmap:    bitmap,
		store:     store,
		publisher: publisher,
		fix:       newOverwriter(store, logger),
		logger:    logger,
		timeout:   timeout,
	}
}

// UsePendingLedger 校正時與聚合器的 flush 互斥，並丟棄已被校正值涵蓋的 delta
func (s *Service) UsePendingLedger(ledger PendingLedger, leaseTTL time.Duration) {
	s.fix.attach(ledger, leaseTTL)
}

// Like 點讚
func (s *Service) Like(ctx context.Context, entityType, entityID string, userID int64) (bool, error) {
	return s.Toggle(ctx, MetricLike, entityType, entityID, userID, true)
}

// Unlike 取消點讚
func (s *Service) Unlike(ctx context.Context, entityType, entityID string, userID int64) (bool, error) {
	return s.Toggle(ctx, MetricLike, entityType, entityID, userID, false)
}

// Fav 收藏
func (s *Service) Fav(ctx context.Context, entityType, entityID string, userID int64) (bool, error) {
	return s.Toggle(ctx, MetricFav, entityType, entityID, userID, true)
}

// Unfav 取消收藏
func (s *Service) Unfav(ctx context.Context, entityType, entityID string, userID int64) (bool, error) {
	return s.Toggle(ctx, MetricFav, entityType, entityID, userID, false)
}

// Toggle 翻轉位元，變化時發布 delta ±1 的事件
func (s *Service) Toggle(ctx context.Context, metric, entityType, entityID string, userID int64, add bool) (bool, error) {
	field, ok := toggleMetrics[metric]
	if !ok {
		return false, apperrors.ErrUnknownMetric.WithDetails(metric)
	}
	if entityType == "" || entityID == "" {
		return false, apperrors.New(apperrors.ErrCodeInvalidInput, "entity type and id are required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	changed, err := s.bitmap.Toggle(ctx, metric, entityType, entityID, userID, add)
	if err != nil {
		metrics.Toggles.WithLabelValues(metric, "error").Inc()
		return false, err
	}
	if !changed {
		metrics.Toggles.WithLabelValues(metric, "unchanged").Inc()
		return false, nil
	}
	metrics.Toggles.WithLabelValues(metric, "changed").Inc()

	var delta int32 = 1
	if !add {
		delta = -1
	}
	ev := event.CounterEvent{
		EntityType:  entityType,
		EntityID:    entityID,
		Metric:      metric,
		FieldIndex:  field,
		ActorUserID: userID,
		Delta:       delta,
	}
	if err := s.publisher.PublishCounter(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "counter event dropped",
			"error", err,
			"entity", ev.PartitionKey(),
			"metric", metric,
			"delta", delta,
		)
	}
	return true, nil
}

// IsSet 使用者是否已點讚／收藏
func (s *Service) IsSet(ctx context.Context, metric, entityType, entityID string, userID int64) (bool, error) {
	if _, ok := toggleMetrics[metric]; !ok {
		return false, apperrors.ErrUnknownMetric.WithDetails(metric)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.bitmap.IsSet(ctx, metric, entityType, entityID, userID)
}

// Counts 讀取實體的指標值
func (s *Service) Counts(ctx context.Context, entityType, entityID string, names []string) (map[string]int64, error) {
	if len(names) == 0 {
		names = []string{MetricLike, MetricFav}
	}

	fields := make([]int, 0, len(names))
	for _, name := range names {
		idx, ok := EntitySchema.Index(name)
		if !ok {
			return nil, apperrors.ErrUnknownMetric.WithDetails(name)
		}
		fields = append(fields, idx)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	values, err := s.store.ReadFields(ctx, EntitySubject(entityType, entityID), fields)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(names))
	for i, name := range names {
		out[name] = values[fields[i]]
	}
	return out, nil
}

// Reconcile 以位圖實際人數覆寫計數欄位，回傳校正後的值
//
// 主體正在 flush 時回傳 ErrSubjectBusy，稍後重試即可。
func (s *Service) Reconcile(ctx context.Context, metric, entityType, entityID string) (int64, error) {
	field, ok := toggleMetrics[metric]
	if !ok {
		return 0, apperrors.ErrUnknownMetric.WithDetails(metric)
	}
	if entityType == "" || entityID == "" {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "entity type and id are required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	values, err := s.fix.overwrite(ctx, EntitySubject(entityType, entityID), func(ctx context.Context) (map[int]int64, error) {
		n, err := s.bitmap.Count(ctx, metric, entityType, entityID)
		if err != nil {
			return nil, err
		}
		return map[int]int64{field: n}, nil
	})
	if err != nil {
		return 0, err
	}

	n := values[field]
	s.logger.InfoContext(ctx, "counter reconciled", "entity", entityType+":"+entityID, "metric", metric, "value", n)
	return n, nil
}
