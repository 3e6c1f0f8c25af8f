package feedcache

import (
	"context"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-engagement-counter/internal/bus"
	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
	"github.com/koopa0/system-design/14-engagement-counter/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// OwnerResolver 查詢實體擁有者
type OwnerResolver interface {
	ResolveEntityOwner(ctx context.Context, entityID string) (int64, error)
}

// OwnerSink 擁有者收到的讚／收藏數累加
type OwnerSink interface {
	Accumulate(ctx context.Context, subject counter.Subject, field int, delta int64) error
}

// InvalidatorOptions 決定這個 consumer group 負責哪些工作
//
// 多實例部署時，共享的 group 負責擁有者計數與共享層；
// 每個實例另有自己的 group 只修補本地層。
type InvalidatorOptions struct {
	EntityType   string
	ForwardOwner bool
	PatchShared  bool
	PatchLocal   bool
}

// receivedFields 擁有者計數的欄位
var receivedFields = map[string]int{
	counter.MetricLike: counter.FieldLikesReceived,
	counter.MetricFav:  counter.FieldFavsReceived,
}

// Invalidator 計數事件的快取修補者
type Invalidator struct {
	owners OwnerResolver
	sink   OwnerSink
	local  *Local
	shared *Shared
	index  *ReverseIndex
	opts   InvalidatorOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewInvalidator 建立快取修補者
func NewInvalidator(owners OwnerResolver, sink OwnerSink, local *Local, shared *Shared, index *ReverseIndex, opts InvalidatorOptions, logger *slog.Logger) *Invalidator {
	return &Invalidator{
		owners: owners,
		sink:   sink,
		local:  local,
		shared: shared,
		index:  index,
		opts:   opts,
		logger: logger.With("component", "feed-invalidator"),
		now:    time.Now,
	}
}

// Handle 實作 bus.Handler
func (inv *Invalidator) Handle(ctx context.Context, d *bus.Delivery) error {
	ev, err := event.DecodeCounter(d.Data)
	if err != nil {
		inv.logger.WarnContext(ctx, "skip malformed counter event", "error", err)
		return nil
	}
	return inv.Apply(ctx, ev)
}

// Apply 處理一筆計數事件
//
// 只處理設定的實體類型與 like／fav。擁有者計數先寫，失敗回傳錯誤讓事件重送；
// 快取修補盡力而為，失敗只記錄。
func (inv *Invalidator) Apply(ctx context.Context, ev event.CounterEvent) error {
	if ev.EntityType != inv.opts.EntityType {
		return nil
	}
	field, ok := receivedFields[ev.Metric]
	if !ok {
		return nil
	}
	delta := int64(ev.Delta)

	if inv.opts.ForwardOwner {
		if err := inv.forwardOwner(ctx, ev.EntityID, field, delta); err != nil {
			return err
		}
	}

	if !inv.opts.PatchLocal && !inv.opts.PatchShared {
		return nil
	}

	now := inv.now()
	keys, err := inv.index.Keys(ctx, ev.EntityID, now)
	if err != nil {
		inv.logger.WarnContext(ctx, "page index unavailable, pages left to expire",
			"entity_id", ev.EntityID, "error", err)
		return nil
	}

	for _, key := range keys {
		if inv.opts.PatchLocal {
			inv.patchLocal(key, ev.EntityID, ev.Metric, delta)
		}
		if inv.opts.PatchShared {
			inv.patchShared(ctx, key, ev.EntityID, ev.Metric, delta, now)
		}
	}
	return nil
}

func (inv *Invalidator) forwardOwner(ctx context.Context, entityID string, field int, delta int64) error {
	owner, err := inv.owners.ResolveEntityOwner(ctx, entityID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			inv.logger.DebugContext(ctx, "entity owner unknown", "entity_id", entityID)
			return nil
		}
		return err
	}
	return inv.sink.Accumulate(ctx, counter.UserSubject(owner), field, delta)
}

func (inv *Invalidator) patchLocal(key, entityID, metric string, delta int64) {
	patched := inv.local.Patch(key, func(page FeedPage) (FeedPage, bool) {
		return AdjustCounts(page, entityID, metric, delta, true)
	})
	if patched {
		metrics.CachePatches.WithLabelValues("local", "patched").Inc()
	}
}

func (inv *Invalidator) patchShared(ctx context.Context, key, entityID, metric string, delta int64, now time.Time) {
	exists, err := inv.shared.Patch(ctx, key, entityID, metric, delta)
	if err != nil {
		metrics.CachePatches.WithLabelValues("shared", "error").Inc()
		inv.logger.WarnContext(ctx, "shared page not patched", "key", key, "error", err)
		return
	}
	if exists {
		metrics.CachePatches.WithLabelValues("shared", "patched").Inc()
		return
	}

	// 頁面已過期，清掉索引中的殘留
	if err := inv.index.Remove(ctx, entityID, key, now); err != nil {
		inv.logger.WarnContext(ctx, "stale index entry not removed", "key", key, "error", err)
		return
	}
	metrics.StaleIndexRemovals.Inc()
}
