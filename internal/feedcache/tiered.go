package feedcache

import (
	"context"
	"log/slog"
	"time"
)

// Tiered 本地層加共享層的頁面快取
type Tiered struct {
	local  *Local
	shared *Shared
	index  *ReverseIndex
	logger *slog.Logger
	now    func() time.Time
}

// NewTiered 建立兩層快取
func NewTiered(local *Local, shared *Shared, index *ReverseIndex, logger *slog.Logger) *Tiered {
	return &Tiered{
		local:  local,
		shared: shared,
		index:  index,
		logger: logger.With("component", "feed-cache"),
		now:    time.Now,
	}
}

// Put 寫入兩層並登記反向索引
func (t *Tiered) Put(ctx context.Context, key string, page FeedPage, ttl time.Duration) error {
	t.local.Put(key, page, ttl)

	if err := t.shared.Put(ctx, key, page, ttl); err != nil {
		return err
	}
	return t.index.Add(ctx, key, page.EntityIDs(), t.now())
}

// Get 先讀本地層，再讀共享層並以 min(本地 TTL, 共享層剩餘 TTL) 回填本地層
func (t *Tiered) Get(ctx context.Context, key string) (FeedPage, bool, error) {
	if page, ok := t.local.Get(key); ok {
		return page, true, nil
	}

	page, remaining, ok, err := t.shared.GetWithTTL(ctx, key)
	if err != nil || !ok {
		return FeedPage{}, false, err
	}

	// 共享層的頁面不含瀏覽者狀態，回填後本地層同樣不含；
	// 本地副本不比共享副本活得久，Local.Put 再以本地 TTL 為上限
	t.local.Put(key, page, remaining)
	return page, true, nil
}
