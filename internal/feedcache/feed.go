package feedcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// MaxPageSize 單頁上限
const MaxPageSize = 50

// PostSource 公開貼文來源；回傳的項目不含計數
type PostSource interface {
	ListPublicPosts(ctx context.Context, offset, limit int) ([]FeedItem, bool, error)
}

// CountReader 批次讀取計數
type CountReader interface {
	ReadMany(ctx context.Context, subjects []counter.Subject, fields []int) ([]map[int]int64, error)
}

// ViewerState 瀏覽者是否已點讚／收藏
type ViewerState interface {
	IsSet(ctx context.Context, metric, entityType, entityID string, userID int64) (bool, error)
}

// Feed 公開動態的讀取路徑
//
// 頁面以不含瀏覽者狀態的形式快取；瀏覽者的旗標在每次讀取時補上。
type Feed struct {
	cache      *Tiered
	posts      PostSource
	counts     CountReader
	viewer     ViewerState
	entityType string
	ttl        time.Duration
	logger     *slog.Logger
}

// NewFeed 建立動態讀取路徑；ttl 為共享層頁面的壽命
func NewFeed(cache *Tiered, posts PostSource, counts CountReader, viewer ViewerState, entityType string, ttl time.Duration, logger *slog.Logger) *Feed {
	return &Feed{
		cache:      cache,
		posts:      posts,
		counts:     counts,
		viewer:     viewer,
		entityType: entityType,
		ttl:        ttl,
		logger:     logger.With("component", "feed"),
	}
}

// PageKey 公開動態頁的快取 key
func PageKey(page, size int) string {
	return fmt.Sprintf("feed:public:%d:%d", size, page)
}

// PublicPage 讀取第 page 頁（從 1 開始）；viewerID 為 0 時不補瀏覽者狀態
func (f *Feed) PublicPage(ctx context.Context, page, size int, viewerID int64) (FeedPage, error) {
	if page < 1 || size < 1 || size > MaxPageSize {
		return FeedPage{}, apperrors.New(apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("page must be >= 1 and size within 1..%d", MaxPageSize))
	}

	key := PageKey(page, size)
	cached, ok, err := f.cache.Get(ctx, key)
	if err != nil {
		// 共享層讀取失敗時直接回源
		f.logger.WarnContext(ctx, "feed cache unavailable", "key", key, "error", err)
	}
	if !ok {
		cached, err = f.load(ctx, page, size)
		if err != nil {
			return FeedPage{}, err
		}
		if err := f.cache.Put(ctx, key, cached, f.ttl); err != nil {
			f.logger.WarnContext(ctx, "feed page not cached", "key", key, "error", err)
		}
	}

	if viewerID <= 0 {
		return cached, nil
	}
	return f.withViewerFlags(ctx, cached, viewerID), nil
}

func (f *Feed) load(ctx context.Context, page, size int) (FeedPage, error) {
	items, hasMore, err := f.posts.ListPublicPosts(ctx, (page-1)*size, size)
	if err != nil {
		return FeedPage{}, err
	}

	if len(items) > 0 {
		subjects := make([]counter.Subject, len(items))
		for i, it := range items {
			subjects[i] = counter.EntitySubject(f.entityType, it.ID)
		}
		values, err := f.counts.ReadMany(ctx, subjects, []int{counter.FieldLike, counter.FieldFav})
		if err != nil {
			return FeedPage{}, err
		}
		for i := range items {
			items[i].LikeCount = values[i][counter.FieldLike]
			items[i].FavoriteCount = values[i][counter.FieldFav]
		}
	}

	return FeedPage{Items: items, Page: page, Size: size, HasMore: hasMore}, nil
}

// withViewerFlags 逐項查詢位圖；查詢失敗的項目不帶旗標
func (f *Feed) withViewerFlags(ctx context.Context, page FeedPage, viewerID int64) FeedPage {
	out := page.Clone()
	for i := range out.Items {
		it := &out.Items[i]
		if liked, err := f.viewer.IsSet(ctx, counter.MetricLike, f.entityType, it.ID, viewerID); err == nil {
			it.Liked = &liked
		}
		if faved, err := f.viewer.IsSet(ctx, counter.MetricFav, f.entityType, it.ID, viewerID); err == nil {
			it.Faved = &faved
		}
	}
	return out
}
