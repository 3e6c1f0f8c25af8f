// Package feedcache 公開動態頁的兩層快取與計數變更時的就地修補
//
// 本地層（每個實例一份）保留瀏覽者的 liked／faved 旗標；共享層（Redis）
// 存放不含瀏覽者狀態的 JSON。反向索引記錄每個實體出現在哪些頁面，
// 以小時分桶，計數事件只需查目前與前一個小時的索引。
package feedcache

import (
	"slices"

	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
)

// FeedItem 動態頁中的一筆內容
type FeedItem struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	CoverImage     string   `json:"coverImage,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	AuthorAvatar   string   `json:"authorAvatar,omitempty"`
	AuthorNickname string   `json:"authorNickname,omitempty"`
	TagJSON        string   `json:"tagJson,omitempty"`
	LikeCount      int64    `json:"likeCount"`
	FavoriteCount  int64    `json:"favoriteCount"`
	Liked          *bool    `json:"liked,omitempty"`
	Faved          *bool    `json:"faved,omitempty"`
	IsTop          bool     `json:"isTop"`
}

// FeedPage 一頁動態
type FeedPage struct {
	Items   []FeedItem `json:"items"`
	Page    int        `json:"page"`
	Size    int        `json:"size"`
	HasMore bool       `json:"hasMore"`
}

// Clone 深拷貝，快取內的頁面不與呼叫端共用 slice
func (p FeedPage) Clone() FeedPage {
	out := p
	out.Items = make([]FeedItem, len(p.Items))
	for i, it := range p.Items {
		it.Tags = slices.Clone(it.Tags)
		if it.Liked != nil {
			v := *it.Liked
			it.Liked = &v
		}
		if it.Faved != nil {
			v := *it.Faved
			it.Faved = &v
		}
		out.Items[i] = it
	}
	return out
}

// WithoutViewerFlags 移除瀏覽者狀態
func (p FeedPage) WithoutViewerFlags() FeedPage {
	out := p.Clone()
	for i := range out.Items {
		out.Items[i].Liked = nil
		out.Items[i].Faved = nil
	}
	return out
}

// EntityIDs 頁面中的實體，保持順序且不重複
func (p FeedPage) EntityIDs() []string {
	ids := make([]string, 0, len(p.Items))
	for _, it := range p.Items {
		if it.ID != "" && !slices.Contains(ids, it.ID) {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// AdjustCounts 回傳調整過計數的新頁面與是否找到該實體；原頁面不變
//
// 計數不低於 0。keepViewerFlags 為 false 時，被調整的項目會移除瀏覽者狀態。
func AdjustCounts(page FeedPage, entityID, metric string, delta int64, keepViewerFlags bool) (FeedPage, bool) {
	out := page.Clone()
	found := false
	for i := range out.Items {
		it := &out.Items[i]
		if it.ID != entityID {
			continue
		}
		found = true
		switch metric {
		case counter.MetricLike:
			it.LikeCount = max(0, it.LikeCount+delta)
		case counter.MetricFav:
			it.FavoriteCount = max(0, it.FavoriteCount+delta)
		}
		if !keepViewerFlags {
			it.Liked = nil
			it.Faved = nil
		}
	}
	return out, found
}
