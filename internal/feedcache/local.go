package feedcache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type localEntry struct {
	page      FeedPage
	expiresAt time.Time
}

// Local 實例內的頁面快取
//
// 每筆資料有自己的到期時間；修補時沿用原到期時間，不會延長壽命。
type Local struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, localEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewLocal 建立本地快取；ttl 是上限，Put 可以指定更短的值
func NewLocal(size int, ttl time.Duration) *Local {
	return &Local{
		cache: expirable.NewLRU[string, localEntry](size, nil, ttl),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get 讀取頁面副本
func (l *Local) Get(key string) (FeedPage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.lookup(key)
	if !ok {
		return FeedPage{}, false
	}
	return e.page.Clone(), true
}

// Put 寫入頁面
func (l *Local) Put(key string, page FeedPage, ttl time.Duration) {
	if ttl <= 0 || ttl > l.ttl {
		ttl = l.ttl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Add(key, localEntry{page: page.Clone(), expiresAt: l.now().Add(ttl)})
}

// Patch 對已存在的頁面套用 fn；頁面不存在或 fn 回傳 false 時不寫入
func (l *Local) Patch(key string, fn func(FeedPage) (FeedPage, bool)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.lookup(key)
	if !ok {
		return false
	}
	updated, changed := fn(e.page)
	if !changed {
		return false
	}
	l.cache.Add(key, localEntry{page: updated, expiresAt: e.expiresAt})
	return true
}

// Remove 移除頁面
func (l *Local) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Remove(key)
}

// Len 目前的項目數
func (l *Local) Len() int {
	return l.cache.Len()
}

func (l *Local) lookup(key string) (localEntry, bool) {
	e, ok := l.cache.Peek(key)
	if !ok {
		return localEntry{}, false
	}
	if !l.now().Before(e.expiresAt) {
		l.cache.Remove(key)
		return localEntry{}, false
	}
	return e, true
}
