package feedcache

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

const maxPatchRetries = 3

// Shared Redis 上的頁面快取，存放不含瀏覽者狀態的 JSON
type Shared struct {
	client *redis.Client
}

// NewShared 建立共享快取
func NewShared(client *redis.Client) *Shared {
	return &Shared{client: client}
}

// Put 寫入頁面，瀏覽者狀態會被移除
func (s *Shared) Put(ctx context.Context, key string, page FeedPage, ttl time.Duration) error {
	data, err := json.Marshal(page.WithoutViewerFlags())
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return apperrors.Transient(err, "write shared page")
	}
	return nil
}

// Get 讀取頁面
func (s *Shared) Get(ctx context.Context, key string) (FeedPage, bool, error) {
	page, _, ok, err := s.GetWithTTL(ctx, key)
	return page, ok, err
}

// GetWithTTL 讀取頁面與剩餘 TTL；沒有過期時間時 TTL 為 0
//
// GET 與 PTTL 在同一個 MULTI 內執行，兩者看到同一個版本。
func (s *Shared) GetWithTTL(ctx context.Context, key string) (FeedPage, time.Duration, bool, error) {
	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return FeedPage{}, 0, false, nil
	}
	if err != nil {
		return FeedPage{}, 0, false, apperrors.Transient(err, "read shared page")
	}

	var page FeedPage
	if err := json.Unmarshal([]byte(get.Val()), &page); err != nil {
		return FeedPage{}, 0, false, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "decode shared page")
	}

	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return page, ttl, true, nil
}

// Patch 以樂觀交易調整頁面計數並保留剩餘 TTL；回傳頁面是否存在
//
// WATCH 期間有其他寫入時重試，最多 maxPatchRetries 次。
func (s *Shared) Patch(ctx context.Context, key, entityID, metric string, delta int64) (bool, error) {
	exists := false

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		exists = true

		var page FeedPage
		if err := json.Unmarshal(data, &page); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeMalformed, "decode shared page")
		}
		updated, found := AdjustCounts(page, entityID, metric, delta, false)
		if !found {
			return nil
		}
		out, err := json.Marshal(updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, out, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	for range maxPatchRetries {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return exists, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if apperrors.IsMalformed(err) {
			return true, err
		}
		return false, apperrors.Transient(err, "patch shared page")
	}
	return true, apperrors.New(apperrors.ErrCodeTransient, "patch shared page: too much contention").WithDetails(key)
}
