package feedcache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// HourBucket 以 Unix 毫秒計算的小時桶
func HourBucket(t time.Time) int64 {
	return t.UnixMilli() / int64(time.Hour/time.Millisecond)
}

// IndexKey 實體在某個小時桶的反向索引
func IndexKey(entityID string, bucket int64) string {
	return "feed:public:index:" + entityID + ":" + strconv.FormatInt(bucket, 10)
}

// ReverseIndex 實體 → 頁面鍵
type ReverseIndex struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReverseIndex 建立反向索引；ttl 需涵蓋兩個小時桶
func NewReverseIndex(client *redis.Client, ttl time.Duration) *ReverseIndex {
	if ttl < 2*time.Hour {
		ttl = 3 * time.Hour
	}
	return &ReverseIndex{client: client, ttl: ttl}
}

// Add 在目前小時桶登記頁面包含的實體
func (r *ReverseIndex) Add(ctx context.Context, pageKey string, entityIDs []string, now time.Time) error {
	if len(entityIDs) == 0 {
		return nil
	}
	bucket := HourBucket(now)

	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range entityIDs {
			key := IndexKey(id, bucket)
			pipe.SAdd(ctx, key, pageKey)
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return apperrors.Transient(err, "register page in index")
	}
	return nil
}

// Keys 目前與前一個小時桶中包含該實體的頁面，不重複
func (r *ReverseIndex) Keys(ctx context.Context, entityID string, now time.Time) ([]string, error) {
	bucket := HourBucket(now)

	var cur, prev *redis.StringSliceCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		cur = pipe.SMembers(ctx, IndexKey(entityID, bucket))
		prev = pipe.SMembers(ctx, IndexKey(entityID, bucket-1))
		return nil
	})
	if err != nil {
		return nil, apperrors.Transient(err, "read page index")
	}

	seen := make(map[string]struct{})
	var keys []string
	for _, k := range append(cur.Val(), prev.Val()...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, nil
}

// Remove 從兩個小時桶移除頁面
func (r *ReverseIndex) Remove(ctx context.Context, entityID, pageKey string, now time.Time) error {
	bucket := HourBucket(now)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, IndexKey(entityID, bucket), pageKey)
		pipe.SRem(ctx, IndexKey(entityID, bucket-1), pageKey)
		return nil
	})
	if err != nil {
		return apperrors.Transient(err, "remove page from index")
	}
	return nil
}
