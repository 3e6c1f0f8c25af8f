package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// ChunkSize 每個位圖分段容納的使用者數
const ChunkSize = 32768

// BitmapStore 成員位圖的存取介面
type BitmapStore interface {
	Toggle(ctx context.Context, metric, entityType, entityID string, userID int64, add bool) (bool, error)
	IsSet(ctx context.Context, metric, entityType, entityID string, userID int64) (bool, error)
}

// ChunkOf 使用者所在的分段
func ChunkOf(userID int64) int64 { return userID / ChunkSize }

// BitOf 使用者在分段內的位元
func BitOf(userID int64) int64 { return userID % ChunkSize }

// BitmapKey bm:{metric}:{entityType}:{entityId}:{chunk}
func BitmapKey(metric, entityType, entityID string, chunk int64) string {
	return fmt.Sprintf("bm:%s:%s:%s:%d", metric, entityType, entityID, chunk)
}

// toggleScript 只在狀態真的改變時寫入
//
// KEYS[1]: 分段鍵
// ARGV[1]: 位元偏移
// ARGV[2]: 目標值 1 或 0
//
// 回傳 1 表示 0→1 或 1→0，回傳 0 表示已經是目標狀態。
var toggleScript = redis.NewScript(`
local prev = redis.call('GETBIT', KEYS[1], ARGV[1])
local want = tonumber(ARGV[2])
if prev == want then
  return 0
end
redis.call('SETBIT', KEYS[1], ARGV[1], want)
return 1
`)

// Bitmap 以分段 Redis bitmap 記錄誰按過讚或收藏
type Bitmap struct {
	client *redis.Client
}

// NewBitmap 建立成員位圖
func NewBitmap(client *redis.Client) *Bitmap {
	return &Bitmap{client: client}
}

// Toggle 設定或清除使用者的位元，回傳是否真的發生變化
//
// 重複的 add 回傳 false，不會有副作用。
func (b *Bitmap) Toggle(ctx context.Context, metric, entityType, entityID string, userID int64, add bool) (bool, error) {
	if userID < 0 {
		return false, apperrors.New(apperrors.ErrCodeInvalidInput, "user id must be non-negative")
	}

	want := 0
	if add {
		want = 1
	}

	changed, err := toggleScript.Run(ctx, b.client,
		[]string{BitmapKey(metric, entityType, entityID, ChunkOf(userID))},
		BitOf(userID), want,
	).Int()
	if err != nil {
		return false, apperrors.Transient(err, "toggle membership bit")
	}
	return changed == 1, nil
}

// IsSet 純讀取
func (b *Bitmap) IsSet(ctx context.Context, metric, entityType, entityID string, userID int64) (bool, error) {
	if userID < 0 {
		return false, apperrors.New(apperrors.ErrCodeInvalidInput, "user id must be non-negative")
	}

	bit, err := b.client.GetBit(ctx, BitmapKey(metric, entityType, entityID, ChunkOf(userID)), BitOf(userID)).Result()
	if err != nil {
		return false, apperrors.Transient(err, "read membership bit")
	}
	return bit == 1, nil
}

// Count 掃描所有分段並加總 BITCOUNT，作為對帳時的實際人數
func (b *Bitmap) Count(ctx context.Context, metric, entityType, entityID string) (int64, error) {
	prefix := fmt.Sprintf("bm:%s:%s:%s:", metric, entityType, entityID)
	pattern := escapeGlob(prefix) + "*"

	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, apperrors.Transient(err, "scan bitmap chunks")
		}

		for _, key := range keys {
			// 只接受純數字的分段後綴，避免 entityId 前綴相同的其他實體
			if _, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64); err != nil {
				continue
			}
			n, err := b.client.BitCount(ctx, key, nil).Result()
			if err != nil {
				return 0, apperrors.Transient(err, "count bitmap chunk")
			}
			total += n
		}

		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
