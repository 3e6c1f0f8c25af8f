// Package aggregator 將計數事件累加後批次寫入計數記錄
//
// 資料結構：
//
//	agg:v1:{entityType}:{entityId}  hash，field = 欄位索引，value = 待寫入的 delta
//	agg:v1:dirty                    set，有待寫入 delta 的主體
//	agg:v1:lease:{entityType}:{id}  flush 租約，避免多個實例同時處理同一主體
//
// 消費者只做累加（HINCRBY + SADD 在同一個腳本內），成功後才 Ack。
// 定時 flush 對每個非零欄位呼叫 Increment，成功後才「扣回」剛寫入的量；
// 扣回而不是刪除，期間新累加的 delta 不會遺失。
package aggregator

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// DirtyKey 待寫入主體集合
const DirtyKey = "agg:v1:dirty"

func hashKey(subject counter.Subject) string {
	return "agg:v1:" + subject.String()
}

func leaseKey(subject counter.Subject) string {
	return "agg:v1:lease:" + subject.String()
}

// KEYS[1]: 累加 hash  KEYS[2]: 髒集合
// ARGV[1]: 欄位  ARGV[2]: delta  ARGV[3]: 主體
var accumulateScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// 扣回已寫入的量；欄位歸零則刪除，hash 清空則移出髒集合
//
// KEYS[1]: 累加 hash  KEYS[2]: 髒集合
// ARGV[1]: 欄位  ARGV[2]: 已寫入量  ARGV[3]: 主體
var creditScript = redis.NewScript(`
local left = redis.call('HINCRBY', KEYS[1], ARGV[1], -tonumber(ARGV[2]))
if left == 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
end
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[3])
end
return left
`)

// hash 已空但還留在髒集合時清理
var pruneScript = redis.NewScript(`
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// Pending 一個主體的待寫入 delta
type Pending struct {
	Subject counter.Subject
	Fields  map[int]int64
}

// Accumulator 共享的 delta 累加器
type Accumulator struct {
	client *redis.Client
}

// NewAccumulator 建立累加器
func NewAccumulator(client *redis.Client) *Accumulator {
	return &Accumulator{client: client}
}

// Accumulate 累加 delta 並標記主體為待寫入
func (a *Accumulator) Accumulate(ctx context.Context, subject counter.Subject, field int, delta int64) error {
	if !subject.Schema.Valid(field) {
		return apperrors.ErrUnknownField
	}

	err := accumulateScript.Run(ctx, a.client,
		[]string{hashKey(subject), DirtyKey},
		field, delta, subject.String(),
	).Err()
	if err != nil {
		return apperrors.Transient(err, "accumulate delta")
	}
	return nil
}

// PendingBatch 從 cursor 開始掃描一批待寫入的主體，回傳下一個 cursor；0 表示掃完
//
// 每批的 HGETALL 走同一個 pipeline。無法解析的成員或已空的 hash 會順手清掉。
// 同一主體可能在不同批次重複出現，租約與扣回讓重複處理無害。
func (a *Accumulator) PendingBatch(ctx context.Context, cursor uint64, count int64) ([]Pending, uint64, error) {
	members, next, err := a.client.SScan(ctx, DirtyKey, cursor, "", count).Result()
	if err != nil {
		return nil, 0, apperrors.Transient(err, "scan dirty subjects")
	}
	if len(members) == 0 {
		return nil, next, nil
	}

	subjects := make([]counter.Subject, 0, len(members))
	reads := make([]*redis.MapStringStringCmd, 0, len(members))
	pipe := a.client.Pipeline()
	for _, member := range members {
		subject, err := counter.ParseSubject(member)
		if err != nil {
			pipe.SRem(ctx, DirtyKey, member)
			continue
		}
		subjects = append(subjects, subject)
		reads = append(reads, pipe.HGetAll(ctx, hashKey(subject)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, apperrors.Transient(err, "read pending deltas")
	}

	out := make([]Pending, 0, len(subjects))
	for i, subject := range subjects {
		raw := reads[i].Val()
		if len(raw) == 0 {
			pruneScript.Run(ctx, a.client, []string{hashKey(subject), DirtyKey}, subject.String())
			continue
		}

		fields := make(map[int]int64, len(raw))
		for k, v := range raw {
			idx, err1 := strconv.Atoi(k)
			delta, err2 := strconv.ParseInt(v, 10, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			fields[idx] = delta
		}
		out = append(out, Pending{Subject: subject, Fields: fields})
	}
	return out, next, nil
}

// drainScript 取出並刪除單一欄位的待寫入量
var drainScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return v
`)

// Drain 丟棄單一欄位尚未寫入的 delta，回傳丟棄的量
//
// 校正計數時使用：校正值已經包含這些 delta，呼叫端需先持有主體的租約。
func (a *Accumulator) Drain(ctx context.Context, subject counter.Subject, field int) (int64, error) {
	v, err := drainScript.Run(ctx, a.client,
		[]string{hashKey(subject), DirtyKey},
		field, subject.String(),
	).Int64()
	if err != nil {
		return 0, apperrors.Transient(err, "drain pending delta")
	}
	return v, nil
}

// Credit 扣回已成功寫入計數記錄的量，回傳剩餘 delta
func (a *Accumulator) Credit(ctx context.Context, subject counter.Subject, field int, applied int64) (int64, error) {
	left, err := creditScript.Run(ctx, a.client,
		[]string{hashKey(subject), DirtyKey},
		field, applied, subject.String(),
	).Int64()
	if err != nil {
		return 0, apperrors.Transient(err, "credit pending delta")
	}
	return left, nil
}

// Lease 取得主體的 flush 租約
func (a *Accumulator) Lease(ctx context.Context, subject counter.Subject, owner string, ttl time.Duration) (bool, error) {
	ok, err := a.client.SetNX(ctx, leaseKey(subject), owner, ttl).Result()
	if err != nil {
		return false, apperrors.Transient(err, "acquire flush lease")
	}
	return ok, nil
}

// releaseScript 只釋放自己持有的租約
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Release 釋放租約
func (a *Accumulator) Release(ctx context.Context, subject counter.Subject, owner string) error {
	if err := releaseScript.Run(ctx, a.client, []string{leaseKey(subject)}, owner).Err(); err != nil {
		return apperrors.Transient(err, "release flush lease")
	}
	return nil
}
