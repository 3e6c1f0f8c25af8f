// Package limiter 實作分散式令牌桶限流器。
//
// 補充、判斷、扣除在同一段 Lua 腳本內完成，所有實例共享同一個桶。
// 時間取自 Redis 的 TIME。
package limiter

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-engagement-counter/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// Lua 腳本：令牌桶演算法
//
// KEYS[1]: 桶的 key（hash：last、tokens）
// ARGV[1]: 容量
// ARGV[2]: 每秒補充速率
//
// 返回值：
//
//	1: 取得令牌
//	0: 令牌不足，狀態不變
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call('HMGET', key, 'last', 'tokens')
local last = tonumber(state[1])
local tokens = tonumber(state[2])
if last == nil or tokens == nil then
  last = now
  tokens = capacity
end

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + (elapsed / 1000) * rate)

if tokens < 1 then
  return 0
end

tokens = tokens - 1
redis.call('HSET', key, 'last', now, 'tokens', tostring(tokens))
redis.call('PEXPIRE', key, math.ceil(capacity / rate * 1000) + 1000)
return 1
`)

// TokenBucket 分散式令牌桶
type TokenBucket struct {
	client *redis.Client
	logger *slog.Logger
}

// NewTokenBucket 建立令牌桶限流器
func NewTokenBucket(client *redis.Client, logger *slog.Logger) *TokenBucket {
	return &TokenBucket{client: client, logger: logger}
}

// TryAcquire 嘗試取得一個令牌
//
// 失敗時不修改狀態。Redis 錯誤回傳 false 與暫時性錯誤（fail-closed）。
func (tb *TokenBucket) TryAcquire(ctx context.Context, key string, capacity int64, refillPerSecond float64) (bool, error) {
	if capacity <= 0 || refillPerSecond <= 0 {
		return false, apperrors.New(apperrors.ErrCodeInvalidInput, "capacity and refill rate must be positive")
	}

	result, err := tokenBucketScript.Run(ctx, tb.client, []string{key}, capacity, refillPerSecond).Int()
	if err != nil {
		metrics.LimiterDecisions.WithLabelValues("error").Inc()
		tb.logger.WarnContext(ctx, "token bucket unavailable", "key", key, "error", err)
		return false, apperrors.Transient(err, "token bucket")
	}

	if result == 1 {
		metrics.LimiterDecisions.WithLabelValues("allowed").Inc()
		return true, nil
	}
	metrics.LimiterDecisions.WithLabelValues("rejected").Inc()
	return false, nil
}
