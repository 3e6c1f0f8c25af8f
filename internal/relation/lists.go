package relation

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// FollowingKey 使用者關注清單的 sorted set
func FollowingKey(userID int64) string {
	return "uf:flws:" + strconv.FormatInt(userID, 10)
}

// FollowersKey 使用者粉絲清單的 sorted set
func FollowersKey(userID int64) string {
	return "uf:fans:" + strconv.FormatInt(userID, 10)
}

// 只修補已存在的清單：不存在時由讀取端從資料表回填，避免只含單筆的清單被當成完整清單
//
// KEYS[1]: 清單
// ARGV[1]: add|rem  ARGV[2]: 成員  ARGV[3]: 分數（毫秒）  ARGV[4]: TTL 毫秒
var patchListScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if ARGV[1] == 'add' then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
else
  redis.call('ZREM', KEYS[1], ARGV[2])
end
return 1
`)

func patchList(ctx context.Context, client *redis.Client, key string, member int64, add bool, ttl time.Duration) error {
	op := "rem"
	if add {
		op = "add"
	}
	return patchListScript.Run(ctx, client, []string{key},
		op, member, time.Now().UnixMilli(), ttl.Milliseconds(),
	).Err()
}

// patchEdge 同時修補 from 的關注清單與 to 的粉絲清單，回傳第一個錯誤
func patchEdge(ctx context.Context, client *redis.Client, from, to int64, add bool, ttl time.Duration) error {
	err1 := patchList(ctx, client, FollowingKey(from), to, add, ttl)
	err2 := patchList(ctx, client, FollowersKey(to), from, add, ttl)
	if err1 != nil {
		return err1
	}
	return err2
}
