package counter

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// CounterStore 壓縮計數記錄的存取介面
type CounterStore interface {
	Increment(ctx context.Context, subject Subject, field int, delta int64) (int64, error)
	ReadFields(ctx context.Context, subject Subject, fields []int) (map[int]int64, error)
}

// patchFieldScript 在 Redis 端原子地修補單一欄位
//
// KEYS[1]: 記錄鍵
// ARGV[1]: schema 欄位數
// ARGV[2]: 欄位索引（0 起算）
// ARGV[3]: delta 或目標值
// ARGV[4]: "incr" 累加、"set" 覆寫
//
// 記錄不存在時補零；比 schema 長的記錄保留尾端資料。
// 回傳修補後的欄位值。
var patchFieldScript = redis.NewScript(`
local key = KEYS[1]
local size = tonumber(ARGV[1]) * 4
local off = tonumber(ARGV[2]) * 4
local arg = tonumber(ARGV[3])
local mode = ARGV[4]
local maxv = 4294967295

local raw = redis.call('GET', key)
if not raw then
  raw = ''
end
if string.len(raw) < size then
  raw = raw .. string.rep(string.char(0), size - string.len(raw))
end

local b1, b2, b3, b4 = string.byte(raw, off + 1, off + 4)
local cur = ((b1 * 256 + b2) * 256 + b3) * 256 + b4

local nv = arg
if mode == 'incr' then
  nv = cur + arg
end
if nv < 0 then
  nv = 0
end
if nv > maxv then
  nv = maxv
end

local enc = string.char(
  math.floor(nv / 16777216) % 256,
  math.floor(nv / 65536) % 256,
  math.floor(nv / 256) % 256,
  nv % 256)
raw = string.sub(raw, 1, off) .. enc .. string.sub(raw, off + 5)
redis.call('SET', key, raw)
return nv
`)

// Store 以 Redis 字串保存計數記錄
type Store struct {
	client *redis.Client
}

// NewStore 建立計數記錄儲存
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Increment 原子地對欄位加上 delta，回傳新值
//
// 結果夾在 [0, 2^32-1]。Redis 不可達時回傳暫時性錯誤，
// 呼叫端不能假設累加已經生效。
func (s *Store) Increment(ctx context.Context, subject Subject, field int, delta int64) (int64, error) {
	return s.patch(ctx, subject, field, delta, "incr")
}

// SetField 覆寫單一欄位，用於對帳重建
func (s *Store) SetField(ctx context.Context, subject Subject, field int, value int64) error {
	_, err := s.patch(ctx, subject, field, Clamp(value), "set")
	return err
}

func (s *Store) patch(ctx context.Context, subject Subject, field int, arg int64, mode string) (int64, error) {
	if !subject.Schema.Valid(field) {
		return 0, apperrors.ErrUnknownField.WithDetails(fmt.Sprintf("%s field %d", subject.Schema.Name, field))
	}

	v, err := patchFieldScript.Run(ctx, s.client,
		[]string{subject.Key()},
		subject.Schema.FieldCount(), field, arg, mode,
	).Int64()
	if err != nil {
		return 0, apperrors.Transient(err, "patch counter record")
	}
	return v, nil
}

// ReadFields 讀取指定欄位；記錄不存在或過短時回傳 0
func (s *Store) ReadFields(ctx context.Context, subject Subject, fields []int) (map[int]int64, error) {
	if err := validateFields(subject.Schema, fields); err != nil {
		return nil, err
	}

	raw, err := s.client.Get(ctx, subject.Key()).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperrors.Transient(err, "read counter record")
	}

	return pick(raw, fields), nil
}

// ReadMany 以 pipeline 批次讀取多個主體的相同欄位，結果與 subjects 順序一致
func (s *Store) ReadMany(ctx context.Context, subjects []Subject, fields []int) ([]map[int]int64, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	for _, subject := range subjects {
		if err := validateFields(subject.Schema, fields); err != nil {
			return nil, err
		}
	}

	cmds := make([]*redis.StringCmd, len(subjects))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, subject := range subjects {
			cmds[i] = pipe.Get(ctx, subject.Key())
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperrors.Transient(err, "read counter records")
	}

	out := make([]map[int]int64, len(subjects))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, apperrors.Transient(err, "read counter record")
		}
		out[i] = pick(raw, fields)
	}
	return out, nil
}

func validateFields(schema *Schema, fields []int) error {
	for _, f := range fields {
		if !schema.Valid(f) {
			return apperrors.ErrUnknownField.WithDetails(fmt.Sprintf("%s field %d", schema.Name, f))
		}
	}
	return nil
}

func pick(raw []byte, fields []int) map[int]int64 {
	out := make(map[int]int64, len(fields))
	for _, f := range fields {
		out[f] = ReadField(raw, f)
	}
	return out
}
