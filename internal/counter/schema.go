// Package counter 實作壓縮計數記錄與成員位圖
//
// 計數記錄格式：
//
//	每個欄位 4 bytes，大端序無號整數，欄位順序由 schema 版本固定
//	entity v1：read | like | fav | comment | repost
//	user   v1：followings | followers | posts | likes_received | favs_received
//
// 一筆記錄只佔 20 bytes，一次 GET 取回全部欄位；所有修改都在 Redis 端以
// Lua 腳本完成「讀取→修補→寫回」，不使用客戶端鎖。
//
// 數值下限為 0：delta 造成負值時夾到 0（飽和下限，不會回繞），
// 上限為 2^32-1。
package counter

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

const (
	// FieldSize 每個欄位的位元組數
	FieldSize = 4
	// MaxValue 單一欄位的最大值
	MaxValue int64 = math.MaxUint32
	// SchemaVersion 目前的記錄版本
	SchemaVersion = "v1"
	// UserEntityType 使用者計數的實體類型
	UserEntityType = "user"
)

// entity 欄位索引
const (
	FieldRead = iota
	FieldLike
	FieldFav
	FieldComment
	FieldRepost
)

// user 欄位索引
const (
	FieldFollowings = iota
	FieldFollowers
	FieldPosts
	FieldLikesReceived
	FieldFavsReceived
)

// 指標名稱
const (
	MetricRead          = "read"
	MetricLike          = "like"
	MetricFav           = "fav"
	MetricComment       = "comment"
	MetricRepost        = "repost"
	MetricFollowings    = "followings"
	MetricFollowers     = "followers"
	MetricPosts         = "posts"
	MetricLikesReceived = "likes_received"
	MetricFavsReceived  = "favs_received"
)

// Schema 固定欄位配置
type Schema struct {
	Name    string
	Version string
	prefix  string
	fields  []string
}

var (
	// EntitySchema 內容實體（貼文等）的計數
	EntitySchema = &Schema{
		Name:    "entity",
		Version: SchemaVersion,
		prefix:  "cnt",
		fields:  []string{MetricRead, MetricLike, MetricFav, MetricComment, MetricRepost},
	}

	// UserSchema 使用者彙總計數
	UserSchema = &Schema{
		Name:    "user",
		Version: SchemaVersion,
		prefix:  "ucnt",
		fields:  []string{MetricFollowings, MetricFollowers, MetricPosts, MetricLikesReceived, MetricFavsReceived},
	}
)

// FieldCount 欄位數
func (s *Schema) FieldCount() int { return len(s.fields) }

// RecordSize 記錄長度（bytes）
func (s *Schema) RecordSize() int { return len(s.fields) * FieldSize }

// Valid 檢查欄位索引是否在範圍內
func (s *Schema) Valid(index int) bool {
	return index >= 0 && index < len(s.fields)
}

// Index 由指標名稱取得欄位索引
func (s *Schema) Index(metric string) (int, bool) {
	for i, name := range s.fields {
		if name == metric {
			return i, true
		}
	}
	return -1, false
}

// FieldName 由索引取得指標名稱
func (s *Schema) FieldName(index int) string {
	if !s.Valid(index) {
		return ""
	}
	return s.fields[index]
}

// Fields 全部欄位名稱
func (s *Schema) Fields() []string {
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}

// Subject 計數主體，對應一筆計數記錄
type Subject struct {
	Schema     *Schema
	EntityType string
	EntityID   string
}

// EntitySubject 內容實體的計數主體
func EntitySubject(entityType, entityID string) Subject {
	return Subject{Schema: EntitySchema, EntityType: entityType, EntityID: entityID}
}

// UserSubject 使用者的計數主體
func UserSubject(userID int64) Subject {
	return Subject{Schema: UserSchema, EntityType: UserEntityType, EntityID: strconv.FormatInt(userID, 10)}
}

// SubjectFor 依實體類型選擇 schema
func SubjectFor(entityType, entityID string) Subject {
	if entityType == UserEntityType {
		return Subject{Schema: UserSchema, EntityType: UserEntityType, EntityID: entityID}
	}
	return EntitySubject(entityType, entityID)
}

// Key Redis 記錄鍵
//
//	entity: cnt:v1:{entityType}:{entityId}
//	user:   ucnt:v1:{userId}
func (s Subject) Key() string {
	if s.Schema == UserSchema {
		return fmt.Sprintf("%s:%s:%s", s.Schema.prefix, s.Schema.Version, s.EntityID)
	}
	return fmt.Sprintf("%s:%s:%s:%s", s.Schema.prefix, s.Schema.Version, s.EntityType, s.EntityID)
}

// String 以 "{entityType}:{entityId}" 表示，作為累加器的髒集合成員
func (s Subject) String() string {
	return s.EntityType + ":" + s.EntityID
}

// ParseSubject 解析 String() 的輸出
func ParseSubject(raw string) (Subject, error) {
	entityType, entityID, ok := strings.Cut(raw, ":")
	if !ok || entityType == "" || entityID == "" {
		return Subject{}, apperrors.Malformed("invalid subject %q", raw)
	}
	return SubjectFor(entityType, entityID), nil
}

// DecodeRecord 將原始記錄解成欄位值；記錄過短的部分視為 0
func DecodeRecord(raw []byte, schema *Schema) []int64 {
	values := make([]int64, schema.FieldCount())
	for i := range values {
		values[i] = ReadField(raw, i)
	}
	return values
}

// ReadField 讀取單一欄位
func ReadField(raw []byte, index int) int64 {
	off := index * FieldSize
	if index < 0 || off+FieldSize > len(raw) {
		return 0
	}
	return int64(raw[off])<<24 | int64(raw[off+1])<<16 | int64(raw[off+2])<<8 | int64(raw[off+3])
}

// EncodeRecord 將欄位值編碼成記錄；超出範圍的值會被夾住
func EncodeRecord(values []int64) []byte {
	raw := make([]byte, len(values)*FieldSize)
	for i, v := range values {
		v = Clamp(v)
		off := i * FieldSize
		raw[off] = byte(v >> 24)
		raw[off+1] = byte(v >> 16)
		raw[off+2] = byte(v >> 8)
		raw[off+3] = byte(v)
	}
	return raw
}

// Clamp 將值限制在 [0, MaxValue]
func Clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > MaxValue {
		return MaxValue
	}
	return v
}
