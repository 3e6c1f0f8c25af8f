package event

import (
	"github.com/goccy/go-json"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// CDC 變更類型
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// Envelope CDC 橋接器轉送的傳輸信封，不解讀 payload 內容
type Envelope struct {
	Table      string `json:"table"`
	ChangeType string `json:"changeType"`
	Rows       []Row  `json:"rows"`
}

// Row outbox 資料列
type Row struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Carries 信封是否來自指定資料表的新增或更新
func (e Envelope) Carries(table string) bool {
	if e.Table != table {
		return false
	}
	return e.ChangeType == ChangeInsert || e.ChangeType == ChangeUpdate
}

// EncodeEnvelope 序列化信封
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope 解析信封
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "decode envelope")
	}
	return env, nil
}

// ParseEnvelope 解析信封並取出指定資料表的新增或更新資料列；其他信封不含資料列
func ParseEnvelope(data []byte, table string) ([]Row, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if !env.Carries(table) {
		return nil, nil
	}
	return env.Rows, nil
}
