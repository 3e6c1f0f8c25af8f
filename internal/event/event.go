// Package event 定義在事件匯流排上流動的領域事件
package event

import (
	"fmt"

	"github.com/goccy/go-json"

	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// CounterEvent 計數變化事件
type CounterEvent struct {
	EntityType  string `json:"entityType"`
	EntityID    string `json:"entityId"`
	Metric      string `json:"metric"`
	FieldIndex  int    `json:"fieldIndex"`
	ActorUserID int64  `json:"actorUserId"`
	Delta       int32  `json:"delta"`
}

// PartitionKey 同一個實體的事件保持順序
func (e CounterEvent) PartitionKey() string {
	return e.EntityType + ":" + e.EntityID
}

// Validate 檢查必要欄位
func (e CounterEvent) Validate() error {
	if e.EntityType == "" || e.EntityID == "" {
		return apperrors.Malformed("counter event missing entity")
	}
	if e.FieldIndex < 0 {
		return apperrors.Malformed("counter event field index %d", e.FieldIndex)
	}
	if e.Delta == 0 {
		return apperrors.Malformed("counter event with zero delta")
	}
	return nil
}

// RelationType 關係變更類型
type RelationType string

const (
	FollowCreated   RelationType = "FollowCreated"
	FollowCancelled RelationType = "FollowCancelled"
)

// RelationEvent 關係變更事件，來自 outbox
type RelationEvent struct {
	Type          RelationType `json:"type"`
	FromUserID    int64        `json:"fromUserId"`
	ToUserID      int64        `json:"toUserId"`
	CorrelationID *int64       `json:"correlationId"`
}

// PartitionKey 同一組使用者的事件保持順序
func (e RelationEvent) PartitionKey() string {
	return fmt.Sprintf("%d:%d", e.FromUserID, e.ToUserID)
}

// Validate 檢查必要欄位
func (e RelationEvent) Validate() error {
	switch e.Type {
	case FollowCreated, FollowCancelled:
	default:
		return apperrors.Malformed("unknown relation event type %q", e.Type)
	}
	if e.FromUserID <= 0 || e.ToUserID <= 0 {
		return apperrors.Malformed("relation event needs both user ids")
	}
	return nil
}

// DecodeCounter 解析計數事件
func DecodeCounter(data []byte) (CounterEvent, error) {
	var ev CounterEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "decode counter event")
	}
	return ev, ev.Validate()
}

// DecodeRelation 解析關係事件
func DecodeRelation(data []byte) (RelationEvent, error) {
	var ev RelationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "decode relation event")
	}
	return ev, ev.Validate()
}
