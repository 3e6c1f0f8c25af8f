// Package bus 提供事件匯流排的抽象與兩種實作
//
// 語義：
//   - At-least-once：消費者處理成功後才 Ack，失敗 Nak 讓訊息重送
//   - 同一個 consumer group 內每則訊息只交給一個消費者
//   - 不同 group 各自收到完整的訊息流
//
// JetStream 是正式部署用的實作；Memory 用於單機模式與測試。
package bus

import (
	"context"
	"time"
)

// Message 要發布的訊息
type Message struct {
	Subject string // 主題，例如 counter.events
	Key     string // 分區鍵，同鍵訊息保持順序
	ID      string // 去重用的訊息 ID，可為空
	Data    []byte
}

// Delivery 消費端收到的訊息，帶有確認控制
type Delivery struct {
	Message
	NumDelivered uint64

	ack func() error
	nak func(delay time.Duration) error
}

// NewDelivery 建立一筆投遞
func NewDelivery(msg Message, numDelivered uint64, ack func() error, nak func(time.Duration) error) *Delivery {
	return &Delivery{Message: msg, NumDelivered: numDelivered, ack: ack, nak: nak}
}

// Ack 確認處理完成
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nak 要求延遲後重送
func (d *Delivery) Nak(delay time.Duration) error {
	if d.nak == nil {
		return nil
	}
	return d.nak(delay)
}

// Publisher 發布訊息
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Consumer 拉取式消費者
type Consumer interface {
	// Fetch 最多取回 max 筆；等待逾時且沒有訊息時回傳空切片
	Fetch(ctx context.Context, max int) ([]*Delivery, error)
	Close() error
}

// Subscriber 為 (topic, group) 建立消費者
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, opts ...SubscribeOption) (Consumer, error)
}

// SubscribeOptions 建立 group 時的選項；group 已存在時沿用原本的讀取位置
type SubscribeOptions struct {
	// FromLatest 新 group 只接收訂閱之後發布的訊息，不重播歷史
	FromLatest bool
}

// SubscribeOption 設定 SubscribeOptions
type SubscribeOption func(*SubscribeOptions)

// FromLatest 新 group 從最新位置開始讀取
//
// 用於每個實例各自一個的 group：實例重新命名或擴容時不會重播整個保留期的事件。
func FromLatest() SubscribeOption {
	return func(o *SubscribeOptions) { o.FromLatest = true }
}

func subscribeOptions(opts []SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Bus 完整的匯流排
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
