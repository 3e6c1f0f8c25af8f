// Package cdc 將 outbox 資料表的變更轉發到事件匯流排
//
// 來源是 PostgreSQL 邏輯複製（pgoutput）。變更以交易為單位組成批次，
// 批次轉發完成後才回報已處理的 LSN；中途停止或崩潰時未回報的交易會在重連後重播，
// 下游以 outbox id 去重。
package cdc

import (
	"context"
)

// ChangeType 資料列變更類型
type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// RowChange 單一資料列的變更；NULL 或未變更的 TOAST 欄位不會出現在 Columns
type RowChange struct {
	Table   string
	Type    ChangeType
	Columns map[string]string
}

// Batch 一個交易內的全部變更
type Batch struct {
	Changes  []RowChange
	Position uint64
}

// ChangeSource 變更串流
type ChangeSource interface {
	Open(ctx context.Context) error
	// Next 阻塞直到下一個完整交易
	Next(ctx context.Context) (*Batch, error)
	// Commit 回報批次已處理，來源可以丟棄之前的紀錄
	Commit(ctx context.Context, batch *Batch) error
	Close(ctx context.Context) error
}
