// Package errors 提供應用程式錯誤處理
//
// 錯誤分類：
//   - TRANSIENT_IO：儲存或訊息匯流排不可達、逾時，交給重送或下一輪 flush 重試
//   - MALFORMED_INPUT：無法解析的 CDC 資料列、未知欄位索引，記錄後跳過
//   - PARTIAL_FAILURE：一次關係變更中兩個寫入只成功一個
//
// 計數下溢直接夾到 0，不是錯誤；去重命中是正常結果，也不是錯誤。
package errors

import (
	"context"
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeTransient 暫時性 I/O 錯誤
	ErrCodeTransient = "TRANSIENT_IO"
	// ErrCodeMalformed 格式錯誤的輸入
	ErrCodeMalformed = "MALFORMED_INPUT"
	// ErrCodePartial 部分寫入失敗
	ErrCodePartial = "PARTIAL_FAILURE"
	// ErrCodeRateLimited 超過速率限制
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本，預定義錯誤不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Transient 將 I/O 錯誤包裝為暫時性錯誤
//
// 已經分類過的 AppError 原樣返回，避免重複包裝改掉錯誤碼。
func Transient(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return Wrap(err, ErrCodeTransient, message)
}

// Malformed 創建格式錯誤
func Malformed(format string, args ...any) *AppError {
	return New(ErrCodeMalformed, fmt.Sprintf(format, args...))
}

// 預定義錯誤
var (
	// ErrUnknownField 欄位索引超出 schema 範圍
	ErrUnknownField = New(ErrCodeMalformed, "field index out of schema bounds")

	// ErrUnknownMetric 未知的計數指標
	ErrUnknownMetric = New(ErrCodeInvalidInput, "unknown metric")

	// ErrRateLimited 速率限制
	ErrRateLimited = New(ErrCodeRateLimited, "rate limit exceeded")

	// ErrSelfFollow 不能關注自己
	ErrSelfFollow = New(ErrCodeInvalidInput, "cannot follow yourself")

	// ErrOwnerNotFound 找不到實體擁有者
	ErrOwnerNotFound = New(ErrCodeNotFound, "entity owner not found")

	// ErrUserNotFound 找不到使用者
	ErrUserNotFound = New(ErrCodeNotFound, "user not found")

	// ErrSubjectBusy 計數主體正在 flush 或校正
	ErrSubjectBusy = New(ErrCodeTransient, "counter subject is being flushed")

	// ErrBusClosed 匯流排已關閉
	ErrBusClosed = New(ErrCodeUnavailable, "event bus closed")
)

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsTransient 檢查是否為暫時性錯誤
//
// context 逾時也視為暫時性：逾時不代表「沒有發生變更」。
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return hasCode(err, ErrCodeTransient) || hasCode(err, ErrCodeUnavailable)
}

// IsMalformed 檢查是否為格式錯誤
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformed)
}

// IsPartial 檢查是否為部分失敗
func IsPartial(err error) bool {
	return hasCode(err, ErrCodePartial)
}

// IsRateLimited 檢查是否被限流
func IsRateLimited(err error) bool {
	return hasCode(err, ErrCodeRateLimited)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf 取出錯誤碼；未分類的錯誤視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}
