package apperrors

import (
	"errors"
	"fmt"
)

// AppError 領域錯誤
// 存儲層的原始錯誤（例如 Mongo 的重複鍵約束）不會跨越組件邊界，
// 一律在存儲層被包裝成帶有 Code 的 AppError。
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// New 創建領域錯誤
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

// Wrap 包裝底層錯誤為領域錯誤
func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Validation 參數驗證錯誤
func Validation(msg string) error { return New(CodeValidation, msg) }

// NotFound 記錄不存在
func NotFound(msg string) error { return New(CodeNotFound, msg) }

// Conflict 重複的活躍記錄
func Conflict(msg string) error { return New(CodeConflict, msg) }

// Forbidden 無權訪問
func Forbidden(msg string) error { return New(CodeForbidden, msg) }

// KeyUnavailable 參與者尚未註冊公鑰
// 與硬失敗區分：調用方可提示「此聊天尚未啟用加密」而非 500。
func KeyUnavailable(msg string) error { return New(CodeKeyUnavailable, msg) }

// Encryption 加密失敗
func Encryption(msg string, cause error) error { return Wrap(CodeEncryption, msg, cause) }

// Decryption 解密失敗（標籤驗證失敗、密鑰錯誤）
func Decryption(msg string, cause error) error { return Wrap(CodeDecryption, msg, cause) }

// Timeout 外部調用超時（可重試）
func Timeout(msg string) error { return New(CodeTimeout, msg) }

// Internal 內部錯誤
func Internal(msg string, cause error) error { return Wrap(CodeInternal, msg, cause) }

// CodeOf 取得錯誤的領域代碼，非領域錯誤回傳 CodeInternal
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is 檢查錯誤是否屬於指定代碼
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable 超時類錯誤可由調用方重試
// 輪換/分發的重試會重新生成新密鑰，因為失敗時沒有部分狀態外露。
func IsRetryable(err error) bool {
	return Is(err, CodeTimeout)
}
