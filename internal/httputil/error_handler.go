package httputil

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"suggest-gateway/internal/apperrors"
	"suggest-gateway/internal/platform/logger"
	"suggest-gateway/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// WriteError 將領域錯誤寫成 HTTP 響應
// 4xx 類錯誤回傳領域訊息與代碼；5xx 類錯誤只回傳通用訊息，
// 真實錯誤進日誌。存儲層細節絕不出現在響應體裡。
func WriteError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := StatusOf(code)

	// 超時是可重試的領域結果，調用方需要看到代碼與 retryable 標記
	if status >= http.StatusInternalServerError && code != apperrors.CodeTimeout {
		SafeError(c, status, err, "服務器內部錯誤，請稍後再試")
		return
	}

	message := err.Error()
	var ae *apperrors.AppError
	if errors.As(err, &ae) {
		message = ae.Message
	}

	c.JSON(status, gin.H{
		"error":      message,
		"code":       string(code),
		"success":    false,
		"retryable":  apperrors.IsRetryable(err),
		"request_id": middleware.GetRequestID(c),
	})
}

// SafeError 安全的錯誤響應（不洩露內部信息）
func SafeError(c *gin.Context, statusCode int, err error, userMessage string) {
	requestID := middleware.GetRequestID(c)

	// 記錄真實錯誤到日誌（用於調試）
	logger.Error(c.Request.Context(), fmt.Sprintf("API Error: %v", err),
		logger.WithDetails(map[string]interface{}{
			"request_id": requestID,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"status":     statusCode,
		}))

	// 根據錯誤類型決定是否顯示詳情
	message := userMessage
	if shouldShowError(err) {
		message = err.Error()
	}

	c.JSON(statusCode, gin.H{
		"error":      message,
		"success":    false,
		"request_id": requestID, // 返回 request ID 便於追蹤
	})
}

// shouldShowError 判斷是否可以向用戶顯示錯誤詳情
func shouldShowError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// 不應顯示的錯誤關鍵字（可能洩露敏感信息）
	dangerousKeywords := []string{
		"mongo",
		"database",
		"connection",
		"password",
		"token",
		"secret",
		"credential",
		"key material",
		"internal",
		"stack",
		"panic",
	}

	lowerMsg := strings.ToLower(errMsg)
	for _, keyword := range dangerousKeywords {
		if strings.Contains(lowerMsg, keyword) {
			return false
		}
	}

	return true
}

// BadRequest 錯誤的請求
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":      message,
		"success":    false,
		"request_id": middleware.GetRequestID(c),
	})
}

