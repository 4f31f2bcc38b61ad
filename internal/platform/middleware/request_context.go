package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequestMetadata 請求元數據
// 審計事件記錄來源 IP 與 User-Agent 時從這裡取。
type RequestMetadata struct {
	IPAddress string
	UserAgent string
	UserID    string
}

type contextKey string

const requestMetadataKey contextKey = "request_metadata"

// RequestMetadataMiddleware 提取請求元數據並放進 request context
// 密鑰生命週期的審計鏈路跨越 service 層，元數據走 context.Context
// 傳遞而不是 gin.Context。
func RequestMetadataMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		metadata := &RequestMetadata{
			IPAddress: clientIP(c),
			UserAgent: c.Request.UserAgent(),
			UserID:    c.Query("user_id"),
		}

		ctx := context.WithValue(c.Request.Context(), requestMetadataKey, metadata)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// clientIP 獲取客戶端真實 IP
// 反向代理後面優先看轉發頭；X-Forwarded-For 取最左邊的一個。
func clientIP(c *gin.Context) string {
	if forwarded := c.Request.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}

	if realIP := c.Request.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return c.ClientIP()
}

// GetRequestMetadata 從 context 獲取請求元數據
// 中間件沒跑過的 context（後台任務、測試）回傳 unknown 佔位。
func GetRequestMetadata(ctx context.Context) *RequestMetadata {
	if metadata, ok := ctx.Value(requestMetadataKey).(*RequestMetadata); ok {
		return metadata
	}
	return &RequestMetadata{
		IPAddress: "unknown",
		UserAgent: "unknown",
	}
}
