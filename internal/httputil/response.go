package httputil

import "github.com/gin-gonic/gin"

// Success 回傳簡單的成功訊息回應.
func Success(message string) gin.H {
	return gin.H{"message": message}
}
