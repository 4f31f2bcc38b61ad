package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter 按客戶端 IP 的固定窗口速率限制器
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     int
	window   time.Duration
}

type visitor struct {
	lastSeen  time.Time
	requests  int
	resetTime time.Time
}

// NewRateLimiter 創建速率限制器
// rate 為每個窗口允許的請求數，window 為窗口長度。
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}

	go rl.cleanupVisitors()

	return rl
}

// Middleware 返回 Gin 中間件
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			rejectTooManyRequests(c)
			return
		}
		c.Next()
	}
}

// allow 檢查此 IP 在當前窗口內是否還有配額
func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{
			lastSeen:  now,
			requests:  1,
			resetTime: now.Add(rl.window),
		}
		return true
	}

	v.lastSeen = now
	if now.After(v.resetTime) {
		v.requests = 1
		v.resetTime = now.Add(rl.window)
		return true
	}

	if v.requests >= rl.rate {
		return false
	}

	v.requests++
	return true
}

// cleanupVisitors 定期清理閒置的訪問者記錄
func (rl *RateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for ip, v := range rl.visitors {
			if now.Sub(v.lastSeen) > 10*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// PerEndpointRateLimiter 按端點區分配額的速率限制器
// 發訊息、建聊天這類寫路徑各有獨立配額，其餘端點走默認配額。
type PerEndpointRateLimiter struct {
	limiters map[string]*RateLimiter
	fallback *RateLimiter
}

// NewPerEndpointRateLimiter 創建端點級速率限制器
func NewPerEndpointRateLimiter(defaultRate int, defaultWindow time.Duration) *PerEndpointRateLimiter {
	return &PerEndpointRateLimiter{
		limiters: make(map[string]*RateLimiter),
		fallback: NewRateLimiter(defaultRate, defaultWindow),
	}
}

// SetLimit 為特定端點設置配額
// 只能在路由註冊階段調用，之後的讀取不加鎖。
func (p *PerEndpointRateLimiter) SetLimit(path string, rate int, window time.Duration) {
	p.limiters[path] = NewRateLimiter(rate, window)
}

// Middleware 返回 Gin 中間件
func (p *PerEndpointRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter, exists := p.limiters[c.Request.URL.Path]
		if !exists {
			limiter = p.fallback
		}
		if !limiter.allow(c.ClientIP()) {
			rejectTooManyRequests(c)
			return
		}
		c.Next()
	}
}

func rejectTooManyRequests(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":      "請求過於頻繁，請稍後再試",
		"success":    false,
		"request_id": GetRequestID(c),
	})
	c.Abort()
}
