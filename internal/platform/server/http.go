package server

import (
	"strconv"
	"time"

	"suggest-gateway/internal/apperrors"
	"suggest-gateway/internal/httputil"
	"suggest-gateway/internal/message"
	"suggest-gateway/internal/platform/config"
	"suggest-gateway/internal/platform/health"
	"suggest-gateway/internal/platform/middleware"
	"suggest-gateway/internal/security/audit"
	"suggest-gateway/internal/security/keymanager"
	"suggest-gateway/internal/storage/database"
	"suggest-gateway/internal/storage/database/chat"

	"github.com/gin-gonic/gin"
)

// Handlers HTTP 層依賴的服務集合
type Handlers struct {
	Registrar   *keymanager.KeyRegistrar
	Distributor *keymanager.KeyDistributor
	Messages    *message.Service
	Chats       chat.ChatRepository
	Audit       *audit.AuditService
}

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 啟用 XSS 保護
		c.Header("X-XSS-Protection", "1; mode=block")

		// 內容安全策略
		c.Header("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none';")

		// 推薦政策
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		c.Next()
	}
}

// Router 設定路由
func Router(h *Handlers) *gin.Engine {
	r := gin.Default()

	// 添加請求 ID 中間件（最優先）
	r.Use(middleware.RequestIDMiddleware())

	// 添加安全標頭中間件
	r.Use(securityHeadersMiddleware())

	// 添加請求元數據中間件（提取 IP、User-Agent）
	r.Use(middleware.RequestMetadataMiddleware())

	// 從配置讀取限制參數
	cfg := config.Get()

	// 添加請求大小限制
	maxBody := int64(10 << 20) // 默認 10MB
	if cfg != nil && cfg.Limits.Request.MaxBodySize > 0 {
		maxBody = cfg.Limits.Request.MaxBodySize
	}
	r.Use(middleware.RequestSizeLimiter(maxBody))

	// 創建 Rate Limiter
	defaultLimit := 100
	if cfg != nil && cfg.Limits.RateLimiting.DefaultPerMinute > 0 {
		defaultLimit = cfg.Limits.RateLimiting.DefaultPerMinute
	}
	rateLimiter := middleware.NewPerEndpointRateLimiter(defaultLimit, time.Minute)

	// 為不同端點設置不同的速率限制
	if cfg != nil && cfg.Limits.RateLimiting.Enabled {
		if cfg.Limits.RateLimiting.MessagesPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/messages", cfg.Limits.RateLimiting.MessagesPerMin, time.Minute)
		}
		if cfg.Limits.RateLimiting.ChatsPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/chats/private", cfg.Limits.RateLimiting.ChatsPerMin, time.Minute)
			rateLimiter.SetLimit("/api/v1/chats/group", cfg.Limits.RateLimiting.ChatsPerMin, time.Minute)
		}
	}

	// 應用 Rate Limiting 中間件
	r.Use(rateLimiter.Middleware())

	// 認證中間件（待 user 服務實現後啟用）
	jwtEnabled := cfg != nil && cfg.Security.Authentication.JWTEnabled
	jwtSecret := ""
	if cfg != nil {
		jwtSecret = cfg.Security.Authentication.JWTSecret
	}
	jwt := middleware.NewJWTMiddleware(jwtSecret, jwtEnabled)
	r.Use(jwt.GinMiddleware())

	// health check
	healthHandler := health.NewHealthHandler()
	r.GET("/health", healthHandler.HealthCheck)

	api := r.Group("/api/v1")
	{
		// 用戶密鑰
		api.POST("/keys", h.registerKey)
		api.GET("/keys/:user_id", h.listKeys)
		api.DELETE("/keys/:user_id/:session_id", h.deactivateKey)

		// 聊天
		api.POST("/chats/private", h.createPrivateChat)
		api.POST("/chats/group", h.createGroupChat)
		api.GET("/chats", h.listUserChats)
		api.POST("/chats/:chat_id/participants", h.addParticipant)
		api.DELETE("/chats/:chat_id/participants/:user_id", h.removeParticipant)
		api.POST("/chats/:chat_id/rotate", h.rotateKey)
		api.POST("/chats/:chat_id/repair-keys", h.repairKeyCoverage)
		api.POST("/chats/:chat_id/read", h.markAsRead)

		// 訊息
		api.POST("/messages", h.sendMessage)
		api.GET("/messages", h.getMessages)
		api.GET("/messages/unread", h.getUnreadCount)
	}

	return r
}

// 註冊用戶密鑰
func (h *Handlers) registerKey(c *gin.Context) {
	var req struct {
		UserID    string `json:"user_id" binding:"required"`
		SessionID string `json:"session_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := middleware.ValidateUserID(req.UserID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	record, err := h.Registrar.Register(c.Request.Context(), req.UserID, req.SessionID)
	if err != nil {
		httputil.WriteError(c, err)
		return
	}

	h.Audit.LogKeyRegistered(c.Request.Context(), req.UserID, req.SessionID)

	c.JSON(201, gin.H{
		"success": true,
		"data":    record,
	})
}

// 列出用戶密鑰
func (h *Handlers) listKeys(c *gin.Context) {
	userID := c.Param("user_id")
	if err := middleware.ValidateUserID(userID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	records, err := h.Registrar.ListKeys(c.Request.Context(), userID)
	if err != nil {
		httputil.WriteError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"data":    records,
	})
}

// 停用用戶密鑰
func (h *Handlers) deactivateKey(c *gin.Context) {
	userID := c.Param("user_id")
	sessionID := c.Param("session_id")

	if err := middleware.ValidateUserID(userID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	if err := h.Registrar.Deactivate(c.Request.Context(), userID, sessionID); err != nil {
		httputil.WriteError(c, err)
		return
	}

	h.Audit.LogKeyDeactivated(c.Request.Context(), userID, sessionID)

	c.JSON(200, httputil.Success("密鑰已停用"))
}

// 創建私聊
func (h *Handlers) createPrivateChat(c *gin.Context) {
	var req struct {
		UserA     string `json:"user_a" binding:"required"`
		UserB     string `json:"user_b" binding:"required"`
		CreatedBy string `json:"created_by"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := middleware.ValidateUserID(req.UserA); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidateUserID(req.UserB); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = req.UserA
	}

	created, err := h.Distributor.CreatePrivateChat(c.Request.Context(), req.UserA, req.UserB, createdBy)
	if err != nil {
		httputil.WriteError(c, err)
		return
	}

	h.Audit.LogChatCreated(c.Request.Context(), createdBy, created.ID, created.ChatType, len(created.Participants))

	c.JSON(201, gin.H{
		"success": true,
		"data":    created,
	})
}

// 創建群聊
func (h *Handlers) createGroupChat(c *gin.Context) {
	var req struct {
		Participants []string `json:"participants" binding:"required"`
		GroupName    string   `json:"group_name" binding:"required"`
		CreatedBy    string   `json:"created_by" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := middleware.ValidateGroupName(req.GroupName); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	// 驗證成員數量
	cfg := config.Get()
	maxMembers := 1000 // 默認
	if cfg != nil && cfg.Limits.Chat.MaxMembers > 0 {
		maxMembers = cfg.Limits.Chat.MaxMembers
	}
	if len(req.Participants) > maxMembers {
		httputil.BadRequest(c, "成員數量超過限制")
		return
	}

	for _, p := range req.Participants {
		if err := middleware.ValidateUserID(p); err != nil {
			httputil.BadRequest(c, "成員 ID 格式錯誤")
			return
		}
	}

	// 消毒群聊名稱
	sanitizedName := middleware.SanitizeInput(req.GroupName)

	created, err := h.Distributor.CreateGroupChat(c.Request.Context(), req.Participants, sanitizedName, req.CreatedBy)
	if err != nil {
		httputil.WriteError(c, err)
		return
	}

	h.Audit.LogChatCreated(c.Request.Context(), req.CreatedBy, created.ID, created.ChatType, len(created.Participants))

	c.JSON(201, gin.H{
		"success": true,
		"data":    created,
	})
}

// 列出用戶聊天
func (h *Handlers) listUserChats(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		httputil.BadRequest(c, "缺少 user_id 參數")
		return
	}

	limit := database.ValidateLimit(parseIntQuery(c, "limit"))
	cursor := c.Query("cursor")

	chats, nextCursor, hasMore, err := h.Chats.ListUserChats(c.Request.Context(), userID, limit, cursor)
	if err != nil {
		httputil.WriteError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success":     true,
		"data":        chats,
		"next_cursor": nextCursor,
		"has_more":    hasMore,
	})
}

// 添加群聊成員
func (h *Handlers) addParticipant(c *gin.Context) {
	chatID := c.Param("chat_id")
	if err := middleware.ValidateChatID(chatID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	var req struct {
		UserID  string `json:"user_id" binding:"required"`
		AddedBy string `json:"added_by" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := h.Distributor.AddParticipant(c.Request.Context(), chatID, req.UserID, req.AddedBy); err != nil {
		httputil.WriteError(c, err)
		return
	}

	h.Audit.LogParticipantAdded(c.Request.Context(), req.AddedBy, chatID, req.UserID)

	c.JSON(200, httputil.Success("成員已加入"))
}

// 移除群聊成員
func (h *Handlers) removeParticipant(c *gin.Context) {
	chatID := c.Param("chat_id")
	userID := c.Param("user_id")
	removedBy := c.Query("removed_by")

	if err := middleware.ValidateChatID(chatID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if removedBy == "" {
		removedBy = userID
	}

	if err := h.Distributor.RemoveParticipant(c.Request.Context(), chatID, userID, removedBy); err != nil {
		httputil.WriteError(c, err)
		return
	}

	h.Audit.LogParticipantRemoved(c.Request.Context(), removedBy, chatID, userID)

	c.JSON(200, httputil.Success("成員已移除"))
}

// 輪換聊天密鑰
func (h *Handlers) rotateKey(c *gin.Context) {
	chatID := c.Param("chat_id")
	if err := middleware.ValidateChatID(chatID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	var req struct {
		RotatedBy string `json:"rotated_by" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	version, err := h.Distributor.RotateKey(c.Request.Context(), chatID, req.RotatedBy)
	if err != nil {
		httputil.WriteError(c, err)
		return
	}

	h.Audit.LogKeyRotated(c.Request.Context(), req.RotatedBy, chatID, version)

	c.JSON(200, gin.H{
		"success":     true,
		"key_version": version,
	})
}

// 補齊聊天的密鑰覆蓋
// 運維修復入口：部分失敗後用發起者的活躍記錄為缺密鑰的參與者補發。
func (h *Handlers) repairKeyCoverage(c *gin.Context) {
	chatID := c.Param("chat_id")
	if err := middleware.ValidateChatID(chatID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	var req struct {
		ActorID string `json:"actor_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	repaired, err := h.Distributor.RepairKeyCoverage(c.Request.Context(), chatID, req.ActorID)
	if err != nil {
		httputil.WriteError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success":  true,
		"repaired": repaired,
	})
}

// 發送訊息
func (h *Handlers) sendMessage(c *gin.Context) {
	var req message.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := middleware.ValidateChatID(req.ChatID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	// 消毒輸入內容
	req.Content = middleware.SanitizeInput(req.Content)

	msg, err := h.Messages.SendMessage(c.Request.Context(), &req)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeForbidden) {
			h.Audit.LogAccessDenied(c.Request.Context(), req.SenderID, req.ChatID, "no active chat key")
		}
		httputil.WriteError(c, err)
		return
	}

	h.Audit.LogMessageSent(c.Request.Context(), req.SenderID, req.ChatID, msg.ID, msg.KeyVersion)

	c.JSON(201, gin.H{
		"success": true,
		"data": gin.H{
			"id":          msg.ID,
			"chat_id":     msg.ChatID,
			"sender_id":   msg.SenderID,
			"key_version": msg.KeyVersion,
			"created_at":  msg.CreatedAt,
		},
	})
}

// 獲取訊息
func (h *Handlers) getMessages(c *gin.Context) {
	chatID := c.Query("chat_id")
	userID := c.Query("user_id")
	sessionID := c.Query("session_id")
	cursor := c.Query("cursor")

	if chatID == "" || userID == "" || sessionID == "" {
		httputil.BadRequest(c, "缺少必要參數")
		return
	}
	if err := middleware.ValidateChatID(chatID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	limit := database.ValidateLimit(parseIntQuery(c, "limit"))

	views, nextCursor, hasMore, err := h.Messages.GetMessages(c.Request.Context(), chatID, userID, sessionID, limit, cursor)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeForbidden) {
			h.Audit.LogAccessDenied(c.Request.Context(), userID, chatID, "not a participant")
		}
		httputil.WriteError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success":     true,
		"data":        views,
		"next_cursor": nextCursor,
		"has_more":    hasMore,
	})
}

// 標記訊息已讀
func (h *Handlers) markAsRead(c *gin.Context) {
	chatID := c.Param("chat_id")
	if err := middleware.ValidateChatID(chatID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	var req message.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}

	if err := h.Messages.MarkAsRead(c.Request.Context(), chatID, &req); err != nil {
		httputil.WriteError(c, err)
		return
	}

	h.Audit.LogMessageRead(c.Request.Context(), req.UserID, chatID)

	c.JSON(200, httputil.Success("已標記已讀"))
}

// 獲取未讀數
func (h *Handlers) getUnreadCount(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		httputil.BadRequest(c, "缺少 user_id 參數")
		return
	}

	var chatID *string
	if id := c.Query("chat_id"); id != "" {
		chatID = &id
	}

	count, err := h.Messages.GetUnreadCount(c.Request.Context(), userID, chatID)
	if err != nil {
		httputil.WriteError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"count":   count,
	})
}

// parseIntQuery 解析整數查詢參數，失敗回傳 0
func parseIntQuery(c *gin.Context, key string) int {
	value := c.Query(key)
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
