package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"suggest-gateway/internal/platform/middleware"
)

// AuditService 審計服務
// 記錄密鑰生命週期與聊天變更事件。事件只記錄元數據，
// 絕不記錄密鑰材料或訊息明文。
type AuditService struct {
	enabled bool
	logger  *log.Logger
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{
		enabled: enabled,
		logger:  log.Default(),
	}
}

// AuditEvent 審計事件
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  string                 `json:"event_type"`
	UserID     string                 `json:"user_id"`
	ChatID     string                 `json:"chat_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	MessageID  string                 `json:"message_id,omitempty"`
	KeyVersion int                    `json:"key_version,omitempty"`
	Action     string                 `json:"action"`
	Result     string                 `json:"result"` // success, failure, denied
	Details    map[string]interface{} `json:"details,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
}

// LogKeyRegistered 記錄用戶密鑰註冊
func (a *AuditService) LogKeyRegistered(ctx context.Context, userID, sessionID string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "key_registered",
		UserID:    userID,
		SessionID: sessionID,
		Action:    "register_key",
		Result:    "success",
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogKeyDeactivated 記錄用戶密鑰停用
func (a *AuditService) LogKeyDeactivated(ctx context.Context, userID, sessionID string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "key_deactivated",
		UserID:    userID,
		SessionID: sessionID,
		Action:    "deactivate_key",
		Result:    "success",
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogChatCreated 記錄聊天創建與首次密鑰分發
func (a *AuditService) LogChatCreated(ctx context.Context, userID, chatID, chatType string, keyTargets int) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "chat_created",
		UserID:     userID,
		ChatID:     chatID,
		KeyVersion: 1,
		Action:     "create_chat",
		Result:     "success",
		Details: map[string]interface{}{
			"chat_type":   chatType,
			"key_targets": keyTargets,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogParticipantAdded 記錄添加成員
func (a *AuditService) LogParticipantAdded(ctx context.Context, operatorID, chatID, memberID string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "participant_added",
		UserID:    operatorID,
		ChatID:    chatID,
		Action:    "add_participant",
		Result:    "success",
		Details: map[string]interface{}{
			"member_id": memberID,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogParticipantRemoved 記錄移除成員
func (a *AuditService) LogParticipantRemoved(ctx context.Context, operatorID, chatID, memberID string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "participant_removed",
		UserID:    operatorID,
		ChatID:    chatID,
		Action:    "remove_participant",
		Result:    "success",
		Details: map[string]interface{}{
			"member_id": memberID,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogKeyRotated 記錄密鑰輪換
func (a *AuditService) LogKeyRotated(ctx context.Context, userID, chatID string, keyVersion int) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "key_rotated",
		UserID:     userID,
		ChatID:     chatID,
		KeyVersion: keyVersion,
		Action:     "rotate_key",
		Result:     "success",
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// LogMessageSent 記錄訊息發送
func (a *AuditService) LogMessageSent(ctx context.Context, userID, chatID, messageID string, keyVersion int) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "message_sent",
		UserID:     userID,
		ChatID:     chatID,
		MessageID:  messageID,
		KeyVersion: keyVersion,
		Action:     "send_message",
		Result:     "success",
	}

	a.log(event)
}

// LogMessageRead 記錄訊息已讀
func (a *AuditService) LogMessageRead(ctx context.Context, userID, chatID string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "message_read",
		UserID:    userID,
		ChatID:    chatID,
		Action:    "mark_as_read",
		Result:    "success",
	}

	a.log(event)
}

// LogAccessDenied 記錄訪問被拒絕
// 沒有活躍密鑰記錄的解密嘗試走這裡。
func (a *AuditService) LogAccessDenied(ctx context.Context, userID, chatID, reason string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "access_denied",
		UserID:    userID,
		ChatID:    chatID,
		Action:    "access_resource",
		Result:    "denied",
		Details: map[string]interface{}{
			"reason": reason,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.log(event)
}

// log 記錄審計事件
func (a *AuditService) log(event AuditEvent) {
	// 轉換為 JSON
	jsonData, err := json.Marshal(event)
	if err != nil {
		a.logger.Printf("[AUDIT-ERROR] Failed to marshal event: %v", err)
		return
	}

	// 記錄到日誌
	a.logger.Printf("[AUDIT] %s", string(jsonData))
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a.enabled
}

// enrichWithMetadata 從 context 提取請求元數據豐富審計事件
func (a *AuditService) enrichWithMetadata(ctx context.Context, event *AuditEvent) {
	meta := middleware.GetRequestMetadata(ctx)
	if meta.IPAddress != "unknown" {
		event.IPAddress = meta.IPAddress
	}
	if meta.UserAgent != "unknown" {
		event.UserAgent = meta.UserAgent
	}
}
