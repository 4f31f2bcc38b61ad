package message

import (
	"time"

	"suggest-gateway/internal/storage/database/chat"
)

// 訊息狀態常數.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// 解密失敗時對外顯示的佔位文本.
const decryptFailedText = "[解密失敗]"

// 明文長度上限（加密前檢查）.
const maxContentLength = 4096

// SendMessageRequest 發送訊息請求.
type SendMessageRequest struct {
	ChatID    string `json:"chat_id" binding:"required"`
	SenderID  string `json:"sender_id" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
	Content   string `json:"content" binding:"required"`
}

// MarkReadRequest 標記已讀請求.
type MarkReadRequest struct {
	UserID    string  `json:"user_id" binding:"required"`
	MessageID *string `json:"message_id,omitempty"`
}

// MessageView 解密後的訊息視圖
// 對外回傳明文內容，不暴露密文與加密元數據。
type MessageView struct {
	ID         string               `json:"id"`
	ChatID     string               `json:"chat_id"`
	SenderID   string               `json:"sender_id"`
	Content    string               `json:"content"`
	KeyVersion int                  `json:"key_version"`
	Status     string               `json:"status"`
	ReadBy     []chat.MessageReadBy `json:"read_by,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}
