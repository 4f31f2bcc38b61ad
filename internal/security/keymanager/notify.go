package keymanager

import (
	"context"

	"suggest-gateway/internal/platform/logger"
)

// Notifier 密鑰輪換通知接口
// 輪換成功後通知所有參與者取得新版本密鑰。通知是盡力而為：
// 失敗不影響已完成的輪換，參與者下次解密時會按版本查到新密鑰。
type Notifier interface {
	KeyRotated(ctx context.Context, chatID string, keyVersion int, participants []string)
}

// LogNotifier 以結構化日誌實現的通知器
// 下游推送（WebSocket / 消息隊列）接上前的預設實現。
type LogNotifier struct{}

// NewLogNotifier 創建日誌通知器
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// KeyRotated 記錄密鑰輪換事件
func (n *LogNotifier) KeyRotated(ctx context.Context, chatID string, keyVersion int, participants []string) {
	logger.Info(ctx, "聊天密鑰已輪換",
		logger.WithChatID(chatID),
		logger.WithKeyVersion(keyVersion),
		logger.WithAction("key_rotated"),
		logger.WithDetails(map[string]interface{}{
			"participant_count": len(participants),
		}),
	)
}
