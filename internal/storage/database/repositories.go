package database

import (
	"context"

	"suggest-gateway/internal/storage/database/chat"
	"suggest-gateway/internal/storage/database/keys"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Repositories 倉儲集合.
// 存儲句柄用依賴注入傳遞，不使用模組級單例；
// 服務層（KeyDistributor、MessageCodec）保持無狀態。
type Repositories struct {
	Chat    *chat.ChatStore
	Message *chat.MessageStore
	UserKey *keys.UserKeyStore
	ChatKey *keys.ChatKeyStore
}

// NewRepositories 創建倉儲集合.
// 密鑰集合的唯一性不變量依賴部分唯一索引兜底，
// 索引創建失敗視為啟動失敗。
func NewRepositories(ctx context.Context, db *mongo.Database) (*Repositories, error) {
	if err := keys.CreateIndexes(ctx, db); err != nil {
		return nil, err
	}
	if err := chat.CreateIndexes(ctx, db); err != nil {
		return nil, err
	}

	return &Repositories{
		Chat:    chat.NewChatStore(db),
		Message: chat.NewMessageStore(db),
		UserKey: keys.NewUserKeyStore(db),
		ChatKey: keys.NewChatKeyStore(db),
	}, nil
}
