package keys

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建密鑰集合的索引
// 唯一性不變量由部分唯一索引兜底：只約束 is_active=true 的記錄，
// 停用的歷史記錄允許同鍵共存。
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	userKeys := db.Collection("user_keys")

	// (user, session) 活躍唯一索引
	activeUserKeyIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "session_id", Value: 1},
		},
		Options: options.Index().
			SetName("active_user_session_idx").
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"is_active": true}),
	}

	// 用戶活躍密鑰扇出查詢
	userActiveIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "is_active", Value: 1},
		},
		Options: options.Index().SetName("user_active_idx"),
	}

	if _, err := userKeys.Indexes().CreateMany(ctx, []mongo.IndexModel{
		activeUserKeyIndex,
		userActiveIndex,
	}); err != nil {
		return err
	}

	chatKeys := db.Collection("chat_keys")

	// (chat, user, session) 活躍唯一索引
	activeChatKeyIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "chat_id", Value: 1},
			{Key: "user_id", Value: 1},
			{Key: "session_id", Value: 1},
		},
		Options: options.Index().
			SetName("active_chat_user_session_idx").
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"is_active": true}),
	}

	// 聊天活躍記錄查詢（不變量檢查、輪換停用）
	chatActiveIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "chat_id", Value: 1},
			{Key: "is_active", Value: 1},
		},
		Options: options.Index().SetName("chat_active_idx"),
	}

	// 按版本解密歷史訊息
	chatVersionIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "chat_id", Value: 1},
			{Key: "user_id", Value: 1},
			{Key: "key_version", Value: 1},
		},
		Options: options.Index().SetName("chat_user_version_idx"),
	}

	if _, err := chatKeys.Indexes().CreateMany(ctx, []mongo.IndexModel{
		activeChatKeyIndex,
		chatActiveIndex,
		chatVersionIndex,
	}); err != nil {
		return err
	}

	return nil
}
