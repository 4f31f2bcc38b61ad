package chat

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建聊天與訊息集合的索引
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	messages := db.Collection("messages")

	// 聊天 ID + 創建時間複合索引（分頁查詢的主索引）
	chatTimeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "chat_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("chat_time_idx"),
	}

	// 發送者索引
	senderTimeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "sender_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("sender_time_idx"),
	}

	// 已讀狀態索引（未讀數查詢）
	readStatusIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "read_by.user_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("read_status_idx"),
	}

	if _, err := messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		chatTimeIndex,
		senderTimeIndex,
		readStatusIndex,
	}); err != nil {
		return err
	}

	chats := db.Collection("chats")

	// 參與者索引（用戶聊天列表、私聊去重查詢）
	participantIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "participants", Value: 1},
		},
		Options: options.Index().SetName("participant_idx"),
	}

	// 聊天類型索引
	chatTypeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "chat_type", Value: 1},
		},
		Options: options.Index().SetName("chat_type_idx"),
	}

	// 更新時間索引（列表排序游標）
	updatedAtIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "updated_at", Value: -1},
		},
		Options: options.Index().SetName("updated_at_idx"),
	}

	// 私聊對唯一索引：同一對用戶至多一個活躍私聊，
	// 併發創建時由索引裁決，只對帶 pair_key 的活躍文檔生效
	pairKeyIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "pair_key", Value: 1},
		},
		Options: options.Index().
			SetName("active_pair_unique_idx").
			SetUnique(true).
			SetPartialFilterExpression(bson.D{
				{Key: "pair_key", Value: bson.D{{Key: "$exists", Value: true}}},
				{Key: "is_active", Value: true},
			}),
	}

	if _, err := chats.Indexes().CreateMany(ctx, []mongo.IndexModel{
		participantIndex,
		chatTypeIndex,
		updatedAtIndex,
		pairKeyIndex,
	}); err != nil {
		return err
	}

	return nil
}
