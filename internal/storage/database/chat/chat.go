package chat

import (
	"context"
	"time"

	"suggest-gateway/internal/apperrors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// 聊天類型
const (
	TypePrivate = "private"
	TypeGroup   = "group"
)

// ChatRepository 聊天倉儲接口
// 成員關係的權威來源：KeyDistributor 在增刪密鑰前都向這裡查詢
// 當前參與者集合與聊天類型。
type ChatRepository interface {
	Create(ctx context.Context, chat *Chat) error
	GetByID(ctx context.Context, id string) (*Chat, error)
	FindPrivateBetween(ctx context.Context, userA, userB string) (*Chat, error)
	AddParticipant(ctx context.Context, chatID, userID, updatedBy string) error
	RemoveParticipant(ctx context.Context, chatID, userID, updatedBy string) error
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	ListUserChats(ctx context.Context, userID string, limit int, cursor string) ([]*Chat, string, bool, error)
	Deactivate(ctx context.Context, chatID string) error
}

// Chat 聊天數據模型
// 私聊恰好 2 個參與者，群聊至少 2 個；在持久化邊界強制。
type Chat struct {
	_ID          interface{} `bson:"_id"`
	ID           string      `bson:"id" json:"id,omitempty"`
	ChatType     string      `bson:"chat_type" json:"chat_type"`
	Participants []string    `bson:"participants" json:"participants"`
	GroupName    string      `bson:"group_name,omitempty" json:"group_name,omitempty"`
	// PairKey 私聊參與者對的規範鍵（排序後拼接）。
	// 配合部分唯一索引，併發創建同一對用戶的私聊只有一個能成功。
	PairKey string `bson:"pair_key,omitempty" json:"-"`
	IsActive     bool        `bson:"is_active" json:"is_active"`
	CreatedBy    string      `bson:"created_by" json:"created_by"`
	UpdatedBy    string      `bson:"updated_by,omitempty" json:"updated_by,omitempty"`
	CreatedAt    time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `bson:"updated_at" json:"updated_at"`
}

// Validate 驗證參與者數量不變量
func (c *Chat) Validate() error {
	switch c.ChatType {
	case TypePrivate:
		if len(c.Participants) != 2 {
			return apperrors.Validation("private chats must have exactly 2 participants")
		}
	case TypeGroup:
		if len(c.Participants) < 2 {
			return apperrors.Validation("group chats must have at least 2 participants")
		}
		if c.GroupName == "" {
			return apperrors.Validation("group name is required")
		}
	default:
		return apperrors.Validation("chat type must be either 'private' or 'group'")
	}
	return nil
}

// PrivatePairKey 計算私聊參與者對的規範鍵，與傳入順序無關
func PrivatePairKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "|" + userB
}

// HasParticipant 檢查用戶是否是參與者
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ChatStore 聊天存儲實作
type ChatStore struct {
	collection *mongo.Collection
}

// NewChatStore 創建新的聊天存儲
func NewChatStore(db *mongo.Database) *ChatStore {
	return &ChatStore{
		collection: db.Collection("chats"),
	}
}

// Create 創建聊天
// 私聊寫入 pair_key，唯一索引擋住併發創建下的重複私聊。
func (s *ChatStore) Create(ctx context.Context, chat *Chat) error {
	if err := chat.Validate(); err != nil {
		return err
	}

	_id := bson.NewObjectID()
	now := time.Now().UTC()
	chat._ID = _id
	chat.ID = _id.Hex()
	chat.IsActive = true
	chat.CreatedAt = now
	chat.UpdatedAt = now

	if chat.ChatType == TypePrivate {
		chat.PairKey = PrivatePairKey(chat.Participants[0], chat.Participants[1])
	}

	if _, err := s.collection.InsertOne(ctx, chat); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperrors.Conflict("private chat between these users already exists")
		}
		return apperrors.Internal("chat insert failed", err)
	}

	return nil
}

// GetByID 根據 ID 獲取活躍的聊天
func (s *ChatStore) GetByID(ctx context.Context, id string) (*Chat, error) {
	var chat Chat
	err := s.collection.FindOne(ctx, bson.M{"id": id, "is_active": true}).Decode(&chat)
	if err == mongo.ErrNoDocuments {
		return nil, apperrors.NotFound("chat not found")
	}
	if err != nil {
		return nil, apperrors.Internal("chat lookup failed", err)
	}

	return &chat, nil
}

// FindPrivateBetween 查找兩個用戶之間既存的活躍私聊
// 不存在時回傳 NotFound；重複私聊的檢測入口。
func (s *ChatStore) FindPrivateBetween(ctx context.Context, userA, userB string) (*Chat, error) {
	filter := bson.M{
		"chat_type":    TypePrivate,
		"is_active":    true,
		"participants": bson.M{"$all": []string{userA, userB}, "$size": 2},
	}

	var chat Chat
	err := s.collection.FindOne(ctx, filter).Decode(&chat)
	if err == mongo.ErrNoDocuments {
		return nil, apperrors.NotFound("no private chat between these users")
	}
	if err != nil {
		return nil, apperrors.Internal("chat lookup failed", err)
	}

	return &chat, nil
}

// AddParticipant 添加參與者
func (s *ChatStore) AddParticipant(ctx context.Context, chatID, userID, updatedBy string) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"id": chatID, "is_active": true},
		bson.M{
			"$addToSet": bson.M{"participants": userID},
			"$set":      bson.M{"updated_by": updatedBy, "updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return apperrors.Internal("participant update failed", err)
	}

	if result.MatchedCount == 0 {
		return apperrors.NotFound("chat not found")
	}

	return nil
}

// RemoveParticipant 移除參與者
func (s *ChatStore) RemoveParticipant(ctx context.Context, chatID, userID, updatedBy string) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"id": chatID, "is_active": true},
		bson.M{
			"$pull": bson.M{"participants": userID},
			"$set":  bson.M{"updated_by": updatedBy, "updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return apperrors.Internal("participant update failed", err)
	}

	if result.MatchedCount == 0 {
		return apperrors.NotFound("chat not found")
	}

	return nil
}

// IsParticipant 檢查用戶是否是聊天參與者
func (s *ChatStore) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{
		"id":           chatID,
		"is_active":    true,
		"participants": userID,
	})
	if err != nil {
		return false, apperrors.Internal("chat lookup failed", err)
	}

	return count > 0, nil
}

// ListUserChats 列出用戶的聊天（游標分頁）
func (s *ChatStore) ListUserChats(
	ctx context.Context, userID string, limit int, cursor string,
) (
	chats []*Chat, nextCursor string, hasMore bool, err error,
) {
	filter := bson.M{
		"participants": userID,
		"is_active":    true,
	}

	opts := options.Find()
	opts.SetLimit(int64(limit + 1)) // 多取一個用於判斷是否有更多
	opts.SetSort(bson.D{{Key: "updated_at", Value: -1}})

	if cursor != "" {
		cursorTime, parseErr := time.Parse(time.RFC3339, cursor)
		if parseErr == nil {
			filter["updated_at"] = bson.M{"$lt": cursorTime}
		}
	}

	cursorResult, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", false, apperrors.Internal("chat lookup failed", err)
	}
	defer cursorResult.Close(ctx)

	chats = []*Chat{}
	for cursorResult.Next(ctx) {
		var chat Chat
		if decodeErr := cursorResult.Decode(&chat); decodeErr != nil {
			return nil, "", false, apperrors.Internal("chat decode failed", decodeErr)
		}
		chats = append(chats, &chat)
	}

	hasMore = len(chats) > limit
	if hasMore {
		chats = chats[:limit]
	}

	if hasMore && len(chats) > 0 {
		nextCursor = chats[len(chats)-1].UpdatedAt.Format(time.RFC3339)
	}

	return chats, nextCursor, hasMore, nil
}

// Deactivate 停用聊天（軟刪除）
func (s *ChatStore) Deactivate(ctx context.Context, chatID string) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"id": chatID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return apperrors.Internal("chat deactivation failed", err)
	}

	if result.MatchedCount == 0 {
		return apperrors.NotFound("chat not found")
	}

	return nil
}
