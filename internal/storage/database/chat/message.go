package chat

import (
	"context"
	"time"

	"suggest-gateway/internal/apperrors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessageRepository 訊息倉儲接口
type MessageRepository interface {
	Create(ctx context.Context, message *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	GetByChatID(ctx context.Context, chatID string, limit int, cursor string) ([]*Message, string, bool, error)
	MarkAsRead(ctx context.Context, chatID, userID string, messageID *string) error
	GetUnreadCount(ctx context.Context, userID string, chatID *string) (int, error)
}

// Message 訊息數據模型
// 只存密文與加密元數據（nonce、認證標籤），絕不存明文。
// KeyVersion 記錄加密當時的密鑰版本，輪換後歷史訊息
// 仍可按版本解密。
type Message struct {
	_ID        interface{}     `bson:"_id"`
	ID         string          `bson:"id" json:"id,omitempty"`
	ChatID     string          `bson:"chat_id" json:"chat_id"`
	SenderID   string          `bson:"sender_id" json:"sender_id"`
	Ciphertext string          `bson:"ciphertext" json:"ciphertext"`
	Nonce      string          `bson:"nonce" json:"nonce"`
	Tag        string          `bson:"tag" json:"tag"`
	KeyVersion int             `bson:"key_version" json:"key_version"`
	Status     string          `bson:"status" json:"status"`
	ReadBy     []MessageReadBy `bson:"read_by,omitempty" json:"read_by,omitempty"`
	CreatedAt  time.Time       `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `bson:"updated_at" json:"updated_at"`
}

// MessageReadBy 訊息已讀記錄
type MessageReadBy struct {
	UserID string    `bson:"user_id" json:"user_id"`
	ReadAt time.Time `bson:"read_at" json:"read_at"`
}

// MessageStore 訊息存儲實作
type MessageStore struct {
	collection *mongo.Collection
}

// NewMessageStore 創建新的訊息存儲
func NewMessageStore(db *mongo.Database) *MessageStore {
	return &MessageStore{
		collection: db.Collection("messages"),
	}
}

// Create 創建訊息
func (s *MessageStore) Create(ctx context.Context, message *Message) error {
	if message.Ciphertext == "" || message.Nonce == "" || message.Tag == "" {
		return apperrors.Validation("ciphertext, nonce and tag are required")
	}

	_id := bson.NewObjectID()
	now := time.Now().UTC()
	message._ID = _id
	message.ID = _id.Hex()
	message.Status = "sent"
	message.CreatedAt = now
	message.UpdatedAt = now

	if message.ReadBy == nil {
		message.ReadBy = []MessageReadBy{}
	}

	if _, err := s.collection.InsertOne(ctx, message); err != nil {
		return apperrors.Internal("message insert failed", err)
	}

	return nil
}

// GetByID 根據 ID 獲取訊息
func (s *MessageStore) GetByID(ctx context.Context, id string) (*Message, error) {
	var message Message
	err := s.collection.FindOne(ctx, bson.M{"id": id}).Decode(&message)
	if err == mongo.ErrNoDocuments {
		return nil, apperrors.NotFound("message not found")
	}
	if err != nil {
		return nil, apperrors.Internal("message lookup failed", err)
	}

	return &message, nil
}

// GetByChatID 根據聊天 ID 獲取訊息（游標分頁，新訊息在前）
func (s *MessageStore) GetByChatID(ctx context.Context, chatID string, limit int, cursor string) ([]*Message, string, bool, error) {
	filter := bson.M{"chat_id": chatID}

	if cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339, cursor)
		if err == nil {
			filter["created_at"] = bson.M{"$lt": cursorTime}
		}
	}

	opts := options.Find()
	opts.SetLimit(int64(limit + 1)) // 多取一個用於判斷是否有更多
	opts.SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursorResult, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", false, apperrors.Internal("message lookup failed", err)
	}
	defer cursorResult.Close(ctx)

	var messages []*Message
	for cursorResult.Next(ctx) {
		var message Message
		if decodeErr := cursorResult.Decode(&message); decodeErr != nil {
			return nil, "", false, apperrors.Internal("message decode failed", decodeErr)
		}
		messages = append(messages, &message)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	var nextCursor string
	if hasMore && len(messages) > 0 {
		nextCursor = messages[len(messages)-1].CreatedAt.Format(time.RFC3339)
	}

	return messages, nextCursor, hasMore, nil
}

// MarkAsRead 標記訊息為已讀
// 只更新 read_by 中不包含該用戶的訊息，$push 不會產生重複。
func (s *MessageStore) MarkAsRead(ctx context.Context, chatID, userID string, messageID *string) error {
	filter := bson.M{
		"chat_id":         chatID,
		"read_by.user_id": bson.M{"$ne": userID},
	}

	if messageID != nil {
		filter["id"] = *messageID
	}

	now := time.Now().UTC()
	update := bson.M{
		"$push": bson.M{"read_by": MessageReadBy{UserID: userID, ReadAt: now}},
		"$set":  bson.M{"updated_at": now},
	}

	if _, err := s.collection.UpdateMany(ctx, filter, update); err != nil {
		return apperrors.Internal("read receipt update failed", err)
	}

	return nil
}

// GetUnreadCount 獲取未讀訊息數量
func (s *MessageStore) GetUnreadCount(ctx context.Context, userID string, chatID *string) (int, error) {
	filter := bson.M{
		"read_by.user_id": bson.M{"$ne": userID},
		"sender_id":       bson.M{"$ne": userID},
	}

	if chatID != nil {
		filter["chat_id"] = *chatID
	}

	count, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, apperrors.Internal("message lookup failed", err)
	}

	return int(count), nil
}
