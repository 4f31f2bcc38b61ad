package keys

import (
	"context"
	"time"

	"suggest-gateway/internal/apperrors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// UserKeyRepository 用戶密鑰倉儲接口
type UserKeyRepository interface {
	RegisterKey(ctx context.Context, record *UserKeyRecord) (*UserKeyRecord, error)
	GetActiveKey(ctx context.Context, userID, sessionID string) (*UserKeyRecord, error)
	GetPublicKey(ctx context.Context, userID, sessionID string) (string, error)
	GetAllActiveKeys(ctx context.Context, userID string) ([]*UserKeyRecord, error)
	DeactivateKey(ctx context.Context, userID, sessionID string) error
}

// UserKeyRecord 用戶密鑰數據模型
// 每個 (user, session) 至多一條活躍記錄。私鑰以封存形式存儲
// （主密鑰派生子密鑰的 AES-GCM 密文），絕不落明文。
// 記錄只停用、不刪除，保留審計軌跡。
type UserKeyRecord struct {
	_ID              interface{} `bson:"_id"`
	ID               string      `bson:"id" json:"id,omitempty"`
	UserID           string      `bson:"user_id" json:"user_id"`
	SessionID        string      `bson:"session_id" json:"session_id"`
	PublicKey        string      `bson:"public_key" json:"public_key"`
	SealedPrivateKey string      `bson:"sealed_private_key" json:"-"`
	IsActive         bool        `bson:"is_active" json:"is_active"`
	CreatedAt        time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `bson:"updated_at" json:"updated_at"`
}

// UserKeyStore 用戶密鑰存儲實作
type UserKeyStore struct {
	collection *mongo.Collection
}

// NewUserKeyStore 創建新的用戶密鑰存儲
func NewUserKeyStore(db *mongo.Database) *UserKeyStore {
	return &UserKeyStore{
		collection: db.Collection("user_keys"),
	}
}

// RegisterKey 註冊用戶密鑰
// 同 (user, session) 已有活躍記錄時先停用，再插入新的活躍記錄。
func (s *UserKeyStore) RegisterKey(ctx context.Context, record *UserKeyRecord) (*UserKeyRecord, error) {
	if record.UserID == "" || record.SessionID == "" {
		return nil, apperrors.Validation("user id and session id are required")
	}
	if record.PublicKey == "" {
		return nil, apperrors.Validation("public key is required")
	}

	// 停用舊記錄（沒有也無妨）
	now := time.Now().UTC()
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"user_id": record.UserID, "session_id": record.SessionID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": now}},
	)
	if err != nil {
		return nil, apperrors.Internal("user key deactivation failed", err)
	}

	_id := bson.NewObjectID()
	record._ID = _id
	record.ID = _id.Hex()
	record.IsActive = true
	record.CreatedAt = now
	record.UpdatedAt = now

	if _, err := s.collection.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperrors.Conflict("active key already exists for this user and session")
		}
		return nil, apperrors.Internal("user key insert failed", err)
	}

	return record, nil
}

// GetActiveKey 獲取 (user, session) 的活躍密鑰
// 不存在時回傳 NotFound，調用方必須把「還沒有密鑰」當作正常情況處理。
func (s *UserKeyStore) GetActiveKey(ctx context.Context, userID, sessionID string) (*UserKeyRecord, error) {
	filter := bson.M{
		"user_id":    userID,
		"session_id": sessionID,
		"is_active":  true,
	}

	var record UserKeyRecord
	err := s.collection.FindOne(ctx, filter).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, apperrors.NotFound("no active key for this user and session")
	}
	if err != nil {
		return nil, apperrors.Internal("user key lookup failed", err)
	}

	return &record, nil
}

// GetPublicKey 獲取 (user, session) 的活躍公鑰
// 「還沒有密鑰」以 NotFound 表達，不是異常路徑。
func (s *UserKeyStore) GetPublicKey(ctx context.Context, userID, sessionID string) (string, error) {
	record, err := s.GetActiveKey(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	return record.PublicKey, nil
}

// GetAllActiveKeys 獲取用戶所有會話的活躍密鑰
// 密鑰分發的扇出目標：同一用戶多設備時每個會話各收一份包裝副本。
func (s *UserKeyStore) GetAllActiveKeys(ctx context.Context, userID string) ([]*UserKeyRecord, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"user_id": userID, "is_active": true})
	if err != nil {
		return nil, apperrors.Internal("user key lookup failed", err)
	}
	defer cursor.Close(ctx)

	var records []*UserKeyRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, apperrors.Internal("user key decode failed", err)
	}

	return records, nil
}

// DeactivateKey 停用 (user, session) 的活躍密鑰
// 沒有活躍記錄時回傳 NotFound：重複停用不是冪等成功。
func (s *UserKeyStore) DeactivateKey(ctx context.Context, userID, sessionID string) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID, "session_id": sessionID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return apperrors.Internal("user key deactivation failed", err)
	}

	if result.MatchedCount == 0 {
		return apperrors.NotFound("no active key for this user and session")
	}

	return nil
}
