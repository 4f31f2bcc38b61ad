package keys

import (
	"context"
	"time"

	"suggest-gateway/internal/apperrors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ChatKeyRepository 聊天密鑰倉儲接口
type ChatKeyRepository interface {
	CreateKeysForChat(ctx context.Context, chatID string, targets []KeyTarget, wrappedKeys []string, keyVersion int, createdBy string) error
	AddKeyForUser(ctx context.Context, record *ChatKeyRecord) error
	FindByChatAndUser(ctx context.Context, chatID, userID, sessionID string) (*ChatKeyRecord, error)
	FindByChatUserAndVersion(ctx context.Context, chatID, userID, sessionID string, keyVersion int) (*ChatKeyRecord, error)
	Deactivate(ctx context.Context, chatID, userID string) error
	DeactivateAllForChat(ctx context.Context, chatID string) error
	RotateKeys(ctx context.Context, chatID string, targets []KeyTarget, wrappedKeys []string, newVersion int, rotatedBy string) error
	ActiveUsers(ctx context.Context, chatID string) ([]string, error)
	CurrentVersion(ctx context.Context, chatID string) (int, error)
}

// KeyTarget 一個包裝目標：參與者的某個活躍會話
type KeyTarget struct {
	UserID    string
	SessionID string
}

// ChatKeyRecord 聊天密鑰數據模型
// 每條記錄是聊天對稱密鑰用一個參與者會話的公鑰包裝後的密文。
// 包裝綁定的是創建當下的公鑰值：用戶之後輪換自己的密鑰
// 不會回溯重包舊的聊天密鑰。
// 活躍記錄在 (chat, user, session) 上唯一；狀態機 Active → Inactive，
// 不可復活，輪換永遠創建新版本的新記錄。唯一的例外是失敗輪換的
// 補償：它復原本次輪換剛停用的記錄，等同輪換未發生。
type ChatKeyRecord struct {
	_ID        interface{} `bson:"_id"`
	ID         string      `bson:"id" json:"id,omitempty"`
	ChatID     string      `bson:"chat_id" json:"chat_id"`
	UserID     string      `bson:"user_id" json:"user_id"`
	SessionID  string      `bson:"session_id" json:"session_id"`
	WrappedKey string      `bson:"wrapped_key" json:"wrapped_key"`
	KeyVersion int         `bson:"key_version" json:"key_version"`
	IsActive   bool        `bson:"is_active" json:"is_active"`
	// SupersededBy 標記停用此記錄的輪換版本。
	// 降級（非事務）輪換失敗時，補償依它精確復原本次停用的記錄。
	SupersededBy int `bson:"superseded_by,omitempty" json:"-"`
	CreatedBy  string      `bson:"created_by" json:"created_by"`
	CreatedAt  time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time   `bson:"updated_at" json:"updated_at"`
}

// ChatKeyStore 聊天密鑰存儲實作
type ChatKeyStore struct {
	collection *mongo.Collection
}

// NewChatKeyStore 創建新的聊天密鑰存儲
func NewChatKeyStore(db *mongo.Database) *ChatKeyStore {
	return &ChatKeyStore{
		collection: db.Collection("chat_keys"),
	}
}

// CreateKeysForChat 為聊天批量插入包裝密鑰
// targets 與 wrappedKeys 必須等長。非原子多文檔操作：
// 逐筆插入，遇到第一個衝突即中止並回傳 Conflict，
// 不繼續插入剩餘記錄。調用方（KeyDistributor）負責確保
// 沒有既存的活躍記錄。
func (s *ChatKeyStore) CreateKeysForChat(ctx context.Context, chatID string, targets []KeyTarget, wrappedKeys []string, keyVersion int, createdBy string) error {
	if len(targets) != len(wrappedKeys) {
		return apperrors.Validation("number of key targets and wrapped keys must match")
	}
	if chatID == "" {
		return apperrors.Validation("chat id is required")
	}

	now := time.Now().UTC()
	for i, target := range targets {
		// 先查活躍記錄，唯一索引兜底
		count, err := s.collection.CountDocuments(ctx, bson.M{
			"chat_id":    chatID,
			"user_id":    target.UserID,
			"session_id": target.SessionID,
			"is_active":  true,
		})
		if err != nil {
			return apperrors.Internal("chat key lookup failed", err)
		}
		if count > 0 {
			return apperrors.Conflict("active key already exists for this chat participant")
		}

		_id := bson.NewObjectID()
		record := ChatKeyRecord{
			_ID:        _id,
			ID:         _id.Hex(),
			ChatID:     chatID,
			UserID:     target.UserID,
			SessionID:  target.SessionID,
			WrappedKey: wrappedKeys[i],
			KeyVersion: keyVersion,
			IsActive:   true,
			CreatedBy:  createdBy,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if _, err := s.collection.InsertOne(ctx, &record); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return apperrors.Conflict("active key already exists for this chat participant")
			}
			return apperrors.Internal("chat key insert failed", err)
		}
	}

	return nil
}

// AddKeyForUser 為單個參與者會話添加包裝密鑰
// 已有活躍記錄時回傳 Conflict。
func (s *ChatKeyStore) AddKeyForUser(ctx context.Context, record *ChatKeyRecord) error {
	count, err := s.collection.CountDocuments(ctx, bson.M{
		"chat_id":    record.ChatID,
		"user_id":    record.UserID,
		"session_id": record.SessionID,
		"is_active":  true,
	})
	if err != nil {
		return apperrors.Internal("chat key lookup failed", err)
	}
	if count > 0 {
		return apperrors.Conflict("active key already exists for this chat participant")
	}

	_id := bson.NewObjectID()
	now := time.Now().UTC()
	record._ID = _id
	record.ID = _id.Hex()
	record.IsActive = true
	record.CreatedAt = now
	record.UpdatedAt = now

	if _, err := s.collection.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperrors.Conflict("active key already exists for this chat participant")
		}
		return apperrors.Internal("chat key insert failed", err)
	}

	return nil
}

// FindByChatAndUser 獲取參與者的活躍密鑰記錄
// sessionID 為空時回傳該用戶任一會話的活躍記錄。
// 沒有活躍記錄即無權讀取此聊天（授權邊界在 MessageCodec 判定）。
func (s *ChatKeyStore) FindByChatAndUser(ctx context.Context, chatID, userID, sessionID string) (*ChatKeyRecord, error) {
	filter := bson.M{
		"chat_id":   chatID,
		"user_id":   userID,
		"is_active": true,
	}
	if sessionID != "" {
		filter["session_id"] = sessionID
	}

	var record ChatKeyRecord
	err := s.collection.FindOne(ctx, filter).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, apperrors.NotFound("no active chat key for this user")
	}
	if err != nil {
		return nil, apperrors.Internal("chat key lookup failed", err)
	}

	return &record, nil
}

// FindByChatUserAndVersion 按密鑰版本獲取記錄（含已停用的歷史記錄）
// 歷史訊息按加密當時的版本解密；停用的記錄永不物理刪除。
func (s *ChatKeyStore) FindByChatUserAndVersion(ctx context.Context, chatID, userID, sessionID string, keyVersion int) (*ChatKeyRecord, error) {
	filter := bson.M{
		"chat_id":     chatID,
		"user_id":     userID,
		"key_version": keyVersion,
	}
	if sessionID != "" {
		filter["session_id"] = sessionID
	}

	var record ChatKeyRecord
	err := s.collection.FindOne(ctx, filter).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, apperrors.NotFound("no chat key for this user at this version")
	}
	if err != nil {
		return nil, apperrors.Internal("chat key lookup failed", err)
	}

	return &record, nil
}

// Deactivate 停用參與者在此聊天的所有活躍記錄（跨會話）
// 參與者被移出聊天時使用。
func (s *ChatKeyStore) Deactivate(ctx context.Context, chatID, userID string) error {
	result, err := s.collection.UpdateMany(ctx,
		bson.M{"chat_id": chatID, "user_id": userID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return apperrors.Internal("chat key deactivation failed", err)
	}

	if result.MatchedCount == 0 {
		return apperrors.NotFound("no active chat key for this user")
	}

	return nil
}

// DeactivateAllForChat 停用聊天的全部活躍記錄
// 創建補償使用：密鑰沒發齊的聊天停用時，已插入的部分記錄一併清掉。
func (s *ChatKeyStore) DeactivateAllForChat(ctx context.Context, chatID string) error {
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"chat_id": chatID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return apperrors.Internal("chat key deactivation failed", err)
	}
	return nil
}

// RotateKeys 以新版本替換聊天的整組活躍密鑰（優先使用事務，失敗則降級）
// 舊版本整組停用後插入新版本記錄。事務可用時（MongoDB 副本集）
// 兩步整體原子；降級路徑下插入失敗時停用已插入的新版本記錄，
// 並復原本次輪換停用的舊記錄（按 superseded_by 標記精確匹配），
// 輪換失敗後前一版本保持完整可用，不留半套可見的結果。
func (s *ChatKeyStore) RotateKeys(ctx context.Context, chatID string, targets []KeyTarget, wrappedKeys []string, newVersion int, rotatedBy string) error {
	if len(targets) != len(wrappedKeys) {
		return apperrors.Validation("number of key targets and wrapped keys must match")
	}

	// 嘗試使用事務（需要 MongoDB 副本集）
	session, err := s.collection.Database().Client().StartSession()
	if err == nil {
		defer session.EndSession(ctx)

		_, err = session.WithTransaction(ctx, func(sc context.Context) (interface{}, error) {
			return nil, s.rotateKeysWithContext(sc, chatID, targets, wrappedKeys, newVersion, rotatedBy)
		})
		if err == nil {
			return nil
		}

		// 事務失敗，降級為非事務版本（開發環境單節點 MongoDB）
	}

	if err := s.rotateKeysWithContext(ctx, chatID, targets, wrappedKeys, newVersion, rotatedBy); err != nil {
		// 補償：停用已插入的新版本記錄，復原本次輪換停用的舊記錄
		now := time.Now().UTC()
		_, _ = s.collection.UpdateMany(ctx,
			bson.M{"chat_id": chatID, "key_version": newVersion, "is_active": true},
			bson.M{"$set": bson.M{"is_active": false, "updated_at": now}},
		)
		_, _ = s.collection.UpdateMany(ctx,
			bson.M{"chat_id": chatID, "superseded_by": newVersion},
			bson.M{
				"$set":   bson.M{"is_active": true, "updated_at": now},
				"$unset": bson.M{"superseded_by": ""},
			},
		)
		return err
	}

	return nil
}

// rotateKeysWithContext 執行實際的輪換操作（可在事務或非事務上下文中使用）
func (s *ChatKeyStore) rotateKeysWithContext(ctx context.Context, chatID string, targets []KeyTarget, wrappedKeys []string, newVersion int, rotatedBy string) error {
	now := time.Now().UTC()

	_, err := s.collection.UpdateMany(ctx,
		bson.M{"chat_id": chatID, "is_active": true, "key_version": bson.M{"$ne": newVersion}},
		bson.M{"$set": bson.M{"is_active": false, "superseded_by": newVersion, "updated_at": now}},
	)
	if err != nil {
		return apperrors.Internal("chat key deactivation failed", err)
	}

	docs := make([]interface{}, 0, len(targets))
	for i, target := range targets {
		_id := bson.NewObjectID()
		docs = append(docs, &ChatKeyRecord{
			_ID:        _id,
			ID:         _id.Hex(),
			ChatID:     chatID,
			UserID:     target.UserID,
			SessionID:  target.SessionID,
			WrappedKey: wrappedKeys[i],
			KeyVersion: newVersion,
			IsActive:   true,
			CreatedBy:  rotatedBy,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperrors.Conflict("key version already exists for this chat")
		}
		return apperrors.Internal("chat key insert failed", err)
	}

	return nil
}

// ActiveUsers 列出持有活躍密鑰記錄的用戶
// 不變量檢查用：成功的分發/輪換後應與當前參與者集合一致。
func (s *ChatKeyStore) ActiveUsers(ctx context.Context, chatID string) ([]string, error) {
	result := s.collection.Distinct(ctx, "user_id", bson.M{"chat_id": chatID, "is_active": true})
	if err := result.Err(); err != nil {
		return nil, apperrors.Internal("chat key lookup failed", err)
	}

	var users []string
	if err := result.Decode(&users); err != nil {
		return nil, apperrors.Internal("chat key decode failed", err)
	}

	return users, nil
}

// CurrentVersion 獲取聊天當前的密鑰版本
// 沒有任何記錄時回傳 0。
func (s *ChatKeyStore) CurrentVersion(ctx context.Context, chatID string) (int, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "key_version", Value: -1}})

	var record ChatKeyRecord
	err := s.collection.FindOne(ctx, bson.M{"chat_id": chatID}, opts).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Internal("chat key lookup failed", err)
	}

	return record.KeyVersion, nil
}
