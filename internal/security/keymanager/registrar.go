package keymanager

import (
	"context"

	"suggest-gateway/internal/platform/logger"
	"suggest-gateway/internal/security/keywrap"
	"suggest-gateway/internal/storage/database/keys"
)

// KeyRegistrar 用戶密鑰註冊服務
// 密鑰對由服務端生成託管：公鑰明文入庫，私鑰用主密鑰派生的
// 子密鑰封存後入庫。這不是端到端加密，信任邊界在服務進程。
type KeyRegistrar struct {
	userKeys keys.UserKeyRepository
	sealer   *keywrap.Sealer
}

// NewKeyRegistrar 創建密鑰註冊服務
func NewKeyRegistrar(userKeys keys.UserKeyRepository, sealer *keywrap.Sealer) *KeyRegistrar {
	return &KeyRegistrar{
		userKeys: userKeys,
		sealer:   sealer,
	}
}

// Register 為 (user, session) 生成並註冊新密鑰對
// 同會話已有活躍密鑰時舊記錄先被停用（存儲層保證）。
// 回傳的記錄不含私鑰材料。
func (r *KeyRegistrar) Register(ctx context.Context, userID, sessionID string) (*keys.UserKeyRecord, error) {
	pair, err := keywrap.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer zero(pair.PrivateKey)

	sealed, err := r.sealer.Seal(pair.PrivateKey)
	if err != nil {
		return nil, err
	}

	record := &keys.UserKeyRecord{
		UserID:           userID,
		SessionID:        sessionID,
		PublicKey:        pair.PublicKey,
		SealedPrivateKey: sealed,
	}

	saved, err := r.userKeys.RegisterKey(ctx, record)
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "用戶密鑰已註冊",
		logger.WithUserID(userID),
		logger.WithSessionID(sessionID),
		logger.WithAction("key_registered"),
	)

	return saved, nil
}

// Deactivate 停用 (user, session) 的活躍密鑰
// 沒有活躍密鑰時回傳 NotFound。
func (r *KeyRegistrar) Deactivate(ctx context.Context, userID, sessionID string) error {
	if err := r.userKeys.DeactivateKey(ctx, userID, sessionID); err != nil {
		return err
	}

	logger.Info(ctx, "用戶密鑰已停用",
		logger.WithUserID(userID),
		logger.WithSessionID(sessionID),
		logger.WithAction("key_deactivated"),
	)

	return nil
}

// ListKeys 列出用戶所有會話的活躍密鑰
func (r *KeyRegistrar) ListKeys(ctx context.Context, userID string) ([]*keys.UserKeyRecord, error) {
	return r.userKeys.GetAllActiveKeys(ctx, userID)
}
