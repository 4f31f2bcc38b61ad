package keymanager

import (
	"context"

	"suggest-gateway/internal/apperrors"
	"suggest-gateway/internal/security/encryption"
	"suggest-gateway/internal/security/keywrap"
	"suggest-gateway/internal/storage/database/keys"
)

// MessageCodec 訊息加解密服務
// 解密路徑就是授權邊界：用戶沒有此聊天的活躍密鑰記錄即回傳
// Forbidden，不存在「有記錄但無權」的旁路。歷史訊息按其
// key_version 查對應版本的記錄解密，停用的舊版本記錄仍可讀。
type MessageCodec struct {
	chatKeys keys.ChatKeyRepository
	userKeys keys.UserKeyRepository
	wrapper  keywrap.Wrapper
	sealer   *keywrap.Sealer
}

// NewMessageCodec 創建訊息編解碼器
func NewMessageCodec(
	chatKeys keys.ChatKeyRepository,
	userKeys keys.UserKeyRepository,
	wrapper keywrap.Wrapper,
	sealer *keywrap.Sealer,
) *MessageCodec {
	return &MessageCodec{
		chatKeys: chatKeys,
		userKeys: userKeys,
		wrapper:  wrapper,
		sealer:   sealer,
	}
}

// Encrypt 用聊天當前的對稱密鑰加密明文
// 回傳密文信封與加密所用的密鑰版本，訊息記錄必須帶上版本
// 才能在輪換後正確解密。
func (m *MessageCodec) Encrypt(ctx context.Context, chatID, userID, sessionID, plaintext string) (*encryption.Envelope, int, error) {
	symKey, version, err := m.symmetricKey(ctx, chatID, userID, sessionID, 0)
	if err != nil {
		return nil, 0, err
	}
	defer zero(symKey)

	env, err := encryption.Encrypt(plaintext, symKey)
	if err != nil {
		return nil, 0, err
	}

	return env, version, nil
}

// Decrypt 按訊息的密鑰版本解密密文信封
// keyVersion 為 0 時使用用戶的當前活躍記錄。
func (m *MessageCodec) Decrypt(ctx context.Context, chatID, userID, sessionID string, env *encryption.Envelope, keyVersion int) (string, error) {
	symKey, _, err := m.symmetricKey(ctx, chatID, userID, sessionID, keyVersion)
	if err != nil {
		return "", err
	}
	defer zero(symKey)

	return encryption.Decrypt(env, symKey)
}

// GetSymmetricKeyForChat 解出用戶在此聊天的當前對稱密鑰
// 調用方用完必須清零。批次解密時按版本緩存優於逐條解包。
func (m *MessageCodec) GetSymmetricKeyForChat(ctx context.Context, chatID, userID, sessionID string) ([]byte, int, error) {
	return m.symmetricKey(ctx, chatID, userID, sessionID, 0)
}

// GetSymmetricKeyForEpoch 解出指定密鑰版本的對稱密鑰
func (m *MessageCodec) GetSymmetricKeyForEpoch(ctx context.Context, chatID, userID, sessionID string, keyVersion int) ([]byte, error) {
	symKey, _, err := m.symmetricKey(ctx, chatID, userID, sessionID, keyVersion)
	return symKey, err
}

// symmetricKey 解出用戶在此聊天可用的對稱密鑰
// 活躍記錄是授權依據：查歷史版本前也必須先持有活躍記錄。
func (m *MessageCodec) symmetricKey(ctx context.Context, chatID, userID, sessionID string, keyVersion int) ([]byte, int, error) {
	record, err := m.chatKeys.FindByChatAndUser(ctx, chatID, userID, sessionID)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil, 0, apperrors.Forbidden("no access to this chat's key")
		}
		return nil, 0, err
	}

	if keyVersion > 0 && keyVersion != record.KeyVersion {
		record, err = m.chatKeys.FindByChatUserAndVersion(ctx, chatID, userID, record.SessionID, keyVersion)
		if err != nil {
			return nil, 0, err
		}
	}

	userKey, err := m.userKeys.GetActiveKey(ctx, userID, record.SessionID)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil, 0, apperrors.KeyUnavailable("user " + userID + " has no registered encryption key")
		}
		return nil, 0, err
	}

	privateKey, err := m.sealer.Unseal(userKey.SealedPrivateKey)
	if err != nil {
		return nil, 0, err
	}
	defer zero(privateKey)

	symKey, err := m.wrapper.Unwrap(ctx, privateKey, record.WrappedKey)
	if err != nil {
		return nil, 0, err
	}

	return symKey, record.KeyVersion, nil
}
