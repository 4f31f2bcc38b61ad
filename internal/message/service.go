package message

import (
	"context"

	"suggest-gateway/internal/apperrors"
	"suggest-gateway/internal/platform/logger"
	"suggest-gateway/internal/security/encryption"
	"suggest-gateway/internal/security/keymanager"
	"suggest-gateway/internal/storage/database/chat"
)

// Service 訊息服務
// 發送時用聊天當前密鑰加密，只持久化密文；讀取時按每條訊息
// 記錄的密鑰版本解密。單條解密失敗不中斷整批讀取，該條以
// 佔位文本回傳並記錄警告。
type Service struct {
	chats    chat.ChatRepository
	messages chat.MessageRepository
	codec    *keymanager.MessageCodec
}

// NewService 創建訊息服務
func NewService(chats chat.ChatRepository, messages chat.MessageRepository, codec *keymanager.MessageCodec) *Service {
	return &Service{
		chats:    chats,
		messages: messages,
		codec:    codec,
	}
}

// SendMessage 加密並持久化訊息
// 發送者必須是聊天參與者且持有活躍密鑰記錄。
func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*chat.Message, error) {
	if err := ValidateSendMessageRequest(req); err != nil {
		return nil, err
	}

	c, err := s.chats.GetByID(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(req.SenderID) {
		return nil, apperrors.Forbidden("sender is not a participant of this chat")
	}

	env, version, err := s.codec.Encrypt(ctx, req.ChatID, req.SenderID, req.SessionID, req.Content)
	if err != nil {
		return nil, err
	}

	msg := &chat.Message{
		ChatID:     req.ChatID,
		SenderID:   req.SenderID,
		Ciphertext: env.Ciphertext,
		Nonce:      env.Nonce,
		Tag:        env.Tag,
		KeyVersion: version,
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}

	logger.Info(ctx, "訊息發送成功",
		logger.WithChatID(req.ChatID),
		logger.WithUserID(req.SenderID),
		logger.WithMessageID(msg.ID),
		logger.WithKeyVersion(version),
		logger.WithAction("message_sent"),
	)

	return msg, nil
}

// GetMessages 分頁讀取並解密聊天訊息
// 對稱密鑰按版本在批次內緩存，避免逐條 RSA 解包。
func (s *Service) GetMessages(ctx context.Context, chatID, userID, sessionID string, limit int, cursor string) ([]*MessageView, string, bool, error) {
	isMember, err := s.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, "", false, err
	}
	if !isMember {
		return nil, "", false, apperrors.Forbidden("user is not a participant of this chat")
	}

	msgs, nextCursor, hasMore, err := s.messages.GetByChatID(ctx, chatID, limit, cursor)
	if err != nil {
		return nil, "", false, err
	}

	keyCache := make(map[int][]byte)
	defer func() {
		for _, k := range keyCache {
			for i := range k {
				k[i] = 0
			}
		}
	}()

	views := make([]*MessageView, 0, len(msgs))
	for _, msg := range msgs {
		views = append(views, s.decryptToView(ctx, msg, userID, sessionID, keyCache))
	}

	return views, nextCursor, hasMore, nil
}

// decryptToView 解密單條訊息
// 失敗時回傳佔位文本，絕不讓一條壞訊息拖垮整批。
func (s *Service) decryptToView(ctx context.Context, msg *chat.Message, userID, sessionID string, keyCache map[int][]byte) *MessageView {
	view := &MessageView{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		KeyVersion: msg.KeyVersion,
		Status:     msg.Status,
		ReadBy:     msg.ReadBy,
		CreatedAt:  msg.CreatedAt,
	}

	symKey, ok := keyCache[msg.KeyVersion]
	if !ok {
		var err error
		symKey, err = s.codec.GetSymmetricKeyForEpoch(ctx, msg.ChatID, userID, sessionID, msg.KeyVersion)
		if err != nil {
			logger.Warning(ctx, "消息解密失敗",
				logger.WithChatID(msg.ChatID),
				logger.WithMessageID(msg.ID),
				logger.WithKeyVersion(msg.KeyVersion),
			)
			view.Content = decryptFailedText
			return view
		}
		keyCache[msg.KeyVersion] = symKey
	}

	plaintext, err := encryption.Decrypt(&encryption.Envelope{
		Ciphertext: msg.Ciphertext,
		Nonce:      msg.Nonce,
		Tag:        msg.Tag,
	}, symKey)
	if err != nil {
		logger.Warning(ctx, "消息解密失敗",
			logger.WithChatID(msg.ChatID),
			logger.WithMessageID(msg.ID),
			logger.WithKeyVersion(msg.KeyVersion),
		)
		view.Content = decryptFailedText
		return view
	}

	view.Content = plaintext
	return view
}

// MarkAsRead 標記訊息已讀
// messageID 為空時標記整個聊天的未讀訊息；指定時該訊息必須
// 存在且屬於此聊天。
func (s *Service) MarkAsRead(ctx context.Context, chatID string, req *MarkReadRequest) error {
	isMember, err := s.chats.IsParticipant(ctx, chatID, req.UserID)
	if err != nil {
		return err
	}
	if !isMember {
		return apperrors.Forbidden("user is not a participant of this chat")
	}

	if req.MessageID != nil {
		msg, err := s.messages.GetByID(ctx, *req.MessageID)
		if err != nil {
			return err
		}
		if msg.ChatID != chatID {
			return apperrors.NotFound("message not found in this chat")
		}
	}

	return s.messages.MarkAsRead(ctx, chatID, req.UserID, req.MessageID)
}

// GetUnreadCount 獲取未讀數
func (s *Service) GetUnreadCount(ctx context.Context, userID string, chatID *string) (int, error) {
	return s.messages.GetUnreadCount(ctx, userID, chatID)
}
