package message

import (
	"strings"
	"unicode/utf8"

	"suggest-gateway/internal/apperrors"
)

// ValidateSendMessageRequest 驗證發送訊息請求.
func ValidateSendMessageRequest(req *SendMessageRequest) error {
	if strings.TrimSpace(req.ChatID) == "" {
		return apperrors.Validation("chat_id cannot be empty")
	}

	if strings.TrimSpace(req.SenderID) == "" {
		return apperrors.Validation("sender_id cannot be empty")
	}

	if strings.TrimSpace(req.SessionID) == "" {
		return apperrors.Validation("session_id cannot be empty")
	}

	if strings.TrimSpace(req.Content) == "" {
		return apperrors.Validation("content cannot be empty")
	}

	if len(req.Content) > maxContentLength {
		return apperrors.Validation("content exceeds maximum length")
	}

	if !utf8.ValidString(req.Content) {
		return apperrors.Validation("content must be valid UTF-8")
	}

	return nil
}
