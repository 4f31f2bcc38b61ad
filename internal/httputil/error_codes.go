package httputil

import (
	"net/http"

	"suggest-gateway/internal/apperrors"
)

// 領域錯誤代碼到 HTTP 狀態碼的映射.
// KeyUnavailable 映射 422：請求格式正確，但參與者還沒有可用的
// 加密密鑰，調用方應提示用戶先註冊密鑰而不是重試。
var statusByCode = map[apperrors.Code]int{
	apperrors.CodeValidation:     http.StatusBadRequest,
	apperrors.CodeNotFound:       http.StatusNotFound,
	apperrors.CodeConflict:       http.StatusConflict,
	apperrors.CodeForbidden:      http.StatusForbidden,
	apperrors.CodeKeyUnavailable: http.StatusUnprocessableEntity,
	apperrors.CodeEncryption:     http.StatusInternalServerError,
	apperrors.CodeDecryption:     http.StatusInternalServerError,
	apperrors.CodeTimeout:        http.StatusGatewayTimeout,
	apperrors.CodeInternal:       http.StatusInternalServerError,
}

// StatusOf 取得領域錯誤代碼對應的 HTTP 狀態碼
func StatusOf(code apperrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
