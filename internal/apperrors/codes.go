package apperrors

// Code 領域錯誤代碼
type Code string

const (
	CodeValidation     Code = "VALIDATION"      // 參數格式錯誤（缺少密鑰材料、數量不匹配）
	CodeNotFound       Code = "NOT_FOUND"       // 找不到活躍的密鑰/記錄
	CodeConflict       Code = "CONFLICT"        // 重複的活躍記錄、重複的私聊
	CodeForbidden      Code = "FORBIDDEN"       // 沒有密鑰記錄 ⇒ 無權解密
	CodeKeyUnavailable Code = "KEY_UNAVAILABLE" // 參與者尚未註冊公鑰，無法加密
	CodeEncryption     Code = "ENCRYPTION"      // 加密庫錯誤
	CodeDecryption     Code = "DECRYPTION"      // 認證標籤驗證失敗或密鑰錯誤
	CodeTimeout        Code = "TIMEOUT"         // 外部包裝調用超時（可重試）
	CodeInternal       Code = "INTERNAL"        // 內部錯誤
)
