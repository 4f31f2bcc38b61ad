package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 10 << 20 // 10MB
	DefaultMaxMultipartMemory = 10 << 20 // 10MB
	DefaultRequestTimeout     = 30       // 秒
)

// 分頁相關常數
const (
	DefaultPageSize        = 20
	DefaultMaxPageSize     = 100
	DefaultHistoryPageSize = 50
	MinPageSize            = 1
)

// 聊天相關常數
const (
	DefaultMaxChatMembers    = 1000
	DefaultMaxChatNameLength = 100
	MinChatNameLength        = 1
	MinGroupParticipants     = 2
	PrivateChatParticipants  = 2
)

// 訊息相關常數
const (
	DefaultMaxMessageLength = 10000
)

// Rate Limiting 默認值
const (
	DefaultRateLimitPerMinute   = 100
	DefaultMessageRateLimit     = 30
	DefaultChatCreateRateLimit  = 10
	DefaultRotationRateLimit    = 5
	RateLimitCleanupIntervalMin = 10 // 分鐘
)

// 密鑰管理相關常數
const (
	DefaultWrapTimeoutSeconds = 5
	DefaultKeyMaxAgeDays      = 30
)

// MongoDB 查詢相關常數
const (
	DefaultMongoQueryLimit = 20
	MaxMongoQueryLimit     = 100
	MaxMongoHistoryLimit   = 50
	DefaultUserChatsLimit  = 100
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength = 100
)

// 加密相關常數
const (
	MasterKeyLength = 32 // 256 bits
)
