package database

// ValidateLimit 驗證並限制查詢數量
func ValidateLimit(limit int) int {
	const maxLimit = 100
	const defaultLimit = 20

	if limit <= 0 {
		return defaultLimit
	}

	if limit > maxLimit {
		return maxLimit
	}

	return limit
}
