package keymanager

import "sync"

// chatLocks 按聊天 ID 的互斥鎖集合
// 同一聊天的密鑰變更操作（創建、成員增減、輪換）必須串行執行，
// 不同聊天之間互不阻塞。條目帶引用計數，解鎖後無人等待即回收。
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLockEntry
}

type chatLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{
		locks: make(map[string]*chatLockEntry),
	}
}

// Lock 鎖定指定聊天，回傳對應的解鎖函數
func (c *chatLocks) Lock(chatID string) func() {
	c.mu.Lock()
	entry, ok := c.locks[chatID]
	if !ok {
		entry = &chatLockEntry{}
		c.locks[chatID] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, chatID)
		}
		c.mu.Unlock()
	}
}
