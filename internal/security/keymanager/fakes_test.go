package keymanager

import (
	"context"
	"fmt"
	"sync"

	"suggest-gateway/internal/apperrors"
	"suggest-gateway/internal/storage/database/chat"
	"suggest-gateway/internal/storage/database/keys"
)

// 內存版倉儲，行為對齊 Mongo 實作的錯誤語義

type fakeChatRepo struct {
	mu     sync.Mutex
	chats  map[string]*chat.Chat
	nextID int
}

func newFakeChatRepo() *fakeChatRepo {
	return &fakeChatRepo{chats: make(map[string]*chat.Chat)}
}

func (f *fakeChatRepo) Create(ctx context.Context, c *chat.Chat) error {
	if err := c.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ChatType == chat.TypePrivate {
		c.PairKey = chat.PrivatePairKey(c.Participants[0], c.Participants[1])
		for _, existing := range f.chats {
			if existing.IsActive && existing.PairKey == c.PairKey {
				return apperrors.Conflict("private chat between these users already exists")
			}
		}
	}
	f.nextID++
	c.ID = fmt.Sprintf("chat-%d", f.nextID)
	c.IsActive = true
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	f.chats[c.ID] = &cp
	return nil
}

func (f *fakeChatRepo) GetByID(ctx context.Context, id string) (*chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[id]
	if !ok || !c.IsActive {
		return nil, apperrors.NotFound("chat not found")
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp, nil
}

func (f *fakeChatRepo) FindPrivateBetween(ctx context.Context, userA, userB string) (*chat.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chats {
		if c.ChatType == chat.TypePrivate && c.IsActive && c.HasParticipant(userA) && c.HasParticipant(userB) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("no private chat between these users")
}

func (f *fakeChatRepo) AddParticipant(ctx context.Context, chatID, userID, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok || !c.IsActive {
		return apperrors.NotFound("chat not found")
	}
	if c.HasParticipant(userID) {
		return apperrors.Conflict("user is already a participant of this chat")
	}
	c.Participants = append(c.Participants, userID)
	c.UpdatedBy = updatedBy
	return nil
}

func (f *fakeChatRepo) RemoveParticipant(ctx context.Context, chatID, userID, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok || !c.IsActive {
		return apperrors.NotFound("chat not found")
	}
	for i, p := range c.Participants {
		if p == userID {
			c.Participants = append(c.Participants[:i], c.Participants[i+1:]...)
			c.UpdatedBy = updatedBy
			return nil
		}
	}
	return apperrors.NotFound("user is not a participant of this chat")
}

func (f *fakeChatRepo) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok || !c.IsActive {
		return false, apperrors.NotFound("chat not found")
	}
	return c.HasParticipant(userID), nil
}

func (f *fakeChatRepo) ListUserChats(ctx context.Context, userID string, limit int, cursor string) ([]*chat.Chat, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*chat.Chat
	for _, c := range f.chats {
		if c.IsActive && c.HasParticipant(userID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, "", false, nil
}

func (f *fakeChatRepo) Deactivate(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok {
		return apperrors.NotFound("chat not found")
	}
	c.IsActive = false
	return nil
}

type fakeChatKeyStore struct {
	mu      sync.Mutex
	records []*keys.ChatKeyRecord
	nextID  int

	// 注入點：非零時第 N 次 AddKeyForUser 失敗
	failAddAfter int
	addCalls     int

	// 注入點：RotateKeys 在插入新版本前失敗
	failRotateInsert bool

	// 注入點：非零時 CreateKeysForChat 的第 N 筆插入失敗，
	// 之前插入的記錄保留，模擬部分失敗
	failCreateAfter int
	createInserts   int
}

func newFakeChatKeyStore() *fakeChatKeyStore {
	return &fakeChatKeyStore{}
}

func (f *fakeChatKeyStore) hasActive(chatID, userID, sessionID string) bool {
	for _, r := range f.records {
		if r.ChatID == chatID && r.UserID == userID && r.SessionID == sessionID && r.IsActive {
			return true
		}
	}
	return false
}

func (f *fakeChatKeyStore) insert(r *keys.ChatKeyRecord) {
	f.nextID++
	cp := *r
	cp.ID = fmt.Sprintf("ck-%d", f.nextID)
	cp.IsActive = true
	f.records = append(f.records, &cp)
}

func (f *fakeChatKeyStore) CreateKeysForChat(ctx context.Context, chatID string, targets []keys.KeyTarget, wrappedKeys []string, keyVersion int, createdBy string) error {
	if len(targets) != len(wrappedKeys) {
		return apperrors.Validation("number of key targets and wrapped keys must match")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, target := range targets {
		if f.hasActive(chatID, target.UserID, target.SessionID) {
			return apperrors.Conflict("active key already exists for this chat participant")
		}
		f.createInserts++
		if f.failCreateAfter > 0 && f.createInserts >= f.failCreateAfter {
			return apperrors.Internal("chat key insert failed", nil)
		}
		f.insert(&keys.ChatKeyRecord{
			ChatID:     chatID,
			UserID:     target.UserID,
			SessionID:  target.SessionID,
			WrappedKey: wrappedKeys[i],
			KeyVersion: keyVersion,
			CreatedBy:  createdBy,
		})
	}
	return nil
}

func (f *fakeChatKeyStore) AddKeyForUser(ctx context.Context, record *keys.ChatKeyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.failAddAfter > 0 && f.addCalls >= f.failAddAfter {
		return apperrors.Internal("chat key insert failed", nil)
	}
	if f.hasActive(record.ChatID, record.UserID, record.SessionID) {
		return apperrors.Conflict("active key already exists for this chat participant")
	}
	f.insert(record)
	return nil
}

func (f *fakeChatKeyStore) FindByChatAndUser(ctx context.Context, chatID, userID, sessionID string) (*keys.ChatKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ChatID == chatID && r.UserID == userID && r.IsActive {
			if sessionID != "" && r.SessionID != sessionID {
				continue
			}
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("no active chat key for this user")
}

func (f *fakeChatKeyStore) FindByChatUserAndVersion(ctx context.Context, chatID, userID, sessionID string, keyVersion int) (*keys.ChatKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ChatID == chatID && r.UserID == userID && r.KeyVersion == keyVersion {
			if sessionID != "" && r.SessionID != sessionID {
				continue
			}
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("no chat key for this user at this version")
}

func (f *fakeChatKeyStore) Deactivate(ctx context.Context, chatID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := false
	for _, r := range f.records {
		if r.ChatID == chatID && r.UserID == userID && r.IsActive {
			r.IsActive = false
			matched = true
		}
	}
	if !matched {
		return apperrors.NotFound("no active chat key for this user")
	}
	return nil
}

func (f *fakeChatKeyStore) DeactivateAllForChat(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ChatID == chatID {
			r.IsActive = false
		}
	}
	return nil
}

func (f *fakeChatKeyStore) RotateKeys(ctx context.Context, chatID string, targets []keys.KeyTarget, wrappedKeys []string, newVersion int, rotatedBy string) error {
	if len(targets) != len(wrappedKeys) {
		return apperrors.Validation("number of key targets and wrapped keys must match")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// 停用時標記版本，插入失敗的補償按標記復原，前一版本保持完整
	for _, r := range f.records {
		if r.ChatID == chatID && r.IsActive && r.KeyVersion != newVersion {
			r.IsActive = false
			r.SupersededBy = newVersion
		}
	}
	if f.failRotateInsert {
		for _, r := range f.records {
			if r.ChatID == chatID && r.SupersededBy == newVersion {
				r.IsActive = true
				r.SupersededBy = 0
			}
		}
		return apperrors.Internal("chat key insert failed", nil)
	}
	for i, target := range targets {
		f.insert(&keys.ChatKeyRecord{
			ChatID:     chatID,
			UserID:     target.UserID,
			SessionID:  target.SessionID,
			WrappedKey: wrappedKeys[i],
			KeyVersion: newVersion,
			CreatedBy:  rotatedBy,
		})
	}
	return nil
}

func (f *fakeChatKeyStore) ActiveUsers(ctx context.Context, chatID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var users []string
	for _, r := range f.records {
		if r.ChatID == chatID && r.IsActive && !seen[r.UserID] {
			seen[r.UserID] = true
			users = append(users, r.UserID)
		}
	}
	return users, nil
}

func (f *fakeChatKeyStore) CurrentVersion(ctx context.Context, chatID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	version := 0
	for _, r := range f.records {
		if r.ChatID == chatID && r.KeyVersion > version {
			version = r.KeyVersion
		}
	}
	return version, nil
}

// activeRecords 測試斷言用：聊天當前的活躍記錄
func (f *fakeChatKeyStore) activeRecords(chatID string) []*keys.ChatKeyRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*keys.ChatKeyRecord
	for _, r := range f.records {
		if r.ChatID == chatID && r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

type fakeUserKeyStore struct {
	mu      sync.Mutex
	records []*keys.UserKeyRecord
	nextID  int
}

func newFakeUserKeyStore() *fakeUserKeyStore {
	return &fakeUserKeyStore{}
}

func (f *fakeUserKeyStore) RegisterKey(ctx context.Context, record *keys.UserKeyRecord) (*keys.UserKeyRecord, error) {
	if record.UserID == "" || record.SessionID == "" {
		return nil, apperrors.Validation("user id and session id are required")
	}
	if record.PublicKey == "" {
		return nil, apperrors.Validation("public key is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.UserID == record.UserID && r.SessionID == record.SessionID && r.IsActive {
			r.IsActive = false
		}
	}
	f.nextID++
	cp := *record
	cp.ID = fmt.Sprintf("uk-%d", f.nextID)
	cp.IsActive = true
	f.records = append(f.records, &cp)
	out := cp
	return &out, nil
}

func (f *fakeUserKeyStore) GetActiveKey(ctx context.Context, userID, sessionID string) (*keys.UserKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.UserID == userID && r.SessionID == sessionID && r.IsActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("no active key for this user and session")
}

func (f *fakeUserKeyStore) GetPublicKey(ctx context.Context, userID, sessionID string) (string, error) {
	record, err := f.GetActiveKey(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	return record.PublicKey, nil
}

// corruptPublicKey 測試注入：把用戶的活躍公鑰換成解析不了的值
func (f *fakeUserKeyStore) corruptPublicKey(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.UserID == userID && r.IsActive {
			r.PublicKey = "bm90IGEga2V5"
		}
	}
}

func (f *fakeUserKeyStore) GetAllActiveKeys(ctx context.Context, userID string) ([]*keys.UserKeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*keys.UserKeyRecord
	for _, r := range f.records {
		if r.UserID == userID && r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeUserKeyStore) DeactivateKey(ctx context.Context, userID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.UserID == userID && r.SessionID == sessionID && r.IsActive {
			r.IsActive = false
			return nil
		}
	}
	return apperrors.NotFound("no active key for this user and session")
}
