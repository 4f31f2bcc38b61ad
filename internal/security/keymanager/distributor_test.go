package keymanager

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"suggest-gateway/internal/apperrors"
	"suggest-gateway/internal/security/keywrap"
)

type testEnv struct {
	chats     *fakeChatRepo
	chatKeys  *fakeChatKeyStore
	userKeys  *fakeUserKeyStore
	registrar *KeyRegistrar
	dist      *KeyDistributor
	codec     *MessageCodec
}

func newTestEnv(t *testing.T, notifier Notifier) *testEnv {
	t.Helper()

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatal(err)
	}
	sealer, err := keywrap.NewSealer(masterKey)
	if err != nil {
		t.Fatal(err)
	}

	chats := newFakeChatRepo()
	chatKeys := newFakeChatKeyStore()
	userKeys := newFakeUserKeyStore()
	wrapper := keywrap.NewLocalWrapper()

	return &testEnv{
		chats:     chats,
		chatKeys:  chatKeys,
		userKeys:  userKeys,
		registrar: NewKeyRegistrar(userKeys, sealer),
		dist:      NewKeyDistributor(chats, chatKeys, userKeys, wrapper, sealer, notifier, 5*time.Second),
		codec:     NewMessageCodec(chatKeys, userKeys, wrapper, sealer),
	}
}

// registerUsers 為每個用戶註冊一個 session-1 的密鑰
func (e *testEnv) registerUsers(t *testing.T, userIDs ...string) {
	t.Helper()
	for _, userID := range userIDs {
		if _, err := e.registrar.Register(context.Background(), userID, "session-1"); err != nil {
			t.Fatalf("Register(%s) failed: %v", userID, err)
		}
	}
}

// assertCoverage 校驗活躍密鑰覆蓋正好等於參與者集合
func (e *testEnv) assertCoverage(t *testing.T, chatID string, want []string) {
	t.Helper()
	covered, err := e.chatKeys.ActiveUsers(context.Background(), chatID)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(covered)
	wantSorted := append([]string(nil), want...)
	sort.Strings(wantSorted)
	if len(covered) != len(wantSorted) {
		t.Fatalf("Key coverage mismatch.\nWant: %v\nGot: %v", wantSorted, covered)
	}
	for i := range covered {
		if covered[i] != wantSorted[i] {
			t.Fatalf("Key coverage mismatch.\nWant: %v\nGot: %v", wantSorted, covered)
		}
	}
}

func TestCreatePrivateChat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatalf("CreatePrivateChat failed: %v", err)
	}
	if c.ID == "" {
		t.Fatal("Chat ID must be set")
	}

	records := env.chatKeys.activeRecords(c.ID)
	if len(records) != 2 {
		t.Fatalf("Expected 2 key records, got %d", len(records))
	}
	for _, r := range records {
		if r.KeyVersion != 1 {
			t.Errorf("Expected key version 1, got %d", r.KeyVersion)
		}
	}
	env.assertCoverage(t, c.ID, []string{"alice", "bob"})
}

func TestCreatePrivateChat_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice")
	ctx := context.Background()

	testCases := []struct {
		name         string
		userA, userB string
		wantCode     apperrors.Code
	}{
		{"Self chat", "alice", "alice", apperrors.CodeValidation},
		{"Empty user", "alice", "", apperrors.CodeValidation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.dist.CreatePrivateChat(ctx, tc.userA, tc.userB, tc.userA)
			if !apperrors.Is(err, tc.wantCode) {
				t.Errorf("Expected %s, got %v", tc.wantCode, err)
			}
		})
	}
}

func TestCreatePrivateChat_Duplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	if _, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice"); err != nil {
		t.Fatal(err)
	}

	// 參與者順序相反也算同一對用戶
	_, err := env.dist.CreatePrivateChat(ctx, "bob", "alice", "bob")
	if !apperrors.Is(err, apperrors.CodeConflict) {
		t.Errorf("Expected conflict for duplicate private chat, got %v", err)
	}
}

func TestCreatePrivateChat_ConcurrentDuplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	// 存儲層的 pair key 唯一約束裁決併發創建，恰好一個成功
	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
		} else if !apperrors.Is(err, apperrors.CodeConflict) {
			t.Errorf("Expected conflict for losing creator, got %v", err)
		}
	}
	if created != 1 {
		t.Errorf("Expected exactly 1 successful creation, got %d", created)
	}
}

func TestCreatePrivateChat_KeyUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice")
	ctx := context.Background()

	// bob 沒有註冊密鑰，聊天不可創建
	_, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if !apperrors.Is(err, apperrors.CodeKeyUnavailable) {
		t.Fatalf("Expected key unavailable, got %v", err)
	}

	// 不能留下沒有密鑰的聊天
	if _, err := env.chats.FindPrivateBetween(ctx, "alice", "bob"); !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Errorf("No chat should exist after failed key distribution, got %v", err)
	}
}

func TestCreateGroupChat_KeyInsertCompensation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob", "carol")
	ctx := context.Background()

	// 第三筆密鑰插入失敗，聊天停用且已插入的記錄一併清掉
	env.chatKeys.failCreateAfter = 3

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob", "carol"}, "team", "alice")
	if err == nil {
		t.Fatalf("Expected error from failed key insert, got chat %v", c)
	}

	for id := range env.chats.chats {
		if _, gerr := env.chats.GetByID(ctx, id); !apperrors.Is(gerr, apperrors.CodeNotFound) {
			t.Errorf("Chat %s must be deactivated after failed key distribution, got %v", id, gerr)
		}
		if active := env.chatKeys.activeRecords(id); len(active) != 0 {
			t.Errorf("Expected no active key records after compensation, got %d", len(active))
		}
	}
}

func TestCreatePrivateChat_UnusablePublicKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	// bob 存儲的公鑰損壞，無法為他包裝密鑰
	env.userKeys.corruptPublicKey("bob")

	_, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if !apperrors.Is(err, apperrors.CodeKeyUnavailable) {
		t.Fatalf("Expected key unavailable for unusable public key, got %v", err)
	}
}

func TestCreateGroupChat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob", "carol")
	ctx := context.Background()

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob", "carol"}, "team", "alice")
	if err != nil {
		t.Fatalf("CreateGroupChat failed: %v", err)
	}
	env.assertCoverage(t, c.ID, []string{"alice", "bob", "carol"})
}

func TestCreateGroupChat_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	testCases := []struct {
		name         string
		participants []string
		groupName    string
	}{
		{"Too few participants", []string{"alice"}, "team"},
		{"Duplicates collapse below minimum", []string{"alice", "alice"}, "team"},
		{"Missing group name", []string{"alice", "bob"}, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.dist.CreateGroupChat(ctx, tc.participants, tc.groupName, "alice")
			if !apperrors.Is(err, apperrors.CodeValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateChat_MultiSessionFanOut(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	// alice 的第二台設備
	if _, err := env.registrar.Register(ctx, "alice", "session-2"); err != nil {
		t.Fatal(err)
	}

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	records := env.chatKeys.activeRecords(c.ID)
	if len(records) != 3 {
		t.Fatalf("Expected 3 key records (2 alice sessions + 1 bob), got %d", len(records))
	}
}

func TestAddParticipant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob", "carol")
	ctx := context.Background()

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob"}, "team", "alice")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.dist.AddParticipant(ctx, c.ID, "carol", "alice"); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}

	env.assertCoverage(t, c.ID, []string{"alice", "bob", "carol"})

	// 新成員拿到的是當前版本，不觸發輪換
	record, err := env.chatKeys.FindByChatAndUser(ctx, c.ID, "carol", "")
	if err != nil {
		t.Fatal(err)
	}
	if record.KeyVersion != 1 {
		t.Errorf("Expected carol to receive version 1, got %d", record.KeyVersion)
	}

	// carol 能解出與 alice 相同的對稱密鑰
	aliceKey, _, err := env.codec.GetSymmetricKeyForChat(ctx, c.ID, "alice", "session-1")
	if err != nil {
		t.Fatal(err)
	}
	carolKey, _, err := env.codec.GetSymmetricKeyForChat(ctx, c.ID, "carol", "session-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(aliceKey) != string(carolKey) {
		t.Error("New participant must share the chat's symmetric key")
	}
}

func TestAddParticipant_PrivateChat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob", "carol")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	err = env.dist.AddParticipant(ctx, c.ID, "carol", "alice")
	if !apperrors.Is(err, apperrors.CodeValidation) {
		t.Errorf("Expected validation error for private chat, got %v", err)
	}
}

func TestAddParticipant_AlreadyMember(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob"}, "team", "alice")
	if err != nil {
		t.Fatal(err)
	}

	err = env.dist.AddParticipant(ctx, c.ID, "bob", "alice")
	if !apperrors.Is(err, apperrors.CodeConflict) {
		t.Errorf("Expected conflict for existing member, got %v", err)
	}
}

func TestAddParticipant_NoKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob"}, "team", "alice")
	if err != nil {
		t.Fatal(err)
	}

	err = env.dist.AddParticipant(ctx, c.ID, "dave", "alice")
	if !apperrors.Is(err, apperrors.CodeKeyUnavailable) {
		t.Errorf("Expected key unavailable for unkeyed user, got %v", err)
	}

	// dave 不能成為參與者
	updated, err := env.chats.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.HasParticipant("dave") {
		t.Error("User without keys must not join the chat")
	}
}

func TestAddParticipant_KeyInsertCompensation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob", "carol")
	ctx := context.Background()

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob"}, "team", "alice")
	if err != nil {
		t.Fatal(err)
	}

	// 下一次密鑰插入失敗，成員資格必須回滾
	env.chatKeys.failAddAfter = env.chatKeys.addCalls + 1

	if err := env.dist.AddParticipant(ctx, c.ID, "carol", "alice"); err == nil {
		t.Fatal("Expected error from failed key insert")
	}

	updated, err := env.chats.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.HasParticipant("carol") {
		t.Error("Participant without a key record must be rolled back")
	}
}

func TestAddParticipant_MultiSessionCompensation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob", "carol")
	ctx := context.Background()

	// carol 的第二台設備
	if _, err := env.registrar.Register(ctx, "carol", "session-2"); err != nil {
		t.Fatal(err)
	}

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob"}, "team", "alice")
	if err != nil {
		t.Fatal(err)
	}

	// 第一個會話插入成功、第二個失敗，已插入的記錄必須一併停用
	env.chatKeys.failAddAfter = env.chatKeys.addCalls + 2

	if err := env.dist.AddParticipant(ctx, c.ID, "carol", "alice"); err == nil {
		t.Fatal("Expected error from failed key insert")
	}

	updated, err := env.chats.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.HasParticipant("carol") {
		t.Error("Participant without a full key set must be rolled back")
	}
	for _, r := range env.chatKeys.activeRecords(c.ID) {
		if r.UserID == "carol" {
			t.Errorf("Non-participant must not hold an active key record (session %s)", r.SessionID)
		}
	}
	env.assertCoverage(t, c.ID, []string{"alice", "bob"})
}

func TestRemoveParticipant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob", "carol")
	ctx := context.Background()

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob", "carol"}, "team", "alice")
	if err != nil {
		t.Fatal(err)
	}

	if err := env.dist.RemoveParticipant(ctx, c.ID, "carol", "alice"); err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}

	// 移除後密鑰輪換到版本 2，被移除者沒有任何活躍記錄
	version, err := env.chatKeys.CurrentVersion(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 {
		t.Errorf("Expected key version 2 after removal, got %d", version)
	}

	if _, err := env.chatKeys.FindByChatAndUser(ctx, c.ID, "carol", ""); !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Errorf("Removed participant must not hold an active key record, got %v", err)
	}

	env.assertCoverage(t, c.ID, []string{"alice", "bob"})

	// 被移除者解密被拒
	if _, _, err := env.codec.GetSymmetricKeyForChat(ctx, c.ID, "carol", "session-1"); !apperrors.Is(err, apperrors.CodeForbidden) {
		t.Errorf("Removed participant must get forbidden, got %v", err)
	}
}

func TestRemoveParticipant_NotMember(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob"}, "team", "alice")
	if err != nil {
		t.Fatal(err)
	}

	err = env.dist.RemoveParticipant(ctx, c.ID, "dave", "alice")
	if !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Errorf("Expected not found for non-member, got %v", err)
	}
}

func TestRotateKey(t *testing.T) {
	notified := make(chan int, 1)
	env := newTestEnv(t, notifierFunc(func(ctx context.Context, chatID string, keyVersion int, participants []string) {
		notified <- keyVersion
	}))
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	keyV1, _, err := env.codec.GetSymmetricKeyForChat(ctx, c.ID, "alice", "session-1")
	if err != nil {
		t.Fatal(err)
	}

	newVersion, err := env.dist.RotateKey(ctx, c.ID, "alice")
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if newVersion != 2 {
		t.Errorf("Expected version 2, got %d", newVersion)
	}

	// 新版本是新的密鑰
	keyV2, _, err := env.codec.GetSymmetricKeyForChat(ctx, c.ID, "alice", "session-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(keyV1) == string(keyV2) {
		t.Error("Rotated key must differ from the previous one")
	}

	// 舊版本記錄仍可按版本取用（歷史訊息解密）
	oldKey, err := env.codec.GetSymmetricKeyForEpoch(ctx, c.ID, "alice", "session-1", 1)
	if err != nil {
		t.Fatalf("Old epoch must stay readable: %v", err)
	}
	if string(oldKey) != string(keyV1) {
		t.Error("Old epoch key mismatch")
	}

	env.assertCoverage(t, c.ID, []string{"alice", "bob"})

	select {
	case v := <-notified:
		if v != 2 {
			t.Errorf("Expected rotation notification for version 2, got %d", v)
		}
	case <-time.After(time.Second):
		t.Error("Rotation notification not delivered")
	}
}

func TestRotateKey_SequentialVersions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	for want := 2; want <= 4; want++ {
		got, err := env.dist.RotateKey(ctx, c.ID, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("Expected version %d, got %d", want, got)
		}
	}
}

func TestRotateKey_FailureKeepsPriorVersionActive(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	env.chatKeys.failRotateInsert = true
	if _, err := env.dist.RotateKey(ctx, c.ID, "alice"); err == nil {
		t.Fatal("Expected error from failed rotation insert")
	}
	env.chatKeys.failRotateInsert = false

	// 失敗的輪換等同未發生：版本不變、全體參與者仍持有活躍記錄
	version, err := env.chatKeys.CurrentVersion(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("Expected version to stay at 1, got %d", version)
	}
	env.assertCoverage(t, c.ID, []string{"alice", "bob"})
	for _, r := range env.chatKeys.activeRecords(c.ID) {
		if r.KeyVersion != 1 {
			t.Errorf("Active record must stay at version 1, got %d", r.KeyVersion)
		}
	}

	// 加解密照常走版本 1
	symKey, version, err := env.codec.GetSymmetricKeyForChat(ctx, c.ID, "alice", "session-1")
	if err != nil {
		t.Fatalf("Key must remain usable after a failed rotation: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected key version 1, got %d", version)
	}
	if len(symKey) == 0 {
		t.Error("Expected a usable symmetric key")
	}
}

func TestRepairKeyCoverage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob", "carol")
	ctx := context.Background()

	c, err := env.dist.CreateGroupChat(ctx, []string{"alice", "bob", "carol"}, "team", "alice")
	if err != nil {
		t.Fatal(err)
	}

	// 人為制造覆蓋缺口
	if err := env.chatKeys.Deactivate(ctx, c.ID, "carol"); err != nil {
		t.Fatal(err)
	}

	repaired, err := env.dist.RepairKeyCoverage(ctx, c.ID, "alice")
	if err != nil {
		t.Fatalf("RepairKeyCoverage failed: %v", err)
	}
	if repaired != 1 {
		t.Errorf("Expected 1 repaired record, got %d", repaired)
	}

	env.assertCoverage(t, c.ID, []string{"alice", "bob", "carol"})
}

func TestRepairKeyCoverage_NothingMissing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	repaired, err := env.dist.RepairKeyCoverage(ctx, c.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 {
		t.Errorf("Expected 0 repairs for full coverage, got %d", repaired)
	}
}

// notifierFunc 函數式 Notifier 適配
type notifierFunc func(ctx context.Context, chatID string, keyVersion int, participants []string)

func (f notifierFunc) KeyRotated(ctx context.Context, chatID string, keyVersion int, participants []string) {
	f(ctx, chatID, keyVersion, participants)
}
