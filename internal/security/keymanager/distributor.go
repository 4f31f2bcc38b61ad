package keymanager

import (
	"context"
	"time"

	"suggest-gateway/internal/apperrors"
	"suggest-gateway/internal/platform/logger"
	"suggest-gateway/internal/security/keywrap"
	"suggest-gateway/internal/storage/database/chat"
	"suggest-gateway/internal/storage/database/keys"
)

// KeyDistributor 聊天密鑰分發器
// 負責聊天的對稱密鑰生命週期：創建時生成並為每個參與者會話
// 各包裝一份、成員加入時補發、成員移除與顯式輪換時換版本重發。
// 對稱密鑰只在操作過程中短暫持有明文，用完即清零，不落庫。
// 同一聊天的變更操作經 chatLocks 串行，避免併發輪換交錯出
// 半新半舊的密鑰集合。
type KeyDistributor struct {
	chats       chat.ChatRepository
	chatKeys    keys.ChatKeyRepository
	userKeys    keys.UserKeyRepository
	wrapper     keywrap.Wrapper
	sealer      *keywrap.Sealer
	notifier    Notifier
	wrapTimeout time.Duration
	locks       *chatLocks
}

// NewKeyDistributor 創建密鑰分發器
func NewKeyDistributor(
	chats chat.ChatRepository,
	chatKeys keys.ChatKeyRepository,
	userKeys keys.UserKeyRepository,
	wrapper keywrap.Wrapper,
	sealer *keywrap.Sealer,
	notifier Notifier,
	wrapTimeout time.Duration,
) *KeyDistributor {
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	return &KeyDistributor{
		chats:       chats,
		chatKeys:    chatKeys,
		userKeys:    userKeys,
		wrapper:     wrapper,
		sealer:      sealer,
		notifier:    notifier,
		wrapTimeout: wrapTimeout,
		locks:       newChatLocks(),
	}
}

// CreatePrivateChat 創建私聊並分發密鑰
// 兩個用戶之間至多一個私聊，已存在時回傳 Conflict。
// 任一用戶沒有任何活躍密鑰時回傳 KeyUnavailable，不創建聊天。
func (d *KeyDistributor) CreatePrivateChat(ctx context.Context, userA, userB, createdBy string) (*chat.Chat, error) {
	if userA == "" || userB == "" {
		return nil, apperrors.Validation("both user ids are required")
	}
	if userA == userB {
		return nil, apperrors.Validation("cannot create a private chat with yourself")
	}

	existing, err := d.chats.FindPrivateBetween(ctx, userA, userB)
	if err != nil && !apperrors.Is(err, apperrors.CodeNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.Conflict("private chat between these users already exists")
	}

	return d.createChat(ctx, &chat.Chat{
		ChatType:     chat.TypePrivate,
		Participants: []string{userA, userB},
		CreatedBy:    createdBy,
	}, createdBy)
}

// CreateGroupChat 創建群聊並分發密鑰
func (d *KeyDistributor) CreateGroupChat(ctx context.Context, participants []string, groupName, createdBy string) (*chat.Chat, error) {
	participants = dedupe(participants)
	if len(participants) < 2 {
		return nil, apperrors.Validation("group chats must have at least 2 participants")
	}
	if groupName == "" {
		return nil, apperrors.Validation("group name is required")
	}

	return d.createChat(ctx, &chat.Chat{
		ChatType:     chat.TypeGroup,
		Participants: participants,
		GroupName:    groupName,
		CreatedBy:    createdBy,
	}, createdBy)
}

// createChat 包裝密鑰全部成功後才創建聊天
// 密鑰記錄插入失敗時停用剛創建的聊天，不留下沒有密鑰的聊天。
func (d *KeyDistributor) createChat(ctx context.Context, c *chat.Chat, createdBy string) (*chat.Chat, error) {
	targets, err := d.collectTargets(ctx, c.Participants)
	if err != nil {
		return nil, err
	}

	symKey, err := keywrap.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	defer zero(symKey)

	wrapped, err := d.wrapAll(ctx, symKey, targets)
	if err != nil {
		return nil, err
	}

	if err := d.chats.Create(ctx, c); err != nil {
		return nil, err
	}

	if err := d.chatKeys.CreateKeysForChat(ctx, c.ID, targets, wrapped, 1, createdBy); err != nil {
		// 補償：密鑰沒發齊的聊天不可用，已插入的記錄一併停用
		if derr := d.chatKeys.DeactivateAllForChat(ctx, c.ID); derr != nil {
			logger.Error(ctx, "聊天密鑰補償停用失敗",
				logger.WithChatID(c.ID),
				logger.WithAction("chat_create_compensation"),
			)
		}
		if derr := d.chats.Deactivate(ctx, c.ID); derr != nil {
			logger.Error(ctx, "聊天補償停用失敗",
				logger.WithChatID(c.ID),
				logger.WithAction("chat_create_compensation"),
			)
		}
		return nil, err
	}

	logger.Info(ctx, "聊天創建成功，密鑰已分發",
		logger.WithChatID(c.ID),
		logger.WithUserID(createdBy),
		logger.WithKeyVersion(1),
		logger.WithAction("chat_created"),
		logger.WithDetails(map[string]interface{}{
			"chat_type":   c.ChatType,
			"key_targets": len(targets),
		}),
	)

	return c, nil
}

// AddParticipant 添加群聊成員並補發當前密鑰
// 只有群聊可加成員；加入者必須持有此聊天的活躍密鑰記錄，
// 用它解出當前對稱密鑰後為新成員的每個活躍會話各包裝一份。
func (d *KeyDistributor) AddParticipant(ctx context.Context, chatID, userID, addedBy string) error {
	unlock := d.locks.Lock(chatID)
	defer unlock()

	c, err := d.chats.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if c.ChatType != chat.TypeGroup {
		return apperrors.Validation("participants can only be added to group chats")
	}
	if c.HasParticipant(userID) {
		return apperrors.Conflict("user is already a participant of this chat")
	}

	symKey, version, err := d.unwrapCurrentKey(ctx, chatID, addedBy)
	if err != nil {
		return err
	}
	defer zero(symKey)

	targets, err := d.collectTargets(ctx, []string{userID})
	if err != nil {
		return err
	}

	wrapped, err := d.wrapAll(ctx, symKey, targets)
	if err != nil {
		return err
	}

	if err := d.chats.AddParticipant(ctx, chatID, userID, addedBy); err != nil {
		return err
	}

	for i, target := range targets {
		record := &keys.ChatKeyRecord{
			ChatID:     chatID,
			UserID:     target.UserID,
			SessionID:  target.SessionID,
			WrappedKey: wrapped[i],
			KeyVersion: version,
			CreatedBy:  addedBy,
		}
		if err := d.chatKeys.AddKeyForUser(ctx, record); err != nil {
			// 補償：沒拿到完整密鑰的成員退出聊天，
			// 先前會話已插入的記錄一併停用，非參與者不得持有活躍記錄
			if rerr := d.chats.RemoveParticipant(ctx, chatID, userID, addedBy); rerr != nil {
				logger.Error(ctx, "成員補償移除失敗",
					logger.WithChatID(chatID),
					logger.WithUserID(userID),
					logger.WithAction("add_participant_compensation"),
				)
			}
			if derr := d.chatKeys.Deactivate(ctx, chatID, userID); derr != nil && !apperrors.Is(derr, apperrors.CodeNotFound) {
				logger.Error(ctx, "成員密鑰補償停用失敗",
					logger.WithChatID(chatID),
					logger.WithUserID(userID),
					logger.WithAction("add_participant_compensation"),
				)
			}
			return err
		}
	}

	logger.Info(ctx, "成員已加入，密鑰已補發",
		logger.WithChatID(chatID),
		logger.WithUserID(userID),
		logger.WithKeyVersion(version),
		logger.WithAction("participant_added"),
	)

	return nil
}

// RemoveParticipant 移除群聊成員
// 移除後停用該成員的全部密鑰記錄並立即輪換聊天密鑰，
// 被移除者拿不到之後的新版本。
func (d *KeyDistributor) RemoveParticipant(ctx context.Context, chatID, userID, removedBy string) error {
	unlock := d.locks.Lock(chatID)
	defer unlock()

	c, err := d.chats.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if c.ChatType != chat.TypeGroup {
		return apperrors.Validation("participants can only be removed from group chats")
	}
	if !c.HasParticipant(userID) {
		return apperrors.NotFound("user is not a participant of this chat")
	}

	if err := d.chats.RemoveParticipant(ctx, chatID, userID, removedBy); err != nil {
		return err
	}

	if err := d.chatKeys.Deactivate(ctx, chatID, userID); err != nil && !apperrors.Is(err, apperrors.CodeNotFound) {
		return err
	}

	if _, err := d.rotateLocked(ctx, chatID, removedBy); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "key rotation after participant removal failed", err)
	}

	logger.Info(ctx, "成員已移除，密鑰已輪換",
		logger.WithChatID(chatID),
		logger.WithUserID(userID),
		logger.WithAction("participant_removed"),
	)

	return nil
}

// RotateKey 顯式輪換聊天密鑰，回傳新版本號
func (d *KeyDistributor) RotateKey(ctx context.Context, chatID, rotatedBy string) (int, error) {
	unlock := d.locks.Lock(chatID)
	defer unlock()

	return d.rotateLocked(ctx, chatID, rotatedBy)
}

// rotateLocked 執行輪換，調用方必須已持有聊天鎖
// 先為全部當前參與者會話包裝好新密鑰，再一次替換活躍集合；
// 包裝階段任何失敗都不觸碰既有記錄，舊版本保持完整可用。
func (d *KeyDistributor) rotateLocked(ctx context.Context, chatID, rotatedBy string) (int, error) {
	c, err := d.chats.GetByID(ctx, chatID)
	if err != nil {
		return 0, err
	}

	targets, err := d.collectTargets(ctx, c.Participants)
	if err != nil {
		return 0, err
	}

	symKey, err := keywrap.GenerateSymmetricKey()
	if err != nil {
		return 0, err
	}
	defer zero(symKey)

	wrapped, err := d.wrapAll(ctx, symKey, targets)
	if err != nil {
		return 0, err
	}

	currentVersion, err := d.chatKeys.CurrentVersion(ctx, chatID)
	if err != nil {
		return 0, err
	}
	newVersion := currentVersion + 1

	if err := d.chatKeys.RotateKeys(ctx, chatID, targets, wrapped, newVersion, rotatedBy); err != nil {
		return 0, err
	}

	// 通知盡力而為，不阻塞輪換結果
	go d.notifier.KeyRotated(context.WithoutCancel(ctx), chatID, newVersion, c.Participants)

	return newVersion, nil
}

// RepairKeyCoverage 補齊缺失的密鑰記錄
// 分發與參與者集合出現漂移時（部分失敗後的修復路徑），
// 用 actorID 的活躍記錄解出當前密鑰，為缺密鑰的參與者補發。
// 回傳補發的記錄數。
func (d *KeyDistributor) RepairKeyCoverage(ctx context.Context, chatID, actorID string) (int, error) {
	unlock := d.locks.Lock(chatID)
	defer unlock()

	c, err := d.chats.GetByID(ctx, chatID)
	if err != nil {
		return 0, err
	}

	covered, err := d.chatKeys.ActiveUsers(ctx, chatID)
	if err != nil {
		return 0, err
	}
	coveredSet := make(map[string]bool, len(covered))
	for _, u := range covered {
		coveredSet[u] = true
	}

	var missing []string
	for _, p := range c.Participants {
		if !coveredSet[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	symKey, version, err := d.unwrapCurrentKey(ctx, chatID, actorID)
	if err != nil {
		return 0, err
	}
	defer zero(symKey)

	targets, err := d.collectTargets(ctx, missing)
	if err != nil {
		return 0, err
	}

	wrapped, err := d.wrapAll(ctx, symKey, targets)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for i, target := range targets {
		record := &keys.ChatKeyRecord{
			ChatID:     chatID,
			UserID:     target.UserID,
			SessionID:  target.SessionID,
			WrappedKey: wrapped[i],
			KeyVersion: version,
			CreatedBy:  actorID,
		}
		if err := d.chatKeys.AddKeyForUser(ctx, record); err != nil {
			if apperrors.Is(err, apperrors.CodeConflict) {
				continue
			}
			return repaired, err
		}
		repaired++
	}

	logger.Info(ctx, "密鑰覆蓋已修復",
		logger.WithChatID(chatID),
		logger.WithKeyVersion(version),
		logger.WithAction("key_coverage_repaired"),
		logger.WithDetails(map[string]interface{}{"repaired": repaired}),
	)

	return repaired, nil
}

// collectTargets 收集用戶們的全部活躍會話作為包裝目標
// 任一用戶沒有任何活躍密鑰時整個操作失敗，回傳 KeyUnavailable。
func (d *KeyDistributor) collectTargets(ctx context.Context, userIDs []string) ([]keys.KeyTarget, error) {
	var targets []keys.KeyTarget
	for _, userID := range userIDs {
		records, err := d.userKeys.GetAllActiveKeys(ctx, userID)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, apperrors.KeyUnavailable("user " + userID + " has no registered encryption key")
		}
		for _, r := range records {
			targets = append(targets, keys.KeyTarget{UserID: r.UserID, SessionID: r.SessionID})
		}
	}
	return targets, nil
}

// wrapAll 為每個目標包裝對稱密鑰
// 逐個查公鑰再包裝，整批共用一個超時。
func (d *KeyDistributor) wrapAll(ctx context.Context, symKey []byte, targets []keys.KeyTarget) ([]string, error) {
	if d.wrapTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.wrapTimeout)
		defer cancel()
	}

	wrapped := make([]string, len(targets))
	for i, target := range targets {
		record, err := d.userKeys.GetActiveKey(ctx, target.UserID, target.SessionID)
		if err != nil {
			if apperrors.Is(err, apperrors.CodeNotFound) {
				return nil, apperrors.KeyUnavailable("user " + target.UserID + " has no registered encryption key")
			}
			return nil, err
		}

		// 存儲層取回的公鑰解析不了時，該用戶視為密鑰不可用
		if verr := keywrap.ValidatePublicKey(record.PublicKey); verr != nil {
			return nil, apperrors.KeyUnavailable("user " + target.UserID + " has an unusable public key")
		}

		w, err := d.wrapper.Wrap(ctx, record.PublicKey, symKey)
		if err != nil {
			return nil, err
		}
		wrapped[i] = w
	}

	return wrapped, nil
}

// unwrapCurrentKey 用 actor 的活躍記錄解出聊天當前的對稱密鑰
// actor 沒有活躍記錄即無權操作此聊天的密鑰，回傳 Forbidden。
func (d *KeyDistributor) unwrapCurrentKey(ctx context.Context, chatID, actorID string) ([]byte, int, error) {
	record, err := d.chatKeys.FindByChatAndUser(ctx, chatID, actorID, "")
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil, 0, apperrors.Forbidden("no access to this chat's key")
		}
		return nil, 0, err
	}

	userKey, err := d.userKeys.GetActiveKey(ctx, actorID, record.SessionID)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return nil, 0, apperrors.KeyUnavailable("user " + actorID + " has no registered encryption key")
		}
		return nil, 0, err
	}

	privateKey, err := d.sealer.Unseal(userKey.SealedPrivateKey)
	if err != nil {
		return nil, 0, err
	}
	defer zero(privateKey)

	symKey, err := d.wrapper.Unwrap(ctx, privateKey, record.WrappedKey)
	if err != nil {
		return nil, 0, err
	}

	return symKey, record.KeyVersion, nil
}

// dedupe 去重並保持順序
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// zero 清除內存中的密鑰材料
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
