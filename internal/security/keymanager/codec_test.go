package keymanager

import (
	"context"
	"testing"

	"suggest-gateway/internal/apperrors"
)

func TestCodecEncryptDecrypt(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	envlp, version, err := env.codec.Encrypt(ctx, c.ID, "alice", "session-1", "hello bob 你好")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if version != 1 {
		t.Errorf("Expected key version 1, got %d", version)
	}

	// 另一個參與者能解密
	plaintext, err := env.codec.Decrypt(ctx, c.ID, "bob", "session-1", envlp, version)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plaintext != "hello bob 你好" {
		t.Errorf("Decryption mismatch: %s", plaintext)
	}
}

func TestCodec_ForbiddenWithoutKeyRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob", "eve")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	// eve 註冊了密鑰但不是參與者，沒有此聊天的密鑰記錄
	if _, _, err := env.codec.Encrypt(ctx, c.ID, "eve", "session-1", "intrusion"); !apperrors.Is(err, apperrors.CodeForbidden) {
		t.Errorf("Expected forbidden on encrypt, got %v", err)
	}

	envlp, version, err := env.codec.Encrypt(ctx, c.ID, "alice", "session-1", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.codec.Decrypt(ctx, c.ID, "eve", "session-1", envlp, version); !apperrors.Is(err, apperrors.CodeForbidden) {
		t.Errorf("Expected forbidden on decrypt, got %v", err)
	}
}

func TestCodec_HistoricalEpochAfterRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	envlp, version, err := env.codec.Encrypt(ctx, c.ID, "alice", "session-1", "before rotation")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.dist.RotateKey(ctx, c.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	// 輪換後舊訊息仍按其版本解密
	plaintext, err := env.codec.Decrypt(ctx, c.ID, "bob", "session-1", envlp, version)
	if err != nil {
		t.Fatalf("Historical decrypt failed: %v", err)
	}
	if plaintext != "before rotation" {
		t.Errorf("Decryption mismatch: %s", plaintext)
	}

	// 新訊息用新版本加密
	_, newVersion, err := env.codec.Encrypt(ctx, c.ID, "alice", "session-1", "after rotation")
	if err != nil {
		t.Fatal(err)
	}
	if newVersion != 2 {
		t.Errorf("Expected new messages to use version 2, got %d", newVersion)
	}
}

func TestCodec_UnknownEpoch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.codec.GetSymmetricKeyForEpoch(ctx, c.ID, "alice", "session-1", 99); !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Errorf("Expected not found for unknown epoch, got %v", err)
	}
}

func TestCodec_DeactivatedUserKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerUsers(t, "alice", "bob")
	ctx := context.Background()

	c, err := env.dist.CreatePrivateChat(ctx, "alice", "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}

	// 用戶停用自己的密鑰後無法再解包
	if err := env.registrar.Deactivate(ctx, "alice", "session-1"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := env.codec.GetSymmetricKeyForChat(ctx, c.ID, "alice", "session-1"); !apperrors.Is(err, apperrors.CodeKeyUnavailable) {
		t.Errorf("Expected key unavailable after deactivation, got %v", err)
	}
}
