package keymanager

import (
	"context"
	"testing"

	"suggest-gateway/internal/apperrors"
)

func TestRegistrarRegister(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	record, err := env.registrar.Register(ctx, "alice", "session-1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if record.PublicKey == "" {
		t.Error("Registered record must carry a public key")
	}
	if record.SealedPrivateKey == "" {
		t.Error("Registered record must carry the sealed private key")
	}
	if !record.IsActive {
		t.Error("Registered record must be active")
	}
}

func TestRegistrarRegister_ReplacesExisting(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.registrar.Register(ctx, "alice", "session-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.registrar.Register(ctx, "alice", "session-1")
	if err != nil {
		t.Fatal(err)
	}

	if first.PublicKey == second.PublicKey {
		t.Error("Re-registration must generate a new key pair")
	}

	// 同一會話只剩一條活躍記錄，且是新的那條
	active, err := env.userKeys.GetActiveKey(ctx, "alice", "session-1")
	if err != nil {
		t.Fatal(err)
	}
	if active.PublicKey != second.PublicKey {
		t.Error("Active record must be the most recent registration")
	}
}

func TestRegistrar_MultiSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.registrar.Register(ctx, "alice", "session-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.registrar.Register(ctx, "alice", "session-2"); err != nil {
		t.Fatal(err)
	}

	records, err := env.registrar.ListKeys(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 active keys across sessions, got %d", len(records))
	}
}

func TestRegistrarDeactivate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.registrar.Register(ctx, "alice", "session-1"); err != nil {
		t.Fatal(err)
	}

	if err := env.registrar.Deactivate(ctx, "alice", "session-1"); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	// 再次停用不是冪等成功
	if err := env.registrar.Deactivate(ctx, "alice", "session-1"); !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Errorf("Expected not found on repeated deactivation, got %v", err)
	}
}
