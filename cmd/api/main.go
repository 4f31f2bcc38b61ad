package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"suggest-gateway/internal/message"
	"suggest-gateway/internal/platform/config"
	"suggest-gateway/internal/platform/driver"
	"suggest-gateway/internal/platform/logger"
	"suggest-gateway/internal/platform/server"
	"suggest-gateway/internal/security/audit"
	"suggest-gateway/internal/security/keymanager"
	"suggest-gateway/internal/security/keywrap"
	"suggest-gateway/internal/storage/database"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// loadMasterKey 載入主密鑰
// 從環境變量 MASTER_KEY 讀取 base64 編碼的 32 bytes 密鑰
// 如果未設置，生成臨時隨機密鑰（開發環境）
func loadMasterKey() ([]byte, error) {
	ctx := context.Background()
	masterKeyEnv := os.Getenv("MASTER_KEY")

	if masterKeyEnv != "" {
		// 從環境變量讀取（base64 解碼）
		masterKey, err := base64.StdEncoding.DecodeString(masterKeyEnv)
		if err != nil {
			logger.Error(ctx, "Master Key 格式錯誤", logger.WithDetails(map[string]interface{}{"error": err.Error()}))
			return nil, fmt.Errorf("invalid master key configuration")
		}

		// 驗證長度必須是 32 bytes
		if len(masterKey) != 32 {
			logger.Error(ctx, "Master Key 長度錯誤", logger.WithDetails(map[string]interface{}{"expected": 32, "got": len(masterKey)}))
			return nil, fmt.Errorf("invalid master key configuration")
		}

		// 遮罩顯示（只顯示前4個字元，其餘用*代替）
		masked := fmt.Sprintf("%x****", masterKey[:2])
		logger.Info(ctx, "成功從環境變量載入主密鑰", logger.WithDetails(map[string]interface{}{
			"masked": masked,
			"source": "MASTER_KEY environment variable",
		}))
		return masterKey, nil
	}

	// 開發環境：生成臨時隨機密鑰
	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		return nil, fmt.Errorf("master key initialization failed")
	}

	logger.Info(ctx, "[WARNING] 開發模式：使用臨時主密鑰（重啟後封存的私鑰將無法解封）")
	logger.Info(ctx, "生成方式：export MASTER_KEY=$(openssl rand -base64 32)")

	return masterKey, nil
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	ctx := context.Background()

	// 載入配置.
	if err := config.Load(); err != nil {
		return err
	}

	// 初始化日誌.
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	// 連接資料庫.
	if err := driver.ConnectMongo(); err != nil {
		return err
	}
	defer func() {
		if err := driver.CloseMongo(); err != nil {
			logger.Errorf(ctx, "關閉 MongoDB 連接失敗: %v", err)
		}
	}()

	// 初始化 Repository（含索引創建）.
	repos, err := database.NewRepositories(ctx, driver.GetMongoDatabase())
	if err != nil {
		logger.Errorf(ctx, "倉儲初始化失敗: %v", err)
		return fmt.Errorf("storage initialization failed")
	}

	// 載入主密鑰並創建封存器.
	masterKey, err := loadMasterKey()
	if err != nil {
		return fmt.Errorf("encryption initialization failed")
	}

	sealer, err := keywrap.NewSealer(masterKey)
	if err != nil {
		logger.Errorf(ctx, "封存器創建失敗: %v", err)
		return fmt.Errorf("encryption initialization failed")
	}

	cfg := config.Get()

	// 組裝服務.
	wrapper := keywrap.NewLocalWrapper()
	registrar := keymanager.NewKeyRegistrar(repos.UserKey, sealer)
	distributor := keymanager.NewKeyDistributor(
		repos.Chat, repos.ChatKey, repos.UserKey,
		wrapper, sealer,
		keymanager.NewLogNotifier(),
		config.GetWrapTimeout(),
	)
	codec := keymanager.NewMessageCodec(repos.ChatKey, repos.UserKey, wrapper, sealer)
	messages := message.NewService(repos.Chat, repos.Message, codec)
	auditSvc := audit.NewAuditService(cfg.Security.Audit.Enabled)

	handlers := &server.Handlers{
		Registrar:   registrar,
		Distributor: distributor,
		Messages:    messages,
		Chats:       repos.Chat,
		Audit:       auditSvc,
	}

	logger.Info(ctx, "服務初始化完成", logger.WithAction("startup"))

	// 啟動 HTTP 服務器（阻塞直到收到關閉信號）.
	return server.Start(server.Router(handlers))
}
