package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"suggest-gateway/internal/platform/config"
)

// LoadTLSConfig 載入 HTTP 服務器的 TLS 配置
// 只接受 TLS 1.3。未啟用時回傳 nil。
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	// 載入服務器憑證和私鑰
	serverCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %v", err)
	}

	// 創建憑證池
	certPool := x509.NewCertPool()

	// 如果提供了 CA 文件，載入它
	if cfg.CAFile != "" {
		ca, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %v", err)
		}

		if !certPool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    certPool,
	}, nil
}
