package keywrap

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"suggest-gateway/internal/apperrors"
)

// 包裝用的 RSA 參數
// 2048-bit RSA-OAEP(SHA-256) 可包裝的最大負載為 190 bytes，
// 足夠容納 32 bytes 的對稱密鑰。
const (
	KeyBits          = 2048
	SymmetricKeySize = 32 // 256-bit，對應 AES-256-GCM
)

// KeyPair 非對稱密鑰對
// PublicKey 為 base64(PKIX DER)，PrivateKey 為 PKCS#8 DER（待封存）。
type KeyPair struct {
	PublicKey  string
	PrivateKey []byte
}

// GenerateKeyPair 生成 RSA-2048 密鑰對
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, apperrors.Encryption("key pair generation failed", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, apperrors.Encryption("public key encoding failed", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, apperrors.Encryption("private key encoding failed", err)
	}

	return &KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pubDER),
		PrivateKey: privDER,
	}, nil
}

// ValidatePublicKey 驗證 base64 編碼的公鑰
// 分發路徑使用：存儲層取回的公鑰必須可解析為 RSA 公鑰，
// 解析不了的會話收不到包裝密鑰。
func ValidatePublicKey(publicKey string) error {
	if publicKey == "" {
		return apperrors.Validation("public key cannot be empty")
	}
	if _, err := parsePublicKey(publicKey); err != nil {
		return err
	}
	return nil
}

// parsePublicKey 解析 base64(PKIX DER) 公鑰
func parsePublicKey(publicKey string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, apperrors.Validation("public key must be valid base64")
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, apperrors.Validation("public key is not a valid PKIX key")
	}

	rsaPub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, apperrors.Validation("public key must be an RSA key")
	}

	return rsaPub, nil
}

// Wrapper 對稱密鑰的非對稱包裝接口
// 本地實現直接用 RSA-OAEP；遠程 KMS 實現必須尊重 ctx 的超時。
type Wrapper interface {
	Wrap(ctx context.Context, publicKey string, symmetricKey []byte) (string, error)
	Unwrap(ctx context.Context, privateKey []byte, wrappedKey string) ([]byte, error)
}

// LocalWrapper 進程內 RSA-OAEP 包裝實現
type LocalWrapper struct{}

// NewLocalWrapper 創建本地包裝器
func NewLocalWrapper() *LocalWrapper {
	return &LocalWrapper{}
}

// Wrap 用參與者的公鑰包裝對稱密鑰
// 回傳 base64 密文。超時檢查在進入加密前執行一次，
// 本地 RSA 操作本身是短暫的，不會中途取消。
func (w *LocalWrapper) Wrap(ctx context.Context, publicKey string, symmetricKey []byte) (string, error) {
	if err := ctxErr(ctx); err != nil {
		return "", err
	}

	if len(symmetricKey) != SymmetricKeySize {
		return "", apperrors.Validation(fmt.Sprintf("symmetric key must be %d bytes", SymmetricKeySize))
	}

	rsaPub, err := parsePublicKey(publicKey)
	if err != nil {
		return "", err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, symmetricKey, nil)
	if err != nil {
		return "", apperrors.Encryption("key wrap failed", err)
	}

	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// Unwrap 用持有者的私鑰解包對稱密鑰
func (w *LocalWrapper) Unwrap(ctx context.Context, privateKey []byte, wrappedKey string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	parsed, err := x509.ParsePKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, apperrors.Decryption("invalid private key material", err)
	}

	rsaPriv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, apperrors.Decryption("private key must be an RSA key", nil)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return nil, apperrors.Decryption("wrapped key must be valid base64", err)
	}

	symmetricKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, rsaPriv, ciphertext, nil)
	if err != nil {
		return nil, apperrors.Decryption("key unwrap failed", err)
	}

	if len(symmetricKey) != SymmetricKeySize {
		return nil, apperrors.Decryption("unwrapped key has unexpected length", nil)
	}

	return symmetricKey, nil
}

// ctxErr 將 context 取消/超時映射為領域錯誤
func ctxErr(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return apperrors.Timeout("key wrap call timed out")
	default:
		return apperrors.Internal("key wrap call cancelled", ctx.Err())
	}
}

// GenerateSymmetricKey 生成 256-bit 隨機對稱密鑰
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, apperrors.Encryption("key generation failed", err)
	}
	return key, nil
}
