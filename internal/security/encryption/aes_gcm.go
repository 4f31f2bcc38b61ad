package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"suggest-gateway/internal/apperrors"
)

// AES-256-GCM 參數
// GCM 模式特點：
// - 認證加密（AEAD），密文被篡改時解密直接失敗
// - 每次加密使用新的隨機 nonce，絕不重用
// - 認證標籤獨立存儲，便於審計與格式演進
const (
	KeySize   = 32 // 256-bit
	NonceSize = 12 // 96-bit，GCM 標準 nonce 長度
	TagSize   = 16 // 128-bit 認證標籤
)

// Envelope 加密結果
// 密文、nonce、認證標籤各自獨立 base64 存儲，明文絕不落日誌。
type Envelope struct {
	Ciphertext string `bson:"ciphertext" json:"ciphertext"`
	Nonce      string `bson:"nonce" json:"nonce"`
	Tag        string `bson:"tag" json:"tag"`
}

// Encrypt 加密明文
// 每次調用生成新的隨機 nonce。任何密碼庫錯誤一律回傳 Encryption 錯誤。
func Encrypt(plaintext string, key []byte) (*Envelope, error) {
	if plaintext == "" {
		return nil, apperrors.Validation("plaintext cannot be empty")
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperrors.Encryption("nonce generation failed", err)
	}

	// Seal 輸出為 ciphertext || tag，拆開獨立存儲
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt 解密密文
// 認證標籤驗證失敗（被篡改或密鑰錯誤）回傳 Decryption 錯誤，
// 絕不拋出原始密碼庫錯誤，也絕不靜默回傳損壞的明文。
// 調用方應把失敗當作「此訊息不可讀」，不可中斷整批讀取。
func Decrypt(env *Envelope, key []byte) (string, error) {
	if env == nil {
		return "", apperrors.Validation("envelope cannot be nil")
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", apperrors.Decryption("ciphertext must be valid base64", err)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", apperrors.Decryption("nonce must be valid base64", err)
	}
	if len(nonce) != NonceSize {
		return "", apperrors.Decryption(fmt.Sprintf("nonce must be %d bytes", NonceSize), nil)
	}

	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return "", apperrors.Decryption("tag must be valid base64", err)
	}
	if len(tag) != TagSize {
		return "", apperrors.Decryption(fmt.Sprintf("tag must be %d bytes", TagSize), nil)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperrors.Decryption("message authentication failed", err)
	}

	return string(plaintext), nil
}

// newAEAD 創建 AES-256-GCM AEAD 實例
func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, apperrors.Validation(fmt.Sprintf("key must be %d bytes (256 bits), got %d bytes", KeySize, len(key)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Encryption("cipher initialization failed", err)
	}

	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, apperrors.Encryption("AEAD initialization failed", err)
	}

	return aead, nil
}
