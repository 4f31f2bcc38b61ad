package keywrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"suggest-gateway/internal/apperrors"

	"golang.org/x/crypto/hkdf"
)

// Sealer 私鑰封存器
// 服務端託管模式：私鑰不以明文落盤，存儲前用主密鑰派生的
// 子密鑰做 AES-256-GCM 封存。信任邊界：服務器可以解密，
// 這不是真正的端到端加密（與原系統行為一致，見 DESIGN.md）。
type Sealer struct {
	sealKey []byte // 由主密鑰經 HKDF 派生的 256-bit 子密鑰
}

// hkdf info 標籤，區分主密鑰的不同用途
const privateKeySealInfo = "suggest-gateway/user-private-key"

// NewSealer 創建封存器
// 主密鑰必須是 32 bytes，透過 HKDF-SHA256 派生封存子密鑰，
// 避免主密鑰直接參與多種加密用途。
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != 32 {
		return nil, apperrors.Validation("master key must be 32 bytes (256 bits)")
	}

	sealKey := make([]byte, 32)
	if _, err := hkdf.New(sha256.New, masterKey, nil, []byte(privateKeySealInfo)).Read(sealKey); err != nil {
		return nil, apperrors.Encryption("seal key derivation failed", err)
	}

	return &Sealer{sealKey: sealKey}, nil
}

// Seal 封存私鑰材料
// 格式: base64(nonce + ciphertext+tag)
func (s *Sealer) Seal(privateKey []byte) (string, error) {
	if len(privateKey) == 0 {
		return "", apperrors.Validation("private key cannot be empty")
	}

	aead, err := s.newAEAD()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.Encryption("nonce generation failed", err)
	}

	sealed := aead.Seal(nonce, nonce, privateKey, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal 解封私鑰材料
func (s *Sealer) Unseal(sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, apperrors.Decryption("sealed key must be valid base64", err)
	}

	aead, err := s.newAEAD()
	if err != nil {
		return nil, err
	}

	if len(data) < aead.NonceSize() {
		return nil, apperrors.Decryption("sealed key too short", nil)
	}

	nonce := data[:aead.NonceSize()]
	ciphertext := data[aead.NonceSize():]

	privateKey, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.Decryption("sealed key authentication failed", err)
	}

	return privateKey, nil
}

func (s *Sealer) newAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.sealKey)
	if err != nil {
		return nil, apperrors.Encryption("cipher initialization failed", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Encryption("AEAD initialization failed", err)
	}

	return aead, nil
}
