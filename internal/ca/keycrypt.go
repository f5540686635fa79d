package ca

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// keyCrypt 私钥落盘保护：scrypt 派生密钥 + AES-GCM，每次加密使用新随机 nonce
type keyCrypt struct {
	aead cipher.AEAD
}

var errCiphertextTooShort = errors.New("ciphertext shorter than nonce")

const kdfSalt = "reqsploit.ca.v1"

// newKeyCrypt 由服务端机密派生加密密钥
func newKeyCrypt(serverSecret string) (*keyCrypt, error) {
	key, err := scrypt.Key([]byte(serverSecret), []byte(kdfSalt), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &keyCrypt{aead: aead}, nil
}

// Encrypt 加密私钥材料，nonce 前置于密文
func (c *keyCrypt) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt 解密私钥材料，密文损坏时返回错误而非静默产出垃圾数据
func (c *keyCrypt) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, errCiphertextTooShort
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}
