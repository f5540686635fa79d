package ca

import (
	"bytes"
	"testing"
)

func TestKeyCryptRoundTrip(t *testing.T) {
	c, err := newKeyCrypt("test-secret")
	if err != nil {
		t.Fatalf("newKeyCrypt: %v", err)
	}
	plaintext := []byte("private key material")

	first, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// 每次加密使用新随机 nonce，密文必然不同
	if bytes.Equal(first, second) {
		t.Fatal("two encryptions of the same plaintext must differ")
	}

	got, err := c.Decrypt(first)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypt = %q, want %q", got, plaintext)
	}
}

func TestKeyCryptRejectsCorruptedCiphertext(t *testing.T) {
	c, err := newKeyCrypt("test-secret")
	if err != nil {
		t.Fatalf("newKeyCrypt: %v", err)
	}
	ciphertext, err := c.Encrypt([]byte("material"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := c.Decrypt(ciphertext); err == nil {
		t.Fatal("tampered ciphertext must fail, not return garbage")
	}

	if _, err := c.Decrypt([]byte("short")); err == nil {
		t.Fatal("truncated ciphertext must fail")
	}
}
