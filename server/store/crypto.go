package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Cipher encrypts secrets at rest with AES-256-CTR. Ciphertext format is
// `iv_hex:cipher_hex` with a random 16-byte IV per encryption. Symmetric
// and reversible in-process only; nothing outside this package decrypts.
type Cipher struct {
	key [32]byte
}

// NewCipher derives the key: a 64-char hex secret is used verbatim as the
// 32-byte key, anything else is SHA-256 hashed.
func NewCipher(secret string) *Cipher {
	c := &Cipher{}
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == 32 {
		copy(c.key[:], raw)
		return c
	}
	c.key = sha256.Sum256([]byte(secret))
	return c
}

// Encrypt returns `iv_hex:cipher_hex` for plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(out, []byte(plaintext))
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	ivHex, cipherHex, ok := strings.Cut(encoded, ":")
	if !ok {
		return "", fmt.Errorf("crypto: malformed ciphertext")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("crypto: bad iv")
	}
	data, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", fmt.Errorf("crypto: bad ciphertext")
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return string(out), nil
}
