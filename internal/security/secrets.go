package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort is returned when a stored blob is smaller than a
// nonce, meaning it was never produced by SecretBox.Seal.
var ErrCiphertextTooShort = errors.New("security: ciphertext shorter than nonce")

// SecretBox encrypts small secrets (MCP server API keys, OAuth client
// secrets) at rest with AES-256-GCM under a single master key. It has no
// knowledge of where the key comes from; callers load it from the
// process environment or a KMS and pass the raw 32 bytes in.
type SecretBox struct {
	gcm cipher.AEAD
}

// NewSecretBox builds a SecretBox from a 32-byte AES-256 key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("security: secret box key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: new gcm: %w", err)
	}
	return &SecretBox{gcm: gcm}, nil
}

// Seal encrypts plaintext, prepending a random nonce to the returned
// blob so Open needs nothing but the key to reverse it.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}
	return b.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (b *SecretBox) Open(blob []byte) ([]byte, error) {
	n := b.gcm.NonceSize()
	if len(blob) < n {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := blob[:n], blob[n:]
	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("security: open: %w", err)
	}
	return plaintext, nil
}

// SealString and OpenString are the string-typed convenience wrappers
// the MCP server store uses for API keys.
func (b *SecretBox) SealString(plaintext string) ([]byte, error) {
	return b.Seal([]byte(plaintext))
}

func (b *SecretBox) OpenString(blob []byte) (string, error) {
	pt, err := b.Open(blob)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
