// Package secrets encrypts upstream API keys at rest with AES-256-GCM and
// derives the masked form shown in admin responses.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrCiphertextInvalid is returned when a stored value cannot be decrypted,
// typically because the encryption key changed or the value is corrupted.
var ErrCiphertextInvalid = errors.New("secrets: invalid ciphertext")

// Box seals and opens API key secrets with a fixed 32-byte key.
type Box struct {
	key []byte
}

// NewBox derives an AES-256 key from the configured passphrase. Any
// non-empty passphrase is accepted; it is hashed to key length.
func NewBox(passphrase string) (*Box, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("secrets: encryption passphrase is empty")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return &Box{key: sum[:]}, nil
}

// Encrypt seals plaintext and returns a base64 nonce:ciphertext pair.
func (b *Box) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(nonce) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *Box) Decrypt(encrypted string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", ErrCiphertextInvalid
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrCiphertextInvalid
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", ErrCiphertextInvalid
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	return string(plaintext), nil
}

// Fingerprint returns a stable hex digest of a plaintext key, used to
// detect duplicate pool entries without comparing ciphertexts (the random
// nonce makes those unequal for identical secrets).
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum)
}

// Mask returns the operator-visible form of a plaintext key: the first and
// last four characters with the middle starred out. Short keys are fully
// starred rather than leaked.
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
