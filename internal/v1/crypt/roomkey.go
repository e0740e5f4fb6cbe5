package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// wrappedPrefix marks room keys stored wrapped under the process KEK.
// Unprefixed values are plaintext base64 keys from before wrapping existed.
const wrappedPrefix = "enc:v1:"

// KeyWrapper wraps and unwraps per-room encryption keys under a
// key-encryption-key derived from the process secret. Callers only ever see
// plaintext keys; the at-rest form is an implementation detail.
type KeyWrapper struct {
	kek [32]byte
}

func NewKeyWrapper(secretKey string) *KeyWrapper {
	return &KeyWrapper{kek: sha256.Sum256([]byte(secretKey))}
}

// GenerateRoomKey returns a fresh 256-bit room key, base64 encoded.
func GenerateRoomKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate room key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Wrap seals a plaintext room key for storage.
func (w *KeyWrapper) Wrap(roomKey string) (string, error) {
	gcm, err := w.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("wrap room key: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(roomKey), nil)
	return wrappedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Unwrap returns the plaintext room key from its at-rest form. Values stored
// before wrapping was introduced pass through untouched.
func (w *KeyWrapper) Unwrap(stored string) (string, error) {
	if !strings.HasPrefix(stored, wrappedPrefix) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, wrappedPrefix))
	if err != nil {
		return "", fmt.Errorf("unwrap room key: %w", err)
	}

	gcm, err := w.gcm()
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("unwrap room key: ciphertext too short")
	}

	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("unwrap room key: %w", err)
	}
	return string(plain), nil
}

func (w *KeyWrapper) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(w.kek[:])
	if err != nil {
		return nil, fmt.Errorf("room key cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
