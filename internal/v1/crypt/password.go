package crypt

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Hasher produces deterministic salted password digests so login can compare
// stored and presented credentials directly.
type Hasher struct {
	salt string
}

func NewHasher(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// HashPassword returns the current-form digest: sha256(salt || password || salt).
func (h *Hasher) HashPassword(password string) string {
	sum := sha256.Sum256([]byte(h.salt + password + h.salt))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword checks a presented password against a stored digest.
// Legacy unsalted digests are still accepted; needsRehash reports that the
// stored row should be rewritten with the current form on successful login.
func (h *Hasher) VerifyPassword(password, stored string) (ok bool, needsRehash bool) {
	current := h.HashPassword(password)
	if subtle.ConstantTimeCompare([]byte(current), []byte(stored)) == 1 {
		return true, false
	}

	legacy := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(legacy[:])), []byte(stored)) == 1 {
		return true, true
	}

	return false, false
}

// ValidatePassword enforces the minimum password policy.
func ValidatePassword(password string) error {
	if len(password) < 4 {
		return fmt.Errorf("비밀번호는 4자 이상이어야 합니다.")
	}
	return nil
}
