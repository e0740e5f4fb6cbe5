package crypt

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateSecretKey_FirstRunPersists(t *testing.T) {
	dir := t.TempDir()

	key1, err := LoadOrCreateSecretKey(dir)
	require.NoError(t, err)
	assert.Len(t, key1, 64, "hex of 32 random bytes")

	// Second call must read the same value back
	key2, err := LoadOrCreateSecretKey(dir)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	info, err := os.Stat(filepath.Join(dir, ".secret_key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreateSalt_IndependentOfSecretKey(t *testing.T) {
	dir := t.TempDir()

	key, err := LoadOrCreateSecretKey(dir)
	require.NoError(t, err)
	salt, err := LoadOrCreateSalt(dir)
	require.NoError(t, err)

	assert.NotEqual(t, key, salt)
}

func TestHashPassword_Deterministic(t *testing.T) {
	h := NewHasher("pepper")

	d1 := h.HashPassword("hunter2")
	d2 := h.HashPassword("hunter2")
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)

	other := NewHasher("different-salt")
	assert.NotEqual(t, d1, other.HashPassword("hunter2"))
}

func TestVerifyPassword(t *testing.T) {
	h := NewHasher("pepper")
	stored := h.HashPassword("hunter2")

	ok, rehash := h.VerifyPassword("hunter2", stored)
	assert.True(t, ok)
	assert.False(t, rehash)

	ok, _ = h.VerifyPassword("wrong", stored)
	assert.False(t, ok)
}

func TestVerifyPassword_LegacyDigestAccepted(t *testing.T) {
	h := NewHasher("pepper")

	legacy := sha256.Sum256([]byte("hunter2"))
	ok, rehash := h.VerifyPassword("hunter2", hex.EncodeToString(legacy[:]))
	assert.True(t, ok, "legacy unsalted digest must still authenticate")
	assert.True(t, rehash, "legacy digest should be flagged for rewrite")
}

func TestValidatePassword(t *testing.T) {
	assert.Error(t, ValidatePassword("abc"))
	assert.NoError(t, ValidatePassword("abcd"))
}

func TestGenerateRoomKey(t *testing.T) {
	k1, err := GenerateRoomKey()
	require.NoError(t, err)
	k2, err := GenerateRoomKey()
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.Len(t, k1, 44, "base64 of 32 bytes")
}

func TestKeyWrapper_RoundTrip(t *testing.T) {
	w := NewKeyWrapper("process-secret")

	key, err := GenerateRoomKey()
	require.NoError(t, err)

	wrapped, err := w.Wrap(key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(wrapped, "enc:v1:"))
	assert.NotContains(t, wrapped, key)

	plain, err := w.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, plain)
}

func TestKeyWrapper_PlaintextPassthrough(t *testing.T) {
	w := NewKeyWrapper("process-secret")

	// Keys stored before wrapping existed have no prefix
	plain, err := w.Unwrap("legacy-base64-key")
	require.NoError(t, err)
	assert.Equal(t, "legacy-base64-key", plain)
}

func TestKeyWrapper_WrongKEK(t *testing.T) {
	w1 := NewKeyWrapper("secret-a")
	w2 := NewKeyWrapper("secret-b")

	wrapped, err := w1.Wrap("roomkey")
	require.NoError(t, err)

	_, err = w2.Unwrap(wrapped)
	assert.Error(t, err)
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		username string
		valid    bool
	}{
		{"alice", true},
		{"user_01", true},
		{"ab", false},
		{strings.Repeat("a", 21), false},
		{"bad name", false},
		{"한글이름", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidateUsername(tt.username), tt.username)
	}
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "hello", SanitizeInput("  hello  ", 1000))
	assert.Equal(t, "bold", SanitizeInput("<b>bold</b>", 1000))
	assert.Equal(t, "alert('x')", SanitizeInput("<script>alert('x')</script>", 1000))
	assert.Equal(t, "", SanitizeInput("", 1000))

	long := strings.Repeat("가", 50)
	assert.Equal(t, strings.Repeat("가", 10), SanitizeInput(long, 10), "clamp is rune-based")
}

func TestLooksGarbled(t *testing.T) {
	assert.False(t, LooksGarbled(""))
	assert.False(t, LooksGarbled("로그인이 필요합니다."))
	assert.False(t, LooksGarbled("plain ascii message"))

	assert.True(t, LooksGarbled("ë¡œê·¸ì¸"), "latin-1 run from double-decoded UTF-8")
	assert.True(t, LooksGarbled("濡쒓렇씤씠 꾩슂빀땲떎"), "cp949 round-trip fragments")
	assert.True(t, LooksGarbled("?? 오류 ??"), "question marks plus non-ascii")
}

func TestSafeClientMessage(t *testing.T) {
	assert.Equal(t, "정상 메시지", SafeClientMessage("정상 메시지", "fallback"))
	assert.Equal(t, "fallback", SafeClientMessage("ë¡œê·¸ì¸", "fallback"))
}

func TestValidateFileHeader(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0}
	tests := []struct {
		name     string
		filename string
		header   []byte
		want     bool
	}{
		{"png ok", "photo.png", png, true},
		{"png mismatch", "photo.png", []byte("not a png"), false},
		{"jpeg ok", "pic.JPG", []byte{0xFF, 0xD8, 0xFF, 0xE0}, true},
		{"pdf ok", "doc.pdf", []byte("%PDF-1.7"), true},
		{"docx shares zip sig", "doc.docx", []byte{0x50, 0x4B, 0x03, 0x04, 1}, true},
		{"exe claimed as png", "evil.png", []byte("MZ\x90\x00"), false},
		{"text bypasses", "notes.txt", []byte("anything at all"), true},
		{"unknown extension passes", "data.xyz", []byte{0x00, 0x01}, true},
		{"no extension passes", "README", []byte("hi"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateFileHeader(tt.filename, tt.header))
		})
	}
}
