package uploads

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/woorichat/woorichat/internal/v1/state"
)

// TokenTTL bounds the window between upload and send.
const TokenTTL = 5 * time.Minute

const tokenKeyPrefix = "upload_token:"

// TokenData is the payload bound to an upload token.
type TokenData struct {
	UserID    int64   `json:"user_id"`
	RoomID    int64   `json:"room_id"`
	FilePath  string  `json:"file_path"`
	FileName  string  `json:"file_name"`
	FileType  string  `json:"file_type"`
	FileSize  int64   `json:"file_size"`
	ExpiresAt float64 `json:"expires_at"`
}

// Tokens issues and consumes single-use upload tokens backed by the ephemeral
// state store.
type Tokens struct {
	state *state.Store
}

// NewTokens builds a token manager on the shared state store.
func NewTokens(st *state.Store) *Tokens {
	return &Tokens{state: st}
}

// Issue mints a token bound to the uploaded file. The token must be presented
// on message send within TokenTTL.
func (t *Tokens) Issue(ctx context.Context, data TokenData) (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buf[:])
	data.ExpiresAt = float64(time.Now().Add(TokenTTL).Unix())
	if err := t.state.SetJSON(ctx, tokenKeyPrefix+token, data, TokenTTL); err != nil {
		return "", err
	}
	return token, nil
}

// FailureReason explains why a token would be rejected without consuming it.
// An empty string means the token is valid for this user, room, and expected
// type. expectedType of "" skips the type check.
func (t *Tokens) FailureReason(ctx context.Context, token string, userID, roomID int64, expectedType string) string {
	if token == "" {
		return "업로드 토큰이 필요합니다."
	}
	var data TokenData
	if !t.state.GetJSON(ctx, tokenKeyPrefix+token, &data) {
		return "업로드 토큰이 유효하지 않습니다."
	}
	if data.ExpiresAt > 0 && data.ExpiresAt <= float64(time.Now().Unix()) {
		t.state.Delete(ctx, tokenKeyPrefix+token)
		return "업로드 토큰이 만료되었습니다."
	}
	if data.UserID != userID {
		return "업로드 토큰 사용자 정보가 일치하지 않습니다."
	}
	if data.RoomID != roomID {
		return "업로드 토큰의 대화방 정보가 일치하지 않습니다."
	}
	if expectedType != "" && data.FileType != "" && data.FileType != expectedType {
		return "업로드 토큰 파일 유형이 일치하지 않습니다."
	}
	return ""
}

// Consume atomically redeems a token. Returns nil when the token is missing,
// expired, or bound to a different user or room. A token redeems exactly
// once.
func (t *Tokens) Consume(ctx context.Context, token string, userID, roomID int64, expectedType string) *TokenData {
	if t.FailureReason(ctx, token, userID, roomID, expectedType) != "" {
		return nil
	}
	var data TokenData
	if !t.state.GetDelJSON(ctx, tokenKeyPrefix+token, &data) {
		return nil
	}
	return &data
}
