package httpapi

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woorichat/woorichat/internal/v1/store"
)

func TestCreatePin_MessageAndNotice(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	roomID := env.createRoom(t, alice, "팀방")
	path := "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/pins"

	w := alice.do(t, http.MethodPost, path, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_pin_target")

	w = alice.do(t, http.MethodPost, path, gin.H{"message_id": int64(424242)})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "message_not_found")

	msg := seedMessage(t, env, roomID, alice.userID(t), "중요 공지")
	w = alice.do(t, http.MethodPost, path, gin.H{"message_id": msg.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pinned struct {
		Pin store.PinnedMessage `json:"pin"`
	}
	decode(t, w, &pinned)
	assert.Equal(t, msg.ID, pinned.Pin.MessageID)
	assert.Equal(t, "중요 공지", pinned.Pin.Content)

	// Free-form notice text pins without a backing message.
	w = alice.do(t, http.MethodPost, path, gin.H{"content": "금요일 회식"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &pinned)
	assert.Zero(t, pinned.Pin.MessageID)
	assert.Equal(t, "금요일 회식", pinned.Pin.Content)

	var list struct {
		Pins []store.PinnedMessage `json:"pins"`
	}
	w = alice.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	assert.Len(t, list.Pins, 2)
}

func TestDeletePin_PinnerOrAdmin(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")
	carol := env.signup(t, "carol")
	roomID := env.createRoom(t, alice, "팀방", bob.userID(t), carol.userID(t))
	base := "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/pins"

	w := bob.do(t, http.MethodPost, base, gin.H{"content": "밥 공지"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Pin store.PinnedMessage `json:"pin"`
	}
	decode(t, w, &created)
	pinPath := base + "/" + strconv.FormatInt(created.Pin.ID, 10)

	// A bystander member cannot remove someone else's pin.
	w = carol.do(t, http.MethodDelete, pinPath, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The room admin can.
	w = alice.do(t, http.MethodDelete, pinPath, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = alice.do(t, http.MethodDelete, pinPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "pin_not_found")
}

func TestPinWritesSystemMessage(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	roomID := env.createRoom(t, alice, "팀방")

	w := alice.do(t, http.MethodPost,
		"/api/rooms/"+strconv.FormatInt(roomID, 10)+"/pins", gin.H{"content": "공지"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = alice.do(t, http.MethodGet,
		"/api/rooms/"+strconv.FormatInt(roomID, 10)+"/messages?include_meta=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "공지사항을 업데이트했습니다")
	assert.Contains(t, w.Body.String(), `"message_type":"system"`)
}
