package httpapi

import (
	"context"
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoom_GroupRequiresName(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")

	w := alice.do(t, http.MethodPost, "/api/rooms", gin.H{"type": "group"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_room_name")
}

func TestCreateRoom_DirectDeduplicates(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")
	bobID := bob.userID(t)

	w := alice.do(t, http.MethodPost, "/api/rooms", gin.H{"member_ids": []int64{bobID}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first struct {
		RoomID   int64 `json:"room_id"`
		Existing bool  `json:"existing"`
	}
	decode(t, w, &first)
	assert.False(t, first.Existing)

	// The same pair again lands in the existing room, from either side.
	w = bob.do(t, http.MethodPost, "/api/rooms", gin.H{"member_ids": []int64{alice.userID(t)}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var second struct {
		RoomID   int64 `json:"room_id"`
		Existing bool  `json:"existing"`
	}
	decode(t, w, &second)
	assert.True(t, second.Existing)
	assert.Equal(t, first.RoomID, second.RoomID)
}

func TestCreateRoom_DropsUnknownUsers(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")

	// Only the creator survives, so this becomes a one-person group.
	w := alice.do(t, http.MethodPost, "/api/rooms",
		gin.H{"name": "혼자방", "type": "group", "member_ids": []int64{9999}})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		RoomID int64 `json:"room_id"`
	}
	decode(t, w, &resp)
	members, err := env.st.ListMembers(context.Background(), resp.RoomID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRoomAccess_MembershipBeforeExistence(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	mallory := env.signup(t, "mallory")
	roomID := env.createRoom(t, alice, "팀방")

	// A non-member gets 403 on a real room.
	w := mallory.do(t, http.MethodGet, "/api/rooms/"+strconv.FormatInt(roomID, 10)+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not_a_member")

	// A missing room answers the same way, so ids cannot be probed.
	w = mallory.do(t, http.MethodGet, "/api/rooms/424242/messages", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not_a_member")
}

func TestInviteMembers(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")
	bobID := bob.userID(t)
	roomID := env.createRoom(t, alice, "팀방")
	path := "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/members"

	w := alice.do(t, http.MethodPost, path, gin.H{"user_ids": []int64{bobID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		AddedCount int64 `json:"added_count"`
	}
	decode(t, w, &resp)
	assert.EqualValues(t, 1, resp.AddedCount)

	// Inviting only already-present users is an error.
	w = alice.do(t, http.MethodPost, path, gin.H{"user_ids": []int64{bobID}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "already_member")
}

func TestLeaveRoom_IdempotentAndPromotes(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")
	bobID := bob.userID(t)
	roomID := env.createRoom(t, alice, "팀방", bobID)
	path := "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/leave"

	// The creator leaves; the remaining member inherits admin.
	w := alice.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"left":true`)

	admins, err := env.st.ListAdminIDs(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, []int64{bobID}, admins)

	// Leaving again succeeds without effect.
	w = alice.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"already_left":true`)
}

func TestKickMember_Rules(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")
	carol := env.signup(t, "carol")
	aliceID := alice.userID(t)
	bobID := bob.userID(t)
	carolID := carol.userID(t)
	roomID := env.createRoom(t, alice, "팀방", bobID, carolID)
	base := "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/members/"

	// Plain members cannot kick.
	w := bob.do(t, http.MethodDelete, base+strconv.FormatInt(carolID, 10), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "admin_required")

	// Admins cannot kick themselves.
	w = alice.do(t, http.MethodDelete, base+strconv.FormatInt(aliceID, 10), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "self_kick")

	// A co-admin cannot kick the creator.
	w = alice.do(t, http.MethodPost, "/api/rooms/"+strconv.FormatInt(roomID, 10)+"/admins",
		gin.H{"user_id": bobID, "is_admin": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = bob.do(t, http.MethodDelete, base+strconv.FormatInt(aliceID, 10), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "cannot_kick_admin")

	// The creator kicks a member.
	w = alice.do(t, http.MethodDelete, base+strconv.FormatInt(carolID, 10), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	member, err := env.st.IsMember(context.Background(), roomID, carolID)
	require.NoError(t, err)
	assert.False(t, member)
}

func TestSetAdmin_LastAdminGuard(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")
	aliceID := alice.userID(t)
	bobID := bob.userID(t)
	roomID := env.createRoom(t, alice, "팀방", bobID)
	path := "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/admins"

	// The creator cannot demote themselves while alone in the role.
	w := alice.do(t, http.MethodPost, path, gin.H{"user_id": aliceID, "is_admin": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "last_admin")

	w = alice.do(t, http.MethodPost, path, gin.H{"user_id": bobID, "is_admin": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// With a second admin the creator still cannot be demoted.
	w = bob.do(t, http.MethodPost, path, gin.H{"user_id": aliceID, "is_admin": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "cannot_demote_creator")

	w = alice.do(t, http.MethodPost, path, gin.H{"user_id": bobID, "is_admin": false})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRenameRoom(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")
	bobID := bob.userID(t)
	roomID := env.createRoom(t, alice, "팀방", bobID)
	path := "/api/rooms/" + strconv.FormatInt(roomID, 10) + "/name"

	w := bob.do(t, http.MethodPut, path, gin.H{"name": "새이름"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = alice.do(t, http.MethodPut, path, gin.H{"name": "새이름"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	room, err := env.st.GetRoomByID(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, "새이름", room.Name)
}

func TestRenameRoom_DirectRoomRejected(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")

	w := alice.do(t, http.MethodPost, "/api/rooms", gin.H{"member_ids": []int64{bob.userID(t)}})
	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		RoomID int64 `json:"room_id"`
	}
	decode(t, w, &resp)

	w = alice.do(t, http.MethodPut, "/api/rooms/"+strconv.FormatInt(resp.RoomID, 10)+"/name",
		gin.H{"name": "안됨"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not_renamable")
}

func TestRoomFlags_PinAndMute(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	roomID := env.createRoom(t, alice, "팀방")
	base := "/api/rooms/" + strconv.FormatInt(roomID, 10)

	w := alice.do(t, http.MethodPost, base+"/pin-room", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pinned":true`)

	w = alice.do(t, http.MethodPost, base+"/mute", gin.H{"muted": false})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"muted":false`)
}

func TestAdminAuditLogs_JSONAndCSV(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")
	bobID := bob.userID(t)
	roomID := env.createRoom(t, alice, "팀방", bobID)
	base := "/api/rooms/" + strconv.FormatInt(roomID, 10)

	// Generate audit rows: promote then kick.
	w := alice.do(t, http.MethodPost, base+"/admins", gin.H{"user_id": bobID, "is_admin": true})
	require.Equal(t, http.StatusOK, w.Code)
	w = alice.do(t, http.MethodPost, base+"/admins", gin.H{"user_id": bobID, "is_admin": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = alice.do(t, http.MethodGet, base+"/admin-audit-logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Logs  []map[string]any `json:"logs"`
		Total int64            `json:"total"`
	}
	decode(t, w, &resp)
	assert.EqualValues(t, 2, resp.Total)

	w = alice.do(t, http.MethodGet, base+"/admin-audit-logs?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "admin_audit_logs.csv")

	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(records), 3)
	assert.Equal(t, []string{"id", "room_id", "actor", "target", "action", "metadata", "created_at"}, records[0])

	// Members without the admin role cannot read the trail.
	w = bob.do(t, http.MethodGet, base+"/admin-audit-logs", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSelfKickLeavesAuditTrail(t *testing.T) {
	env := newEnv(t)
	alice := env.signup(t, "alice")
	aliceID := alice.userID(t)
	roomID := env.createRoom(t, alice, "팀방")

	w := alice.do(t, http.MethodDelete,
		"/api/rooms/"+strconv.FormatInt(roomID, 10)+"/members/"+strconv.FormatInt(aliceID, 10), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	logs, total, err := env.st.ListAdminAuditLogs(context.Background(), roomID, 0, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, "kick_denied_self", logs[0].Action)
}
