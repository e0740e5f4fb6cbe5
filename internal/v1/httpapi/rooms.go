package httpapi

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/store"
)

const (
	msgMissingRoomName = "대화방 이름을 입력해주세요."
	msgKickAdminOnly   = "관리자만 멤버를 퇴장시킬 수 있습니다."
	msgKickSelf        = "자신은 강퇴할 수 없습니다."
	msgKickAdmin       = "관리자는 강퇴할 수 없습니다."
	msgNotRoomMember   = "해당 사용자는 대화방 멤버가 아닙니다."
	msgAlreadyMember   = "이미 참여중인 사용자입니다."
	msgRenameAdminOnly = "관리자만 방 이름을 변경할 수 있습니다."
	msgSelectUser      = "사용자를 선택해주세요."
	msgLastAdmin       = "최소 한 명의 관리자가 필요합니다."
)

func (h *Handlers) listRooms(c *gin.Context) {
	rooms, err := h.store.ListUserRooms(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		internalError(c, "room listing failed", err)
		return
	}
	if rooms == nil {
		rooms = []store.RoomSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handlers) createRoom(c *gin.Context) {
	var req struct {
		Name      string  `json:"name"`
		Type      string  `json:"type"`
		Members   []int64 `json:"members"`
		MemberIDs []int64 `json:"member_ids"`
	}
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	// Deduplicate, drop unknown users, and always include the creator.
	seen := map[int64]bool{userID: true}
	memberIDs := []int64{userID}
	for _, id := range append(req.Members, req.MemberIDs...) {
		if id <= 0 || seen[id] {
			continue
		}
		if _, err := h.store.GetUserByID(ctx, id); errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			internalError(c, "member lookup failed", err)
			return
		}
		seen[id] = true
		memberIDs = append(memberIDs, id)
	}

	roomType := "group"
	if len(memberIDs) == 2 && req.Type != "group" {
		roomType = "direct"
	}
	name := crypt.SanitizeInput(req.Name, 50)
	if roomType == "group" && name == "" {
		jsonError(c, http.StatusBadRequest, msgMissingRoomName, "missing_room_name")
		return
	}

	room, existed, err := h.store.CreateRoom(ctx, name, roomType, userID, memberIDs)
	if err != nil {
		internalError(c, "room creation failed", err)
		return
	}

	if !existed {
		for _, id := range memberIDs {
			h.invalidateRooms(ctx, id)
			h.broadcastUser(ctx, id, "room_members_updated", gin.H{"room_id": room.ID})
		}
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"success": true, "room_id": room.ID, "existing": existed})
}

func (h *Handlers) roomInfo(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	ctx := c.Request.Context()
	room, err := h.store.GetRoomByID(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, msgRoomNotFound, "room_not_found")
		return
	}
	if err != nil {
		internalError(c, "room lookup failed", err)
		return
	}
	members, err := h.store.ListMembers(ctx, roomID)
	if err != nil {
		internalError(c, "member listing failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "members": members})
}

func (h *Handlers) roomUnread(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}
	n, err := h.store.UnreadCount(c.Request.Context(), roomID, userID)
	if err != nil {
		internalError(c, "unread count failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "unread_count": n})
}

func (h *Handlers) inviteMembers(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	var req struct {
		UserID  int64   `json:"user_id"`
		UserIDs []int64 `json:"user_ids"`
	}
	if !bindJSON(c, &req) {
		return
	}
	ids := req.UserIDs
	if req.UserID > 0 {
		ids = append(ids, req.UserID)
	}

	ctx := c.Request.Context()
	added := 0
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, err := h.store.GetUserByID(ctx, id); err != nil {
			continue
		}
		err := h.store.AddMember(ctx, roomID, id)
		if errors.Is(err, store.ErrAlreadyMember) {
			continue
		}
		if err != nil {
			internalError(c, "member add failed", err)
			return
		}
		added++
		h.invalidateRooms(ctx, id)
		h.broadcastUser(ctx, id, "room_members_updated", gin.H{"room_id": roomID})
	}
	if added == 0 {
		jsonError(c, http.StatusBadRequest, msgAlreadyMember, "already_member")
		return
	}

	h.broadcastRoom(ctx, roomID, "room_members_updated", gin.H{"room_id": roomID})
	c.JSON(http.StatusOK, gin.H{"success": true, "added_count": added})
}

// leaveRoom is idempotent: leaving a room you are not in reports
// already_left instead of failing.
func (h *Handlers) leaveRoom(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	user := middleware.User(c)

	member, err := h.store.IsMember(ctx, roomID, user.ID)
	if err != nil {
		internalError(c, "membership check failed", err)
		return
	}
	if !member {
		c.JSON(http.StatusOK, gin.H{"success": true, "left": false, "already_left": true})
		return
	}

	promoted, err := h.store.LeaveRoom(ctx, roomID, user.ID)
	if err != nil {
		internalError(c, "room leave failed", err)
		return
	}

	h.invalidateRooms(ctx, user.ID)
	h.systemMessage(ctx, roomID, user.ID, fmt.Sprintf("%s님이 대화방을 나갔습니다.", user.Nickname))
	h.broadcastRoom(ctx, roomID, "room_members_updated", gin.H{"room_id": roomID})
	if promoted > 0 {
		h.broadcastRoom(ctx, roomID, "admin_updated", gin.H{
			"room_id":  roomID,
			"user_id":  promoted,
			"is_admin": true,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "left": true, "already_left": false})
}

func (h *Handlers) kickMember(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	targetID, ok := paramID(c, "uid")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	actor := middleware.User(c)

	if !h.requireMember(c, roomID, actor.ID) {
		return
	}
	if !h.requireAdmin(c, roomID, actor.ID, msgKickAdminOnly) {
		return
	}
	if targetID == actor.ID {
		// Denied self-kicks still land in the audit trail.
		if err := h.store.LogAdminAction(ctx, roomID, actor.ID, targetID, "kick_denied_self", nil); err != nil {
			logging.Warn(ctx, "Failed to write admin audit entry", zap.Error(err))
		}
		jsonError(c, http.StatusBadRequest, msgKickSelf, "self_kick")
		return
	}

	target, err := h.store.GetUserByID(ctx, targetID)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusBadRequest, msgNotRoomMember, "not_a_member")
		return
	}
	if err != nil {
		internalError(c, "target lookup failed", err)
		return
	}

	err = h.store.KickMember(ctx, roomID, actor.ID, targetID)
	switch {
	case errors.Is(err, store.ErrForbidden):
		jsonError(c, http.StatusForbidden, msgKickAdmin, "cannot_kick_admin")
		return
	case errors.Is(err, store.ErrNotFound):
		jsonError(c, http.StatusBadRequest, msgNotRoomMember, "not_a_member")
		return
	case err != nil:
		internalError(c, "member kick failed", err)
		return
	}

	if err := h.store.LogAdminAction(ctx, roomID, actor.ID, targetID, "kick_member",
		map[string]any{"source": "api"}); err != nil {
		logging.Warn(ctx, "Failed to write admin audit entry", zap.Error(err))
	}

	h.invalidateRooms(ctx, targetID)
	h.systemMessage(ctx, roomID, actor.ID, fmt.Sprintf("%s님이 내보내졌습니다.", target.Nickname))
	h.broadcastRoom(ctx, roomID, "room_members_updated", gin.H{"room_id": roomID})
	h.broadcastUser(ctx, targetID, "room_members_updated", gin.H{"room_id": roomID})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) renameRoom(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	user := middleware.User(c)
	if !h.requireMember(c, roomID, user.ID) {
		return
	}
	if !h.requireAdmin(c, roomID, user.ID, msgRenameAdminOnly) {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if !bindJSON(c, &req) {
		return
	}
	name := crypt.SanitizeInput(req.Name, 50)
	if name == "" {
		jsonError(c, http.StatusBadRequest, msgMissingRoomName, "missing_room_name")
		return
	}

	ctx := c.Request.Context()
	if err := h.store.RenameRoom(ctx, roomID, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(c, http.StatusBadRequest, msgBadRequest, "not_renamable")
			return
		}
		internalError(c, "room rename failed", err)
		return
	}

	h.systemMessage(ctx, roomID, user.ID, fmt.Sprintf("%s님이 방 이름을 '%s'(으)로 변경했습니다.", user.Nickname, name))
	h.broadcastRoom(ctx, roomID, "room_name_updated", gin.H{"room_id": roomID, "name": name})
	c.JSON(http.StatusOK, gin.H{"success": true, "name": name})
}

func (h *Handlers) pinRoom(c *gin.Context) {
	h.setRoomFlag(c, "pinned", h.store.SetRoomPinned)
}

func (h *Handlers) muteRoom(c *gin.Context) {
	h.setRoomFlag(c, "muted", h.store.SetRoomMuted)
}

// setRoomFlag flips a per-member room-list flag. The flag defaults to true so
// a bare POST pins/mutes.
func (h *Handlers) setRoomFlag(c *gin.Context, field string,
	set func(ctx context.Context, roomID, userID int64, value bool) error) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	value := true
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err == nil {
		if v, ok := body[field].(bool); ok {
			value = v
		}
	}

	ctx := c.Request.Context()
	if err := set(ctx, roomID, userID, value); err != nil {
		internalError(c, "room flag update failed", err)
		return
	}
	h.invalidateRooms(ctx, userID)
	h.broadcastUser(ctx, userID, "room_updated", gin.H{"room_id": roomID})
	c.JSON(http.StatusOK, gin.H{"success": true, field: value})
}

func (h *Handlers) listAdmins(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	members, err := h.store.ListMembers(c.Request.Context(), roomID)
	if err != nil {
		internalError(c, "member listing failed", err)
		return
	}
	admins := []store.Member{}
	for _, m := range members {
		if m.Role == "admin" {
			admins = append(admins, m)
		}
	}
	c.JSON(http.StatusOK, gin.H{"admins": admins})
}

func (h *Handlers) setAdmin(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	actorID := middleware.UserID(c)
	if !h.requireMember(c, roomID, actorID) {
		return
	}
	if !h.requireAdmin(c, roomID, actorID, "") {
		return
	}

	var req struct {
		UserID  int64 `json:"user_id"`
		IsAdmin bool  `json:"is_admin"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.UserID <= 0 {
		jsonError(c, http.StatusBadRequest, msgSelectUser, "missing_user_id")
		return
	}

	ctx := c.Request.Context()
	if !req.IsAdmin {
		admins, err := h.store.ListAdminIDs(ctx, roomID)
		if err != nil {
			internalError(c, "admin listing failed", err)
			return
		}
		if len(admins) == 1 && admins[0] == req.UserID {
			jsonError(c, http.StatusBadRequest, msgLastAdmin, "last_admin")
			return
		}
	}

	err := h.store.SetAdmin(ctx, roomID, req.UserID, req.IsAdmin)
	switch {
	case errors.Is(err, store.ErrForbidden):
		jsonError(c, http.StatusBadRequest, msgBadRequest, "cannot_demote_creator")
		return
	case errors.Is(err, store.ErrNotFound):
		jsonError(c, http.StatusBadRequest, msgNotRoomMember, "not_a_member")
		return
	case err != nil:
		internalError(c, "admin change failed", err)
		return
	}

	action := "unset_admin"
	if req.IsAdmin {
		action = "set_admin"
	}
	if err := h.store.LogAdminAction(ctx, roomID, actorID, req.UserID, action,
		map[string]any{"source": "api"}); err != nil {
		logging.Warn(ctx, "Failed to write admin audit entry", zap.Error(err))
	}

	h.broadcastRoom(ctx, roomID, "admin_updated", gin.H{
		"room_id":  roomID,
		"user_id":  req.UserID,
		"is_admin": req.IsAdmin,
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) adminCheck(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}
	admin, err := h.store.IsAdmin(c.Request.Context(), roomID, userID)
	if err != nil {
		internalError(c, "admin check failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_admin": admin})
}

func (h *Handlers) adminAuditLogs(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}
	if !h.requireAdmin(c, roomID, userID, "") {
		return
	}

	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if offset < 0 {
		offset = 0
	}
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit < 1 || limit > 200 {
		limit = 50
	}

	entries, total, err := h.store.ListAdminAuditLogs(c.Request.Context(), roomID, offset, limit)
	if err != nil {
		internalError(c, "audit log listing failed", err)
		return
	}
	if entries == nil {
		entries = []store.AdminAuditEntry{}
	}

	if c.Query("format") == "csv" {
		writeAuditCSV(c, roomID, entries)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":   entries,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// writeAuditCSV streams the audit trail with a fixed column order so exports
// stay diffable across versions.
func writeAuditCSV(c *gin.Context, roomID int64, entries []store.AdminAuditEntry) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition",
		fmt.Sprintf(`attachment; filename="room_%d_admin_audit_logs.csv"`, roomID))

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"id", "room_id", "actor", "target", "action", "metadata", "created_at"})
	for _, e := range entries {
		_ = w.Write([]string{
			strconv.FormatInt(e.ID, 10),
			strconv.FormatInt(e.RoomID, 10),
			e.ActorName,
			e.TargetName,
			e.Action,
			e.MetadataJSON,
			e.CreatedAt,
		})
	}
	w.Flush()
}
