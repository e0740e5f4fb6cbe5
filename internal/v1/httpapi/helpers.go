package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/store"
)

const (
	msgBadRequest   = "잘못된 요청입니다."
	msgNotMember    = "대화방 접근 권한이 없습니다."
	msgAdminOnly    = "관리자 권한이 필요합니다."
	msgServerError  = "서버 오류가 발생했습니다."
	msgRoomNotFound = "대화방을 찾을 수 없습니다."
)

// jsonError writes the localized error envelope. Garbled messages are swapped
// for a safe default before they reach the client.
func jsonError(c *gin.Context, status int, message, code string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": crypt.SafeClientMessage(message, msgServerError),
		"code":  code,
	})
}

func internalError(c *gin.Context, what string, err error) {
	logging.Error(c.Request.Context(), what, zap.Error(err))
	jsonError(c, http.StatusInternalServerError, msgServerError, "internal_error")
}

// bindJSON decodes the request body into out, rejecting malformed or
// non-object bodies with a stable code.
func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		jsonError(c, http.StatusBadRequest, msgBadRequest, "invalid_json")
		return false
	}
	return true
}

// paramID parses a positive integer path parameter.
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		jsonError(c, http.StatusBadRequest, msgBadRequest, "invalid_id")
		return 0, false
	}
	return id, true
}

// requireMember gates a room-scoped endpoint on membership.
func (h *Handlers) requireMember(c *gin.Context, roomID, userID int64) bool {
	member, err := h.store.IsMember(c.Request.Context(), roomID, userID)
	if err != nil {
		internalError(c, "membership check failed", err)
		return false
	}
	if !member {
		jsonError(c, http.StatusForbidden, msgNotMember, "not_a_member")
		return false
	}
	return true
}

// requireAdmin gates a privileged endpoint on the admin role. message lets
// callers keep the original per-endpoint wording.
func (h *Handlers) requireAdmin(c *gin.Context, roomID, userID int64, message string) bool {
	admin, err := h.store.IsAdmin(c.Request.Context(), roomID, userID)
	if err != nil {
		internalError(c, "admin check failed", err)
		return false
	}
	if !admin {
		if message == "" {
			message = msgAdminOnly
		}
		jsonError(c, http.StatusForbidden, message, "admin_required")
		return false
	}
	return true
}

// randomToken mints an opaque session token.
func randomToken() string {
	var buf [32]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func clientMeta(c *gin.Context) (ip, userAgent string) {
	return c.ClientIP(), c.Request.UserAgent()
}

func (h *Handlers) broadcastRoom(ctx context.Context, roomID int64, event string, payload any) {
	if h.hub != nil {
		h.hub.BroadcastRoom(ctx, roomID, event, payload)
	}
}

func (h *Handlers) broadcastUser(ctx context.Context, userID int64, event string, payload any) {
	if h.hub != nil {
		h.hub.BroadcastUser(ctx, userID, event, payload)
	}
}

func (h *Handlers) invalidateRooms(ctx context.Context, userID int64) {
	if h.hub != nil {
		h.hub.InvalidateRooms(ctx, userID)
	}
}

// unreadMessage decorates a message with the member count still to read it.
type unreadMessage struct {
	*store.Message
	UnreadCount int64 `json:"unread_count"`
}

// systemMessage persists a system-type message and broadcasts it like a
// regular new_message frame.
func (h *Handlers) systemMessage(ctx context.Context, roomID, senderID int64, content string) {
	msg, err := h.store.CreateMessage(ctx, store.NewMessage{
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     content,
		MessageType: "system",
	})
	if err != nil {
		logging.Error(ctx, "Failed to persist system message", zap.Int64("roomId", roomID), zap.Error(err))
		return
	}
	h.broadcastRoom(ctx, roomID, "new_message", unreadMessage{
		Message:     msg,
		UnreadCount: h.unreadForMessage(ctx, msg),
	})
}

// unreadForMessage counts members still to read msg, excluding the sender.
func (h *Handlers) unreadForMessage(ctx context.Context, msg *store.Message) int64 {
	lastReads, err := h.store.RoomLastReads(ctx, msg.RoomID)
	if err != nil {
		logging.Warn(ctx, "Failed to load read cursors", zap.Int64("roomId", msg.RoomID), zap.Error(err))
		return 0
	}
	var n int64
	for _, lr := range lastReads {
		if lr.UserID != msg.SenderID && lr.LastReadID < msg.ID {
			n++
		}
	}
	return n
}
