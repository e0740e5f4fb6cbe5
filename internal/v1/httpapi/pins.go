package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/store"
)

const (
	msgMissingPinTarget = "고정할 메시지 또는 내용을 입력해주세요."
	msgPinNotFound      = "공지를 찾을 수 없습니다."
	msgNoPermission     = "접근 권한이 없습니다."
)

func (h *Handlers) listPins(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if !h.requireMember(c, roomID, middleware.UserID(c)) {
		return
	}
	pins, err := h.store.ListPinnedMessages(c.Request.Context(), roomID)
	if err != nil {
		internalError(c, "pin listing failed", err)
		return
	}
	if pins == nil {
		pins = []store.PinnedMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"pins": pins})
}

// createPin pins either an existing message or free-form notice text.
func (h *Handlers) createPin(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	user := middleware.User(c)
	if !h.requireMember(c, roomID, user.ID) {
		return
	}

	var req struct {
		MessageID int64  `json:"message_id"`
		Content   string `json:"content"`
	}
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	var pin *store.PinnedMessage
	var err error
	switch {
	case req.MessageID > 0:
		pin, err = h.store.PinMessage(ctx, roomID, req.MessageID, user.ID)
		if errors.Is(err, store.ErrNotFound) {
			jsonError(c, http.StatusNotFound, msgMessageNotFound, "message_not_found")
			return
		}
	default:
		content := crypt.SanitizeInput(req.Content, 500)
		if content == "" {
			jsonError(c, http.StatusBadRequest, msgMissingPinTarget, "missing_pin_target")
			return
		}
		pin, err = h.store.PinNotice(ctx, roomID, content, user.ID)
	}
	if err != nil {
		internalError(c, "pin creation failed", err)
		return
	}

	h.systemMessage(ctx, roomID, user.ID, fmt.Sprintf("%s님이 공지사항을 업데이트했습니다.", user.Nickname))
	h.broadcastPins(c, roomID)
	c.JSON(http.StatusCreated, gin.H{"success": true, "pin": pin})
}

// deletePin removes a pin. Only the pinner or a room admin may remove it.
func (h *Handlers) deletePin(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	pinID, ok := paramID(c, "pinID")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	ctx := c.Request.Context()
	pins, err := h.store.ListPinnedMessages(ctx, roomID)
	if err != nil {
		internalError(c, "pin listing failed", err)
		return
	}
	var target *store.PinnedMessage
	for i := range pins {
		if pins[i].ID == pinID {
			target = &pins[i]
			break
		}
	}
	if target == nil {
		jsonError(c, http.StatusNotFound, msgPinNotFound, "pin_not_found")
		return
	}
	if target.PinnedBy != userID {
		admin, err := h.store.IsAdmin(ctx, roomID, userID)
		if err != nil {
			internalError(c, "admin check failed", err)
			return
		}
		if !admin {
			jsonError(c, http.StatusForbidden, msgNoPermission, "forbidden")
			return
		}
	}

	if err := h.store.DeletePin(ctx, pinID, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(c, http.StatusNotFound, msgPinNotFound, "pin_not_found")
			return
		}
		internalError(c, "pin delete failed", err)
		return
	}

	h.broadcastPins(c, roomID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// broadcastPins pushes the canonical pin list to the room.
func (h *Handlers) broadcastPins(c *gin.Context, roomID int64) {
	ctx := c.Request.Context()
	pins, err := h.store.ListPinnedMessages(ctx, roomID)
	if err != nil {
		return
	}
	if pins == nil {
		pins = []store.PinnedMessage{}
	}
	h.broadcastRoom(ctx, roomID, "pin_updated", gin.H{"room_id": roomID, "pins": pins})
}
