package realtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/metrics"
	"github.com/woorichat/woorichat/internal/v1/store"
)

// User-visible event errors. Technical detail goes to the log only.
const (
	msgSessionExpired  = "세션이 만료되었거나 다른 세션에서 무효화되었습니다."
	msgNoRoomAccess    = "대화방 접근 권한이 없습니다."
	msgBadRequest      = "잘못된 요청입니다."
	msgBadRoomID       = "잘못된 대화방 ID입니다."
	msgSendRateLimited = "메시지 전송 속도 제한을 초과했습니다."
	msgPinRateLimited  = "공지 변경 속도 제한을 초과했습니다."
	msgTokenConsumed   = "업로드 토큰이 이미 사용되었거나 만료되었습니다."
	msgMessageSaveFail = "메시지 저장에 실패했습니다."
	msgEditOwnOnly     = "본인의 메시지만 수정할 수 있습니다."
	msgDeleteOwnOnly   = "본인의 메시지만 삭제할 수 있습니다."
	msgEditFailed      = "메시지 수정에 실패했습니다."
	msgDeleteFailed    = "메시지 삭제에 실패했습니다."
	msgAdminRename     = "관리자만 방 이름을 변경할 수 있습니다."
	msgAdminOnly       = "관리자만 권한을 변경할 수 있습니다."
	msgMemberPins      = "대화방 멤버만 공지를 수정할 수 있습니다."
	msgMemberReactions = "대화방 멤버만 리액션을 추가할 수 있습니다."
	msgMemberPollEdit  = "대화방 멤버만 투표를 업데이트할 수 있습니다."
	msgMemberPollNew   = "대화방 멤버만 투표를 생성할 수 있습니다."
)

const maxContentRunes = 10000

// broadcastMessage wraps a persisted message with the member count still to
// read it.
type broadcastMessage struct {
	*store.Message
	UnreadCount int64 `json:"unread_count"`
}

// dispatch revalidates the session and routes one inbound frame. A stale
// session token disconnects the client, which is how "log out everywhere"
// reaches live sockets.
func (h *Hub) dispatch(ctx context.Context, c *Client, frame Frame) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.SocketEvents.WithLabelValues(frame.Name, status).Inc()
		metrics.EventHandlingDuration.WithLabelValues(frame.Name).Observe(time.Since(start).Seconds())
	}()

	user, err := h.store.GetUserByID(ctx, c.userID)
	if err != nil || user.SessionToken == "" ||
		subtle.ConstantTimeCompare([]byte(user.SessionToken), []byte(c.sessionToken)) != 1 {
		logging.Warn(ctx, "Socket session invalidated", zap.Int64("userId", c.userID), zap.String("event", frame.Name))
		c.EmitError(msgSessionExpired)
		c.Disconnect()
		status = "rejected"
		return
	}

	switch frame.Name {
	case "subscribe_rooms":
		status = h.onSubscribeRooms(ctx, c, frame.Data)
	case "join_room":
		status = h.onJoinRoom(ctx, c, frame.Data)
	case "leave_room":
		status = h.onLeaveRoom(ctx, c, frame.Data)
	case "send_message":
		status = h.onSendMessage(ctx, c, frame.Data)
	case "message_read":
		status = h.onMessageRead(ctx, c, frame.Data)
	case "typing":
		status = h.onTyping(ctx, c, user, frame.Data)
	case "edit_message":
		status = h.onEditMessage(ctx, c, frame.Data)
	case "delete_message":
		status = h.onDeleteMessage(ctx, c, frame.Data)
	case "pin_updated":
		status = h.onPinUpdated(ctx, c, user, frame.Data)
	case "reaction_updated":
		status = h.onReactionUpdated(ctx, c, frame.Data)
	case "poll_created":
		status = h.onPollNotify(ctx, c, frame.Data, "poll_created", msgMemberPollNew)
	case "poll_updated":
		status = h.onPollNotify(ctx, c, frame.Data, "poll_updated", msgMemberPollEdit)
	case "admin_updated":
		status = h.onAdminUpdated(ctx, c, frame.Data)
	case "room_name_updated":
		status = h.onRoomNameUpdated(ctx, c, user, frame.Data)
	case "room_members_updated":
		status = h.onRoomMembersUpdated(ctx, c, frame.Data)
	case "profile_updated":
		status = h.onProfileUpdated(ctx, c, user)
	default:
		status = "ignored"
	}
}

func (h *Hub) onSubscribeRooms(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		RoomIDs []int64 `json:"room_ids"`
	}
	if err := json.Unmarshal(data, &req); err != nil || len(req.RoomIDs) == 0 {
		return "ignored"
	}
	for _, roomID := range req.RoomIDs {
		if roomID <= 0 {
			continue
		}
		if h.memberOf(ctx, c.userID, roomID) {
			h.joinLocal(c, roomID)
		}
	}
	return "ok"
}

func (h *Hub) onJoinRoom(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		RoomID int64 `json:"room_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 {
		return "ignored"
	}
	if !h.memberOf(ctx, c.userID, req.RoomID) {
		c.EmitError(msgNoRoomAccess)
		return "rejected"
	}
	h.joinLocal(c, req.RoomID)
	c.Emit("joined_room", map[string]int64{"room_id": req.RoomID})
	return "ok"
}

func (h *Hub) onLeaveRoom(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		RoomID int64 `json:"room_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 {
		return "ignored"
	}
	h.leaveLocal(c, req.RoomID)
	h.InvalidateRooms(ctx, c.userID)
	return "ok"
}

func (h *Hub) onSendMessage(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		RoomID      int64  `json:"room_id"`
		Type        string `json:"type"`
		Content     string `json:"content"`
		ReplyTo     int64  `json:"reply_to"`
		Encrypted   *bool  `json:"encrypted"`
		UploadToken string `json:"upload_token"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		c.EmitError(msgBadRequest)
		return "rejected"
	}

	if req.RoomID <= 0 {
		c.EmitError(msgBadRoomID)
		return "rejected"
	}
	if !h.memberOf(ctx, c.userID, req.RoomID) {
		c.EmitError(msgNoRoomAccess)
		return "rejected"
	}

	// The quota only counts attempts that passed the membership gate.
	quotaKey := fmt.Sprintf("socket:send_message:%d", c.userID)
	if h.state.Incr(ctx, quotaKey, quotaWindow) > int64(h.cfg.SendMessagePerMinute) {
		c.EmitError(msgSendRateLimited)
		return "rejected"
	}

	content := truncateRunes(strings.TrimSpace(req.Content), maxContentRunes)

	// System messages are server-minted only; anything unknown falls back
	// to text.
	messageType := req.Type
	switch messageType {
	case "text", "file", "image":
	default:
		messageType = "text"
	}

	encrypted := true
	if req.Encrypted != nil {
		encrypted = *req.Encrypted
	}

	var filePath, fileName, fileType string
	var fileSize int64
	if messageType == "file" || messageType == "image" {
		if reason := h.tokens.FailureReason(ctx, req.UploadToken, c.userID, req.RoomID, messageType); reason != "" {
			c.EmitError(reason)
			return "rejected"
		}
		td := h.tokens.Consume(ctx, req.UploadToken, c.userID, req.RoomID, messageType)
		if td == nil {
			c.EmitError(msgTokenConsumed)
			return "rejected"
		}
		filePath = td.FilePath
		fileName = td.FileName
		fileType = td.FileType
		fileSize = td.FileSize
		encrypted = false
		if fileName != "" {
			content = fileName
		}
	}

	if content == "" && filePath == "" {
		return "ignored"
	}

	msg, err := h.store.CreateMessage(ctx, store.NewMessage{
		RoomID:      req.RoomID,
		SenderID:    c.userID,
		Content:     content,
		Encrypted:   encrypted,
		MessageType: messageType,
		FilePath:    filePath,
		FileName:    fileName,
		ReplyTo:     req.ReplyTo,
	})
	if err != nil {
		logging.Error(ctx, "Failed to persist message", zap.Int64("roomId", req.RoomID), zap.Error(err))
		if filePath != "" {
			logging.Warn(ctx, "Potential orphan upload after message failure",
				zap.Int64("roomId", req.RoomID), zap.Int64("userId", c.userID), zap.String("path", filePath))
		}
		c.EmitError(msgMessageSaveFail)
		return "error"
	}
	metrics.MessagesPersisted.WithLabelValues(messageType).Inc()

	if filePath != "" {
		if _, err := h.store.CreateRoomFile(ctx, req.RoomID, msg.ID, filePath, fileName, fileType, fileSize, c.userID); err != nil {
			// Message stays; the missing catalog entry is recoverable.
			logging.Warn(ctx, "Failed to record room file, potential orphan upload",
				zap.Int64("roomId", req.RoomID), zap.Int64("userId", c.userID), zap.String("path", filePath), zap.Error(err))
		}
	}

	h.BroadcastRoom(ctx, req.RoomID, "new_message", broadcastMessage{
		Message:     msg,
		UnreadCount: h.unreadForMessage(ctx, msg),
	})
	h.BroadcastRoom(ctx, req.RoomID, "room_updated", map[string]int64{"room_id": req.RoomID})
	return "ok"
}

// unreadForMessage counts members still to read msg, excluding the sender.
func (h *Hub) unreadForMessage(ctx context.Context, msg *store.Message) int64 {
	lastReads, err := h.store.RoomLastReads(ctx, msg.RoomID)
	if err != nil {
		logging.Warn(ctx, "Failed to load read cursors", zap.Int64("roomId", msg.RoomID), zap.Error(err))
		return 0
	}
	var unread int64
	for _, lr := range lastReads {
		if lr.UserID != msg.SenderID && lr.LastReadID < msg.ID {
			unread++
		}
	}
	return unread
}

func (h *Hub) onMessageRead(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		RoomID    int64 `json:"room_id"`
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 || req.MessageID <= 0 {
		return "ignored"
	}
	if !h.memberOf(ctx, c.userID, req.RoomID) {
		return "rejected"
	}

	advanced, err := h.store.AdvanceLastRead(ctx, req.RoomID, c.userID, req.MessageID)
	if err != nil {
		logging.Error(ctx, "Failed to advance read cursor", zap.Int64("roomId", req.RoomID), zap.Error(err))
		return "error"
	}
	if advanced {
		h.BroadcastRoom(ctx, req.RoomID, "read_updated", map[string]int64{
			"room_id":    req.RoomID,
			"user_id":    c.userID,
			"message_id": req.MessageID,
		})
	}
	return "ok"
}

func (h *Hub) onTyping(ctx context.Context, c *Client, user *store.User, data json.RawMessage) string {
	var req struct {
		RoomID   int64 `json:"room_id"`
		IsTyping bool  `json:"is_typing"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 {
		return "ignored"
	}
	if !h.memberOf(ctx, c.userID, req.RoomID) {
		return "rejected"
	}
	if !h.typingAllowed(c.userID, req.RoomID) {
		return "ignored"
	}

	h.broadcastRoomLocal(req.RoomID, "user_typing", map[string]any{
		"room_id":   req.RoomID,
		"user_id":   c.userID,
		"nickname":  user.Nickname,
		"is_typing": req.IsTyping,
	}, c.userID)
	if err := h.bus.Publish(ctx, req.RoomID, "user_typing", map[string]any{
		"room_id":   req.RoomID,
		"user_id":   c.userID,
		"nickname":  user.Nickname,
		"is_typing": req.IsTyping,
	}); err != nil {
		logging.Warn(ctx, "Bus publish failed", zap.String("event", "user_typing"), zap.Error(err))
	}
	return "ok"
}

func (h *Hub) onEditMessage(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		MessageID int64  `json:"message_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		c.EmitError(msgBadRequest)
		return "rejected"
	}
	content := truncateRunes(strings.TrimSpace(req.Content), maxContentRunes)
	if req.MessageID <= 0 || content == "" {
		c.EmitError(msgBadRequest)
		return "rejected"
	}

	msg, err := h.store.EditMessage(ctx, req.MessageID, c.userID, content)
	switch {
	case errors.Is(err, store.ErrForbidden):
		c.EmitError(msgEditOwnOnly)
		return "rejected"
	case errors.Is(err, store.ErrNotFound):
		c.EmitError(msgBadRequest)
		return "rejected"
	case err != nil:
		logging.Error(ctx, "Failed to edit message", zap.Int64("messageId", req.MessageID), zap.Error(err))
		c.EmitError(msgEditFailed)
		return "error"
	}

	h.BroadcastRoom(ctx, msg.RoomID, "message_edited", map[string]any{
		"message_id": msg.ID,
		"content":    msg.Content,
		"encrypted":  msg.Encrypted,
	})
	return "ok"
}

func (h *Hub) onDeleteMessage(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.MessageID <= 0 {
		c.EmitError(msgBadRequest)
		return "rejected"
	}

	roomID, orphanPath, err := h.store.DeleteMessage(ctx, req.MessageID, c.userID)
	switch {
	case errors.Is(err, store.ErrForbidden):
		c.EmitError(msgDeleteOwnOnly)
		return "rejected"
	case errors.Is(err, store.ErrNotFound):
		c.EmitError(msgBadRequest)
		return "rejected"
	case err != nil:
		logging.Error(ctx, "Failed to delete message", zap.Int64("messageId", req.MessageID), zap.Error(err))
		c.EmitError(msgDeleteFailed)
		return "error"
	}

	h.removeUploadFile(orphanPath)
	h.BroadcastRoom(ctx, roomID, "message_deleted", map[string]int64{"message_id": req.MessageID})
	return "ok"
}

func (h *Hub) onPinUpdated(ctx context.Context, c *Client, user *store.User, data json.RawMessage) string {
	var req struct {
		RoomID int64 `json:"room_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 {
		return "ignored"
	}
	if !h.memberOf(ctx, c.userID, req.RoomID) {
		c.EmitError(msgMemberPins)
		return "rejected"
	}

	quotaKey := fmt.Sprintf("socket:pin_updated:%d", c.userID)
	if h.state.Incr(ctx, quotaKey, quotaWindow) > int64(h.cfg.PinUpdatedPerMinute) {
		c.EmitError(msgPinRateLimited)
		return "rejected"
	}

	h.systemMessage(ctx, req.RoomID, c.userID, fmt.Sprintf("%s님이 공지사항을 업데이트했습니다.", user.Nickname))

	pins, err := h.store.ListPinnedMessages(ctx, req.RoomID)
	if err != nil {
		logging.Error(ctx, "Failed to load pins", zap.Int64("roomId", req.RoomID), zap.Error(err))
		return "error"
	}
	h.BroadcastRoom(ctx, req.RoomID, "pin_updated", map[string]any{
		"room_id": req.RoomID,
		"pins":    pins,
	})
	return "ok"
}

func (h *Hub) onReactionUpdated(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		RoomID    int64 `json:"room_id"`
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 || req.MessageID <= 0 {
		c.EmitError(msgBadRequest)
		return "rejected"
	}
	if !h.memberOf(ctx, c.userID, req.RoomID) {
		c.EmitError(msgMemberReactions)
		return "rejected"
	}
	if roomID, err := h.store.MessageRoomID(ctx, req.MessageID); err != nil || roomID != req.RoomID {
		c.EmitError(msgBadRequest)
		return "rejected"
	}

	// The canonical payload comes from the store, never from the client.
	reactions, err := h.store.MessageReactionList(ctx, req.MessageID)
	if err != nil {
		logging.Error(ctx, "Failed to load reactions", zap.Int64("messageId", req.MessageID), zap.Error(err))
		return "error"
	}
	h.BroadcastRoom(ctx, req.RoomID, "reaction_updated", map[string]any{
		"message_id": req.MessageID,
		"reactions":  reactions,
	})
	return "ok"
}

func (h *Hub) onPollNotify(ctx context.Context, c *Client, data json.RawMessage, event, memberMsg string) string {
	var req struct {
		RoomID int64 `json:"room_id"`
		PollID int64 `json:"poll_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 || req.PollID <= 0 {
		c.EmitError(msgBadRequest)
		return "rejected"
	}
	if !h.memberOf(ctx, c.userID, req.RoomID) {
		c.EmitError(memberMsg)
		return "rejected"
	}

	poll, err := h.store.GetPoll(ctx, req.PollID, 0)
	if err != nil || poll.RoomID != req.RoomID {
		c.EmitError(msgBadRequest)
		return "rejected"
	}
	h.BroadcastRoom(ctx, req.RoomID, event, map[string]any{"poll": poll})
	return "ok"
}

func (h *Hub) onAdminUpdated(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		RoomID  int64 `json:"room_id"`
		UserID  int64 `json:"user_id"`
		IsAdmin bool  `json:"is_admin"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 || req.UserID <= 0 {
		c.EmitError(msgBadRequest)
		return "rejected"
	}

	isAdmin, err := h.store.IsAdmin(ctx, req.RoomID, c.userID)
	if err != nil || !isAdmin {
		c.EmitError(msgAdminOnly)
		return "rejected"
	}

	if err := h.store.SetAdmin(ctx, req.RoomID, req.UserID, req.IsAdmin); err != nil {
		if errors.Is(err, store.ErrForbidden) || errors.Is(err, store.ErrNotFound) {
			c.EmitError(msgBadRequest)
			return "rejected"
		}
		logging.Error(ctx, "Failed to change admin role", zap.Int64("roomId", req.RoomID), zap.Error(err))
		c.EmitError(msgBadRequest)
		return "error"
	}

	if err := h.store.LogAdminAction(ctx, req.RoomID, c.userID, req.UserID, "admin_updated",
		map[string]any{"is_admin": req.IsAdmin}); err != nil {
		logging.Warn(ctx, "Failed to write admin audit entry", zap.Error(err))
	}

	h.BroadcastRoom(ctx, req.RoomID, "admin_updated", map[string]any{
		"room_id":  req.RoomID,
		"user_id":  req.UserID,
		"is_admin": req.IsAdmin,
	})
	return "ok"
}

func (h *Hub) onRoomNameUpdated(ctx context.Context, c *Client, user *store.User, data json.RawMessage) string {
	var req struct {
		RoomID int64  `json:"room_id"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 || strings.TrimSpace(req.Name) == "" {
		c.EmitError(msgBadRequest)
		return "rejected"
	}
	name := strings.TrimSpace(req.Name)

	isAdmin, err := h.store.IsAdmin(ctx, req.RoomID, c.userID)
	if err != nil || !isAdmin {
		c.EmitError(msgAdminRename)
		return "rejected"
	}

	if err := h.store.RenameRoom(ctx, req.RoomID, name); err != nil {
		logging.Error(ctx, "Failed to rename room", zap.Int64("roomId", req.RoomID), zap.Error(err))
		c.EmitError(msgBadRequest)
		return "error"
	}

	if err := h.store.LogAdminAction(ctx, req.RoomID, c.userID, 0, "room_renamed",
		map[string]any{"name": name}); err != nil {
		logging.Warn(ctx, "Failed to write admin audit entry", zap.Error(err))
	}

	h.systemMessage(ctx, req.RoomID, c.userID, fmt.Sprintf("%s님이 방 이름을 '%s'(으)로 변경했습니다.", user.Nickname, name))
	h.BroadcastRoom(ctx, req.RoomID, "room_name_updated", map[string]any{
		"room_id": req.RoomID,
		"name":    name,
	})
	return "ok"
}

func (h *Hub) onRoomMembersUpdated(ctx context.Context, c *Client, data json.RawMessage) string {
	var req struct {
		RoomID int64 `json:"room_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID <= 0 {
		return "ignored"
	}
	if !h.memberOf(ctx, c.userID, req.RoomID) {
		return "rejected"
	}
	h.BroadcastRoom(ctx, req.RoomID, "room_members_updated", map[string]int64{"room_id": req.RoomID})
	return "ok"
}

// onProfileUpdated broadcasts the authoritative profile from the store; any
// client-claimed nickname or image is ignored.
func (h *Hub) onProfileUpdated(ctx context.Context, c *Client, user *store.User) string {
	payload := map[string]any{
		"user_id":       user.ID,
		"nickname":      user.Nickname,
		"profile_image": user.ProfileImage,
	}
	h.broadcastAllLocal("user_profile_updated", payload, c.userID)
	if err := h.bus.Publish(ctx, 0, "user_profile_updated", payload); err != nil {
		logging.Warn(ctx, "Bus publish failed", zap.String("event", "user_profile_updated"), zap.Error(err))
	}
	return "ok"
}

// systemMessage persists and broadcasts a system-type message.
func (h *Hub) systemMessage(ctx context.Context, roomID, senderID int64, content string) {
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
	metrics.MessagesPersisted.WithLabelValues("system").Inc()
	h.BroadcastRoom(ctx, roomID, "new_message", broadcastMessage{
		Message:     msg,
		UnreadCount: h.unreadForMessage(ctx, msg),
	})
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
