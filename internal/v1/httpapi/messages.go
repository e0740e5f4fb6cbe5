package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/store"
)

const (
	msgMessageNotFound = "메시지를 찾을 수 없습니다."
	msgEditOwnOnly     = "본인의 메시지만 수정할 수 있습니다."
	msgDeleteOwnOnly   = "본인의 메시지만 삭제할 수 있습니다."
	msgEmptyContent    = "메시지 내용을 입력해주세요."
	msgInvalidEmoji    = "유효하지 않은 이모지입니다."
)

func parseLimit(c *gin.Context) int64 {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit < 1 || limit > 200 {
		return 50
	}
	return limit
}

func (h *Handlers) listMessages(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	beforeID, _ := strconv.ParseInt(c.Query("before_id"), 10, 64)
	if beforeID < 0 {
		beforeID = 0
	}
	limit := parseLimit(c)
	includeMeta := c.DefaultQuery("include_meta", "1") != "0"

	ctx := c.Request.Context()
	msgs, err := h.store.ListRoomMessages(ctx, roomID, beforeID, int(limit))
	if err != nil {
		internalError(c, "message listing failed", err)
		return
	}

	// Per-message unread counts come from one sorted pass over the read
	// cursors instead of a per-message member scan.
	lastReads, err := h.store.RoomLastReads(ctx, roomID)
	if err != nil {
		internalError(c, "read cursor load failed", err)
		return
	}
	cursors := make([]int64, 0, len(lastReads))
	cursorByUser := make(map[int64]int64, len(lastReads))
	for _, lr := range lastReads {
		cursors = append(cursors, lr.LastReadID)
		cursorByUser[lr.UserID] = lr.LastReadID
	}
	sort.Slice(cursors, func(i, j int) bool { return cursors[i] < cursors[j] })

	wrapped := make([]unreadMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		unread := int64(sort.Search(len(cursors), func(j int) bool {
			return cursors[j] >= m.ID
		}))
		if senderCursor, isMember := cursorByUser[m.SenderID]; isMember && senderCursor < m.ID {
			unread--
		}
		if unread < 0 {
			unread = 0
		}
		wrapped = append(wrapped, unreadMessage{Message: m, UnreadCount: unread})
	}

	resp := gin.H{"messages": wrapped}
	if includeMeta {
		members, err := h.store.ListMembers(ctx, roomID)
		if err != nil {
			internalError(c, "member listing failed", err)
			return
		}
		key, err := h.store.RoomKey(ctx, roomID)
		if err != nil {
			internalError(c, "room key load failed", err)
			return
		}
		resp["members"] = members
		resp["encryption_key"] = key
	}
	c.JSON(http.StatusOK, resp)
}

// messageRoom resolves a message to its room and gates on membership.
func (h *Handlers) messageRoom(c *gin.Context, messageID int64) (int64, bool) {
	roomID, err := h.store.MessageRoomID(c.Request.Context(), messageID)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, msgMessageNotFound, "message_not_found")
		return 0, false
	}
	if err != nil {
		internalError(c, "message lookup failed", err)
		return 0, false
	}
	if !h.requireMember(c, roomID, middleware.UserID(c)) {
		return 0, false
	}
	return roomID, true
}

func (h *Handlers) getMessage(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, ok := h.messageRoom(c, messageID); !ok {
		return
	}
	msg, err := h.store.GetMessageByID(c.Request.Context(), messageID)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, msgMessageNotFound, "message_not_found")
		return
	}
	if err != nil {
		internalError(c, "message load failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handlers) editMessage(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	roomID, ok := h.messageRoom(c, messageID)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if !bindJSON(c, &req) {
		return
	}
	content := crypt.SanitizeInput(req.Content, 10000)
	if content == "" {
		jsonError(c, http.StatusBadRequest, msgEmptyContent, "empty_content")
		return
	}

	ctx := c.Request.Context()
	msg, err := h.store.EditMessage(ctx, messageID, middleware.UserID(c), content)
	switch {
	case errors.Is(err, store.ErrForbidden):
		jsonError(c, http.StatusForbidden, msgEditOwnOnly, "not_owner")
		return
	case errors.Is(err, store.ErrNotFound):
		jsonError(c, http.StatusNotFound, msgMessageNotFound, "message_not_found")
		return
	case err != nil:
		internalError(c, "message edit failed", err)
		return
	}

	h.broadcastRoom(ctx, roomID, "message_edited", gin.H{
		"message_id": msg.ID,
		"content":    msg.Content,
		"encrypted":  msg.Encrypted,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func (h *Handlers) deleteMessage(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, ok := h.messageRoom(c, messageID); !ok {
		return
	}

	ctx := c.Request.Context()
	roomID, orphanPath, err := h.store.DeleteMessage(ctx, messageID, middleware.UserID(c))
	switch {
	case errors.Is(err, store.ErrForbidden):
		jsonError(c, http.StatusForbidden, msgDeleteOwnOnly, "not_owner")
		return
	case errors.Is(err, store.ErrNotFound):
		jsonError(c, http.StatusNotFound, msgMessageNotFound, "message_not_found")
		return
	case err != nil:
		internalError(c, "message delete failed", err)
		return
	}

	if orphanPath != "" {
		h.removeUploadFile(ctx, orphanPath)
	}
	h.broadcastRoom(ctx, roomID, "message_deleted", gin.H{"message_id": messageID})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) listReactions(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, ok := h.messageRoom(c, messageID); !ok {
		return
	}
	reactions, err := h.store.MessageReactionList(c.Request.Context(), messageID)
	if err != nil {
		internalError(c, "reaction load failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": messageID, "reactions": reactions})
}

func (h *Handlers) toggleReaction(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	roomID, ok := h.messageRoom(c, messageID)
	if !ok {
		return
	}

	var req struct {
		Emoji string `json:"emoji"`
	}
	if !bindJSON(c, &req) {
		return
	}
	emoji := strings.TrimSpace(req.Emoji)
	if n := len([]rune(emoji)); n < 1 || n > 10 {
		jsonError(c, http.StatusBadRequest, msgInvalidEmoji, "invalid_emoji")
		return
	}

	ctx := c.Request.Context()
	added, err := h.store.ToggleReaction(ctx, messageID, middleware.UserID(c), emoji)
	if err != nil {
		internalError(c, "reaction toggle failed", err)
		return
	}
	reactions, err := h.store.MessageReactionList(ctx, messageID)
	if err != nil {
		internalError(c, "reaction load failed", err)
		return
	}

	h.broadcastRoom(ctx, roomID, "reaction_updated", gin.H{
		"message_id": messageID,
		"reactions":  reactions,
	})
	action := "removed"
	if added {
		action = "added"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "action": action, "reactions": reactions})
}

func emptySearchResult(offset, limit int64) *store.SearchResult {
	return &store.SearchResult{Messages: []store.Message{}, Offset: offset, Limit: limit}
}

func (h *Handlers) search(c *gin.Context) {
	userID := middleware.UserID(c)
	q := strings.TrimSpace(c.Query("q"))
	fileOnly := c.Query("file_only") == "1" || c.Query("file_only") == "true"
	dateFrom := strings.TrimSpace(c.Query("date_from"))
	dateTo := strings.TrimSpace(c.Query("date_to"))
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if offset < 0 {
		offset = 0
	}
	limit := parseLimit(c)
	roomID, _ := strconv.ParseInt(c.Query("room_id"), 10, 64)

	// No filters, or a query too short to be selective, is an empty result
	// rather than a full-table dump.
	noFilter := q == "" && !fileOnly && dateFrom == "" && dateTo == ""
	tooShort := q != "" && len([]rune(q)) < 2
	if noFilter || tooShort {
		c.JSON(http.StatusOK, emptySearchResult(offset, limit))
		return
	}

	filter := store.SearchFilter{
		Query:    q,
		FileOnly: fileOnly,
		DateFrom: dateFrom,
		DateTo:   dateTo,
		Offset:   offset,
		Limit:    limit,
	}

	ctx := c.Request.Context()
	var result *store.SearchResult
	var err error
	if roomID > 0 {
		if !h.requireMember(c, roomID, userID) {
			return
		}
		result, err = h.store.AdvancedSearch(ctx, roomID, filter)
	} else {
		result, err = h.store.SearchUserMessages(ctx, userID, filter)
	}
	if err != nil {
		internalError(c, "search failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) advancedSearch(c *gin.Context) {
	var req struct {
		RoomID      int64  `json:"room_id"`
		Query       string `json:"query"`
		SenderID    int64  `json:"sender_id"`
		MessageType string `json:"message_type"`
		FileOnly    bool   `json:"file_only"`
		DateFrom    string `json:"date_from"`
		DateTo      string `json:"date_to"`
		Offset      int64  `json:"offset"`
		Limit       int64  `json:"limit"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Limit < 0 || req.Limit > 200 {
		jsonError(c, http.StatusBadRequest, msgBadRequest, "invalid_limit")
		return
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	filter := store.SearchFilter{
		Query:       strings.TrimSpace(req.Query),
		SenderID:    req.SenderID,
		MessageType: req.MessageType,
		FileOnly:    req.FileOnly,
		DateFrom:    strings.TrimSpace(req.DateFrom),
		DateTo:      strings.TrimSpace(req.DateTo),
		Offset:      req.Offset,
		Limit:       req.Limit,
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	var result *store.SearchResult
	var err error
	if req.RoomID > 0 {
		if !h.requireMember(c, req.RoomID, userID) {
			return
		}
		result, err = h.store.AdvancedSearch(ctx, req.RoomID, filter)
	} else {
		result, err = h.store.SearchUserMessages(ctx, userID, filter)
	}
	if err != nil {
		internalError(c, "advanced search failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}
