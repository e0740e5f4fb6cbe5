package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/store"
)

const (
	msgPollNotFound      = "투표를 찾을 수 없습니다."
	msgMissingQuestion   = "질문을 입력해주세요."
	msgNotEnoughOptions  = "최소 2개의 옵션이 필요합니다."
	msgInvalidEndsAt     = "올바른 날짜/시간 형식이 아닙니다. (ISO 8601)"
	msgEndsAtInPast      = "마감 시간은 현재 시간 이후여야 합니다."
	msgSelectOption      = "옵션을 선택해주세요."
	msgPollClosed        = "종료된 투표입니다."
	msgPollAlreadyVoted  = "이미 투표했습니다."
	maxPollOptions       = 10
	pollTimestampLayout  = "2006-01-02 15:04:05"
)

func (h *Handlers) listPolls(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}
	polls, err := h.store.ListRoomPolls(c.Request.Context(), roomID, userID)
	if err != nil {
		internalError(c, "poll listing failed", err)
		return
	}
	if polls == nil {
		polls = []store.Poll{}
	}
	c.JSON(http.StatusOK, gin.H{"polls": polls})
}

// parseEndsAt accepts ISO 8601 deadlines and normalizes them to the store's
// local-time layout.
func parseEndsAt(raw string) (string, error) {
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", pollTimestampLayout}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, raw, time.Local)
		if err != nil {
			continue
		}
		if !t.After(time.Now()) {
			return "", errPollDeadlinePast
		}
		return t.Local().Format(pollTimestampLayout), nil
	}
	return "", errPollDeadlineFormat
}

var (
	errPollDeadlinePast   = errors.New("poll deadline in the past")
	errPollDeadlineFormat = errors.New("poll deadline format")
)

func (h *Handlers) createPoll(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	var req struct {
		Question       string   `json:"question"`
		Options        []string `json:"options"`
		MultipleChoice bool     `json:"multiple_choice"`
		Anonymous      bool     `json:"anonymous"`
		EndsAt         string   `json:"ends_at"`
	}
	if !bindJSON(c, &req) {
		return
	}

	question := crypt.SanitizeInput(req.Question, 200)
	if question == "" {
		jsonError(c, http.StatusBadRequest, msgMissingQuestion, "missing_question")
		return
	}

	options := make([]string, 0, len(req.Options))
	for _, opt := range req.Options {
		if cleaned := crypt.SanitizeInput(opt, 100); cleaned != "" {
			options = append(options, cleaned)
		}
		if len(options) == maxPollOptions {
			break
		}
	}
	if len(options) < 2 {
		jsonError(c, http.StatusBadRequest, msgNotEnoughOptions, "not_enough_options")
		return
	}

	endsAt := ""
	if req.EndsAt != "" {
		var err error
		endsAt, err = parseEndsAt(req.EndsAt)
		if errors.Is(err, errPollDeadlinePast) {
			jsonError(c, http.StatusBadRequest, msgEndsAtInPast, "ends_at_past")
			return
		}
		if err != nil {
			jsonError(c, http.StatusBadRequest, msgInvalidEndsAt, "invalid_ends_at")
			return
		}
	}

	ctx := c.Request.Context()
	poll, err := h.store.CreatePoll(ctx, roomID, userID, question, options,
		req.MultipleChoice, req.Anonymous, endsAt)
	if err != nil {
		internalError(c, "poll creation failed", err)
		return
	}

	h.broadcastPoll(c, roomID, poll.ID, "poll_created")
	c.JSON(http.StatusCreated, gin.H{"success": true, "poll": poll})
}

func (h *Handlers) votePoll(c *gin.Context) {
	pollID, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	poll, err := h.store.GetPoll(ctx, pollID, userID)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, msgPollNotFound, "poll_not_found")
		return
	}
	if err != nil {
		internalError(c, "poll load failed", err)
		return
	}
	if !h.requireMember(c, poll.RoomID, userID) {
		return
	}

	var req struct {
		OptionID int64 `json:"option_id"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.OptionID <= 0 {
		jsonError(c, http.StatusBadRequest, msgSelectOption, "missing_option_id")
		return
	}

	err = h.store.Vote(ctx, pollID, req.OptionID, userID)
	switch {
	case errors.Is(err, store.ErrPollClosed):
		jsonError(c, http.StatusBadRequest, msgPollClosed, "poll_closed")
		return
	case errors.Is(err, store.ErrOptionMismatch):
		jsonError(c, http.StatusBadRequest, msgBadRequest, "invalid_poll_option")
		return
	case errors.Is(err, store.ErrAlreadyVoted):
		jsonError(c, http.StatusBadRequest, msgPollAlreadyVoted, "already_voted")
		return
	case err != nil:
		internalError(c, "vote failed", err)
		return
	}

	updated, err := h.store.GetPoll(ctx, pollID, userID)
	if err != nil {
		internalError(c, "poll reload failed", err)
		return
	}
	h.broadcastPoll(c, poll.RoomID, pollID, "poll_updated")
	c.JSON(http.StatusOK, gin.H{"success": true, "poll": updated})
}

// closePoll ends voting. Only the creator or a room admin may close.
func (h *Handlers) closePoll(c *gin.Context) {
	pollID, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	poll, err := h.store.GetPoll(ctx, pollID, userID)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, msgPollNotFound, "poll_not_found")
		return
	}
	if err != nil {
		internalError(c, "poll load failed", err)
		return
	}
	if !h.requireMember(c, poll.RoomID, userID) {
		return
	}
	if poll.CreatedBy != userID {
		admin, err := h.store.IsAdmin(ctx, poll.RoomID, userID)
		if err != nil {
			internalError(c, "admin check failed", err)
			return
		}
		if !admin {
			jsonError(c, http.StatusForbidden, msgNoPermission, "forbidden")
			return
		}
	}

	if err := h.store.ClosePoll(ctx, pollID); err != nil {
		internalError(c, "poll close failed", err)
		return
	}

	h.broadcastPoll(c, poll.RoomID, pollID, "poll_updated")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// broadcastPoll pushes the canonical poll state without viewer-specific votes.
func (h *Handlers) broadcastPoll(c *gin.Context, roomID, pollID int64, event string) {
	ctx := c.Request.Context()
	poll, err := h.store.GetPoll(ctx, pollID, 0)
	if err != nil {
		return
	}
	h.broadcastRoom(ctx, roomID, event, gin.H{"poll": poll})
}
