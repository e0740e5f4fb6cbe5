package httpapi

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/uploads"
)

const (
	msgNicknameTooShort   = "닉네임은 2자 이상이어야 합니다."
	msgImageOnly          = "이미지 파일만 업로드 가능합니다."
	msgInvalidImage       = "유효하지 않은 이미지 파일입니다."
	msgImageTooLarge      = "파일 크기는 5MB 이하여야 합니다."
	msgMissingFields      = "입력값이 부족합니다."
	msgWrongPassword      = "현재 비밀번호가 올바르지 않습니다."
	msgPasswordRequired   = "비밀번호를 입력해주세요."
	msgPasswordChanged    = "비밀번호가 변경되었습니다. 다른 기기에서의 세션은 로그아웃됩니다."
	maxProfileImageBytes  = 5 << 20
)

var profileImageExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true,
}

func (h *Handlers) getProfile(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": middleware.User(c)})
}

func (h *Handlers) updateProfile(c *gin.Context) {
	var req struct {
		Nickname      *string `json:"nickname"`
		StatusMessage *string `json:"status_message"`
	}
	if !bindJSON(c, &req) {
		return
	}

	if req.Nickname != nil {
		cleaned := crypt.SanitizeInput(*req.Nickname, 20)
		if len([]rune(cleaned)) < 2 {
			jsonError(c, http.StatusBadRequest, msgNicknameTooShort, "invalid_nickname")
			return
		}
		req.Nickname = &cleaned
	}
	if req.StatusMessage != nil {
		cleaned := crypt.SanitizeInput(*req.StatusMessage, 100)
		req.StatusMessage = &cleaned
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	if err := h.store.UpdateProfile(ctx, userID, req.Nickname, req.StatusMessage); err != nil {
		internalError(c, "profile update failed", err)
		return
	}

	user, err := h.store.GetUserByID(ctx, userID)
	if err != nil {
		internalError(c, "profile reload failed", err)
		return
	}
	h.broadcastProfile(c, user.ID, user.Nickname, user.ProfileImage, user.StatusMessage)
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *Handlers) setProfileImage(c *gin.Context) {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		fileHeader, err = c.FormFile("file")
	}
	if err != nil {
		jsonError(c, http.StatusBadRequest, msgMissingFile, "missing_file")
		return
	}

	ext := uploads.Ext(fileHeader.Filename)
	if !profileImageExtensions[ext] {
		jsonError(c, http.StatusBadRequest, msgImageOnly, "not_an_image")
		return
	}
	if fileHeader.Size > maxProfileImageBytes {
		jsonError(c, http.StatusBadRequest, msgImageTooLarge, "image_too_large")
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		internalError(c, "profile image open failed", err)
		return
	}
	defer f.Close()

	head := make([]byte, crypt.HeaderCheckLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		internalError(c, "profile image read failed", err)
		return
	}
	head = head[:n]
	if !crypt.ValidateFileHeader(fileHeader.Filename, head) {
		jsonError(c, http.StatusBadRequest, msgInvalidImage, "signature_mismatch")
		return
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	name := fmt.Sprintf("%d_%d_%s.%s", userID, time.Now().Unix(), hex.EncodeToString(suffix[:]), ext)
	rel := path.Join("profiles", name)

	content := io.MultiReader(bytes.NewReader(head), f)
	if err := h.saveUpload(rel, content); err != nil {
		internalError(c, "profile image write failed", err)
		return
	}

	previous, err := h.store.SetProfileImage(ctx, userID, rel)
	if err != nil {
		h.removeUploadFile(ctx, rel)
		internalError(c, "profile image update failed", err)
		return
	}
	if previous != "" {
		h.removeUploadFile(ctx, previous)
	}

	user, err := h.store.GetUserByID(ctx, userID)
	if err == nil {
		h.broadcastProfile(c, user.ID, user.Nickname, user.ProfileImage, user.StatusMessage)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "profile_image": rel})
}

func (h *Handlers) deleteProfileImage(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	previous, err := h.store.SetProfileImage(ctx, userID, "")
	if err != nil {
		internalError(c, "profile image clear failed", err)
		return
	}
	if previous != "" {
		h.removeUploadFile(ctx, previous)
	}

	user, err := h.store.GetUserByID(ctx, userID)
	if err == nil {
		h.broadcastProfile(c, user.ID, user.Nickname, "", user.StatusMessage)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// broadcastProfile pushes the authoritative profile to every room the user
// belongs to.
func (h *Handlers) broadcastProfile(c *gin.Context, userID int64, nickname, profileImage, statusMessage string) {
	ctx := c.Request.Context()
	roomIDs, err := h.store.UserRoomIDs(ctx, userID)
	if err != nil {
		logging.Warn(ctx, "Failed to list rooms for profile broadcast", zap.Error(err))
		return
	}
	payload := gin.H{
		"user_id":        userID,
		"nickname":       nickname,
		"profile_image":  profileImage,
		"status_message": statusMessage,
	}
	for _, roomID := range roomIDs {
		h.broadcastRoom(ctx, roomID, "user_profile_updated", payload)
	}
}

// changePassword rotates the session token, so every other session of this
// account goes stale while this one is re-stamped in place.
func (h *Handlers) changePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		jsonError(c, http.StatusBadRequest, msgMissingFields, "missing_fields")
		return
	}

	user := middleware.User(c)
	ok, _ := h.hasher.VerifyPassword(req.CurrentPassword, user.PasswordHash)
	if !ok {
		jsonError(c, http.StatusBadRequest, msgWrongPassword, "wrong_password")
		return
	}
	if err := crypt.ValidatePassword(req.NewPassword); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error(), "invalid_password")
		return
	}

	ctx := c.Request.Context()
	if err := h.store.UpdatePasswordHash(ctx, user.ID, h.hasher.HashPassword(req.NewPassword)); err != nil {
		internalError(c, "password update failed", err)
		return
	}

	token := randomToken()
	if err := h.store.SetSessionToken(ctx, user.ID, token); err != nil {
		internalError(c, "session token rotation failed", err)
		return
	}
	sess := sessions.Default(c)
	sess.Set(middleware.SessionToken, token)
	if err := sess.Save(); err != nil {
		internalError(c, "session save failed", err)
		return
	}

	ip, ua := clientMeta(c)
	if err := h.store.LogAccess(ctx, user.ID, "change_password", ip, ua); err != nil {
		logging.Warn(ctx, "Failed to write access log", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msgPasswordChanged})
}

// deleteAccount releases every room membership first, keeping the per-room
// admin invariant, then removes the account.
func (h *Handlers) deleteAccount(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Password == "" {
		jsonError(c, http.StatusBadRequest, msgPasswordRequired, "missing_password")
		return
	}

	user := middleware.User(c)
	ok, _ := h.hasher.VerifyPassword(req.Password, user.PasswordHash)
	if !ok {
		jsonError(c, http.StatusBadRequest, msgWrongPassword, "wrong_password")
		return
	}

	ctx := c.Request.Context()
	ip, ua := clientMeta(c)
	if err := h.store.LogAccess(ctx, user.ID, "delete_account", ip, ua); err != nil {
		logging.Warn(ctx, "Failed to write access log", zap.Error(err))
	}

	roomIDs, err := h.store.UserRoomIDs(ctx, user.ID)
	if err != nil {
		internalError(c, "room listing failed", err)
		return
	}
	for _, roomID := range roomIDs {
		promoted, err := h.store.LeaveRoom(ctx, roomID, user.ID)
		if err != nil {
			logging.Warn(ctx, "Failed to release membership on account delete",
				zap.Int64("roomId", roomID), logging.UserID(user.ID), zap.Error(err))
			continue
		}
		h.broadcastRoom(ctx, roomID, "room_members_updated", gin.H{"room_id": roomID})
		if promoted > 0 {
			h.broadcastRoom(ctx, roomID, "admin_updated", gin.H{
				"room_id":  roomID,
				"user_id":  promoted,
				"is_admin": true,
			})
		}
	}
	h.invalidateRooms(ctx, user.ID)

	if user.ProfileImage != "" {
		h.removeUploadFile(ctx, user.ProfileImage)
	}
	if err := h.store.DeleteUser(ctx, user.ID); err != nil {
		internalError(c, "account delete failed", err)
		return
	}

	sess := sessions.Default(c)
	sess.Clear()
	_ = sess.Save()
	logging.Info(ctx, "Account deleted", logging.UserID(user.ID))
	c.JSON(http.StatusOK, gin.H{"success": true})
}
