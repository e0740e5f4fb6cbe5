package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/store"
)

const (
	msgMissingCredentials = "아이디와 비밀번호를 입력해주세요."
	msgInvalidUsername    = "아이디는 3-20자의 영문, 숫자, 밑줄만 사용 가능합니다."
	msgDuplicateUsername  = "이미 존재하는 아이디입니다."
	msgBadCredentials     = "아이디 또는 비밀번호가 올바르지 않습니다."
)

func (h *Handlers) registerUser(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Nickname string `json:"nickname"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		jsonError(c, http.StatusBadRequest, msgMissingCredentials, "missing_credentials")
		return
	}
	if !crypt.ValidateUsername(req.Username) {
		jsonError(c, http.StatusBadRequest, msgInvalidUsername, "invalid_username")
		return
	}
	if err := crypt.ValidatePassword(req.Password); err != nil {
		jsonError(c, http.StatusBadRequest, err.Error(), "invalid_password")
		return
	}

	nickname := crypt.SanitizeInput(req.Nickname, 20)
	if nickname == "" {
		nickname = req.Username
	}

	ctx := c.Request.Context()
	userID, err := h.store.CreateUser(ctx, req.Username, h.hasher.HashPassword(req.Password), nickname)
	if errors.Is(err, store.ErrDuplicateUsername) {
		jsonError(c, http.StatusConflict, msgDuplicateUsername, "duplicate_username")
		return
	}
	if err != nil {
		internalError(c, "user creation failed", err)
		return
	}

	ip, ua := clientMeta(c)
	if err := h.store.LogAccess(ctx, userID, "register", ip, ua); err != nil {
		logging.Warn(ctx, "Failed to write access log", zap.Error(err))
	}
	logging.Info(ctx, "User registered", logging.UserID(userID), zap.String("username", req.Username))
	c.JSON(http.StatusCreated, gin.H{"success": true, "user_id": userID})
}

func (h *Handlers) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		jsonError(c, http.StatusBadRequest, msgMissingCredentials, "missing_credentials")
		return
	}

	ctx := c.Request.Context()
	user, err := h.store.GetUserByUsername(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusUnauthorized, msgBadCredentials, "invalid_credentials")
		return
	}
	if err != nil {
		internalError(c, "user lookup failed", err)
		return
	}

	ok, needsRehash := h.hasher.VerifyPassword(req.Password, user.PasswordHash)
	if !ok {
		jsonError(c, http.StatusUnauthorized, msgBadCredentials, "invalid_credentials")
		return
	}
	if needsRehash {
		if err := h.store.UpdatePasswordHash(ctx, user.ID, h.hasher.HashPassword(req.Password)); err != nil {
			logging.Warn(ctx, "Failed to upgrade legacy password hash", logging.UserID(user.ID), zap.Error(err))
		}
	}

	// A fresh token invalidates every other live session of this account.
	token := randomToken()
	if err := h.store.SetSessionToken(ctx, user.ID, token); err != nil {
		internalError(c, "session token rotation failed", err)
		return
	}
	user.SessionToken = token

	sess := sessions.Default(c)
	sess.Clear()
	sess.Set(middleware.SessionUserID, user.ID)
	sess.Set(middleware.SessionToken, token)
	if err := sess.Save(); err != nil {
		internalError(c, "session save failed", err)
		return
	}
	csrf := middleware.EnsureCSRFToken(c)

	ip, ua := clientMeta(c)
	if err := h.store.LogAccess(ctx, user.ID, "login", ip, ua); err != nil {
		logging.Warn(ctx, "Failed to write access log", zap.Error(err))
	}
	logging.Info(ctx, "User logged in", logging.UserID(user.ID))
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user, "csrf_token": csrf})
}

func (h *Handlers) logout(c *gin.Context) {
	sess := sessions.Default(c)
	if userID, ok := sess.Get(middleware.SessionUserID).(int64); ok {
		ip, ua := clientMeta(c)
		ctx := c.Request.Context()
		if err := h.store.LogAccess(ctx, userID, "logout", ip, ua); err != nil {
			logging.Warn(ctx, "Failed to write access log", zap.Error(err))
		}
	}
	sess.Clear()
	_ = sess.Save()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// me reports the session state without requiring auth, so the client can
// decide between the login page and the app shell.
func (h *Handlers) me(c *gin.Context) {
	sess := sessions.Default(c)
	userID, okID := sess.Get(middleware.SessionUserID).(int64)
	token, okTok := sess.Get(middleware.SessionToken).(string)
	if !okID || !okTok || token == "" {
		c.JSON(http.StatusOK, gin.H{"logged_in": false})
		return
	}

	user, err := h.store.GetUserByID(c.Request.Context(), userID)
	if err != nil || user.SessionToken != token {
		sess.Clear()
		_ = sess.Save()
		c.JSON(http.StatusOK, gin.H{"logged_in": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_in": true, "user": user})
}

// publicConfig is the unauthenticated client bootstrap snapshot.
func (h *Handlers) publicConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"upload": gin.H{"max_size_bytes": h.cfg.MaxContentLength},
		"rate_limits": gin.H{
			"register":        h.cfg.RateLimitRegister,
			"login":           h.cfg.RateLimitLogin,
			"upload":          h.cfg.RateLimitUpload,
			"advanced_search": h.cfg.RateLimitAdvancedSearch,
		},
		"features": gin.H{
			"oidc":  h.provider != nil,
			"av":    h.cfg.FeatureAVScanEnabled,
			"redis": h.state.RedisEnabled(),
		},
	})
}

func (h *Handlers) authProviders(c *gin.Context) {
	providers := []gin.H{}
	if h.provider != nil {
		providers = append(providers, gin.H{
			"type":      "oidc",
			"provider":  h.provider.ProviderName(),
			"login_url": "/auth/oidc/login",
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (h *Handlers) csrfToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"csrf_token": middleware.EnsureCSRFToken(c)})
}

func (h *Handlers) listUsers(c *gin.Context) {
	users, err := h.store.ListUsers(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		internalError(c, "user listing failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handlers) listOnlineUsers(c *gin.Context) {
	users, err := h.store.ListOnlineUsers(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		internalError(c, "online user listing failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}
