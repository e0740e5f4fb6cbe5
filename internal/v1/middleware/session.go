package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/store"
)

// Session keys.
const (
	SessionUserID = "user_id"
	SessionToken  = "session_token"
	SessionCSRF   = "csrf_token"
)

// Context keys set by Auth for downstream handlers.
const (
	CtxUserID = "user_id"
	CtxUser   = "user"
)

// Auth gates a route group on a valid cookie session. The session carries the
// user id plus the opaque token issued at login; the token must still match
// the one stored on the account, so a later login elsewhere invalidates this
// session.
func Auth(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)

		userID, okID := sess.Get(SessionUserID).(int64)
		token, okTok := sess.Get(SessionToken).(string)
		if !okID || !okTok || token == "" {
			unauthorized(c)
			return
		}

		user, err := st.GetUserByID(c.Request.Context(), userID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logging.Error(c.Request.Context(), "session user lookup failed",
					logging.UserID(userID), zap.Error(err))
			}
			unauthorized(c)
			return
		}
		if subtle.ConstantTimeCompare([]byte(user.SessionToken), []byte(token)) != 1 {
			unauthorized(c)
			return
		}

		c.Set(string(logging.UserIDKey), userID)
		c.Set(CtxUserID, userID)
		c.Set(CtxUser, user)
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "로그인이 필요합니다.",
		"code":  "AUTH_REQUIRED",
	})
}

// UserID returns the authenticated user's id. Only valid behind Auth.
func UserID(c *gin.Context) int64 {
	id, _ := c.Get(CtxUserID)
	v, _ := id.(int64)
	return v
}

// User returns the authenticated user. Only valid behind Auth.
func User(c *gin.Context) *store.User {
	u, _ := c.Get(CtxUser)
	v, _ := u.(*store.User)
	return v
}
