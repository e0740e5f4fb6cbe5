package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// HeaderCSRFToken carries the per-session CSRF token on mutating requests.
const HeaderCSRFToken = "X-CSRF-Token"

// EnsureCSRFToken returns the session's CSRF token, minting one on first use.
func EnsureCSRFToken(c *gin.Context) string {
	sess := sessions.Default(c)
	if token, ok := sess.Get(SessionCSRF).(string); ok && token != "" {
		return token
	}
	var buf [32]byte
	_, _ = rand.Read(buf[:])
	token := hex.EncodeToString(buf[:])
	sess.Set(SessionCSRF, token)
	_ = sess.Save()
	return token
}

// CSRF rejects mutating requests whose header token does not match the
// session token. Safe methods pass through.
func CSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		sess := sessions.Default(c)
		expected, _ := sess.Get(SessionCSRF).(string)
		presented := c.GetHeader(HeaderCSRFToken)
		if expected == "" || presented == "" ||
			subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "CSRF 토큰이 유효하지 않습니다.",
				"code":  "CSRF_INVALID",
			})
			return
		}
		c.Next()
	}
}
