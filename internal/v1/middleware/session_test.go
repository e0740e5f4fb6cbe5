package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woorichat/woorichat/internal/v1/store"
)

// newAuthRouter wires the session + auth chain with a /seed route that plays
// the part of the login handler.
func newAuthRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(sessions.Sessions("woorichat_session", cookie.NewStore([]byte("test-secret"))))

	r.POST("/seed", func(c *gin.Context) {
		userID, _ := strconv.ParseInt(c.Query("user_id"), 10, 64)
		sess := sessions.Default(c)
		sess.Set(SessionUserID, userID)
		sess.Set(SessionToken, c.Query("token"))
		require.NoError(t, sess.Save())
		c.Status(http.StatusOK)
	})

	authed := r.Group("/api", Auth(st))
	authed.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": UserID(c), "username": User(c).Username})
	})
	authed.POST("/csrf-protected", CSRF(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	authed.GET("/csrf", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"csrf_token": EnsureCSRFToken(c)})
	})
	return r, st
}

func seedSession(t *testing.T, r *gin.Engine, userID int64, token string) []*http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/seed?user_id="+strconv.FormatInt(userID, 10)+"&token="+token, nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	return w.Result().Cookies()
}

func get(r *gin.Engine, path string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_ValidSession(t *testing.T) {
	r, st := newAuthRouter(t)
	ctx := context.Background()

	id, err := st.CreateUser(ctx, "alice", "h", "")
	require.NoError(t, err)
	require.NoError(t, st.SetSessionToken(ctx, id, "tok-1"))

	cookies := seedSession(t, r, id, "tok-1")
	w := get(r, "/api/me", cookies)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")
}

func TestAuth_NoSession(t *testing.T) {
	r, _ := newAuthRouter(t)
	w := get(r, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_REQUIRED")
}

func TestAuth_RotatedTokenInvalidatesOldSession(t *testing.T) {
	r, st := newAuthRouter(t)
	ctx := context.Background()

	id, err := st.CreateUser(ctx, "alice", "h", "")
	require.NoError(t, err)
	require.NoError(t, st.SetSessionToken(ctx, id, "tok-1"))
	cookies := seedSession(t, r, id, "tok-1")

	// A login elsewhere rotates the stored token.
	require.NoError(t, st.SetSessionToken(ctx, id, "tok-2"))

	w := get(r, "/api/me", cookies)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_UnknownUser(t *testing.T) {
	r, _ := newAuthRouter(t)
	cookies := seedSession(t, r, 999, "tok")
	w := get(r, "/api/me", cookies)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCSRF_RoundTrip(t *testing.T) {
	r, st := newAuthRouter(t)
	ctx := context.Background()

	id, err := st.CreateUser(ctx, "alice", "h", "")
	require.NoError(t, err)
	require.NoError(t, st.SetSessionToken(ctx, id, "tok-1"))
	cookies := seedSession(t, r, id, "tok-1")

	// Missing header is rejected.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/csrf-protected", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "CSRF_INVALID")

	// Fetch the token, then replay it; the /csrf call re-saves the session
	// so carry its cookies forward.
	tokenResp := get(r, "/api/csrf", cookies)
	require.Equal(t, http.StatusOK, tokenResp.Code)
	var body struct {
		Token string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(tokenResp.Body.Bytes(), &body))
	if fresh := tokenResp.Result().Cookies(); len(fresh) > 0 {
		cookies = fresh
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/csrf-protected", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	req.Header.Set(HeaderCSRFToken, body.Token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
