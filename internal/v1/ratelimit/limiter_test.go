package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woorichat/woorichat/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitRegister:       "2-M",
		RateLimitLogin:          "3-M",
		RateLimitUpload:         "5-M",
		RateLimitAdvancedSearch: "5-M",
		RateLimitGlobal:         "10-M",
	}
}

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	rl, err := New(testConfig(), rc)
	require.NoError(t, err)
	return rl, mr
}

func newTestRouter(rl *RateLimiter, endpoint string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", rl.Middleware(endpoint), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func doPost(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.RemoteAddr = ip + ":12345"
	r.ServeHTTP(w, req)
	return w
}

func TestNew_MemoryFallback(t *testing.T) {
	rl, err := New(testConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestNew_InvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitLogin = "not-a-rate"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestMiddleware_EnforcesLimit(t *testing.T) {
	rl, _ := newTestLimiter(t)
	r := newTestRouter(rl, EndpointRegister)

	w := doPost(r, "10.0.0.1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))

	doPost(r, "10.0.0.1")
	w = doPost(r, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestMiddleware_LimitIsPerIP(t *testing.T) {
	rl, _ := newTestLimiter(t)
	r := newTestRouter(rl, EndpointRegister)

	doPost(r, "10.0.0.1")
	doPost(r, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, doPost(r, "10.0.0.1").Code)

	// A different client is unaffected.
	assert.Equal(t, http.StatusOK, doPost(r, "10.0.0.2").Code)
}

func TestMiddleware_EndpointsAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t)
	register := newTestRouter(rl, EndpointRegister)
	login := newTestRouter(rl, EndpointLogin)

	doPost(register, "10.0.0.1")
	doPost(register, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, doPost(register, "10.0.0.1").Code)

	// The login budget for the same IP is untouched.
	assert.Equal(t, http.StatusOK, doPost(login, "10.0.0.1").Code)
}

func TestMiddleware_UnknownEndpointUsesGlobal(t *testing.T) {
	rl, _ := newTestLimiter(t)
	r := newTestRouter(rl, "something-else")

	w := doPost(r, "10.0.0.3")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
}

func TestMiddleware_FailsOpenWhenStoreDies(t *testing.T) {
	rl, mr := newTestLimiter(t)
	r := newTestRouter(rl, EndpointLogin)

	mr.Close()
	assert.Equal(t, http.StatusOK, doPost(r, "10.0.0.4").Code,
		"redis loss must not lock users out")
}

func TestCheckWebSocketIP(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.True(t, rl.CheckWebSocketIP(ctx, "10.0.0.5"))
	}
	assert.False(t, rl.CheckWebSocketIP(ctx, "10.0.0.5"))
	assert.True(t, rl.CheckWebSocketIP(ctx, "10.0.0.6"))
}
