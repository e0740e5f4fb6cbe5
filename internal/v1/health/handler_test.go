package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeDB struct {
	err error
}

func (f fakeDB) Ping(context.Context) error { return f.err }

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestLiveness(t *testing.T) {
	w := serve(NewHandler(fakeDB{}, nil), "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_AllHealthy(t *testing.T) {
	w := serve(NewHandler(fakeDB{}, nil), "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"healthy"`)
	assert.Contains(t, w.Body.String(), `"redis":"healthy"`, "nil bus counts as healthy")
}

func TestReadiness_DatabaseDown(t *testing.T) {
	w := serve(NewHandler(fakeDB{err: assert.AnError}, nil), "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"unhealthy"`)
	assert.Contains(t, w.Body.String(), "unavailable")
}

func TestReadiness_NilDatabase(t *testing.T) {
	w := serve(NewHandler(nil, nil), "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
