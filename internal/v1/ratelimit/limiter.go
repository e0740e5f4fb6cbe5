// Package ratelimit enforces per-IP request limits on sensitive HTTP
// endpoints, backed by redis when available and process memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/config"
	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/metrics"
)

// Endpoint names used for middleware selection and metric labels.
const (
	EndpointRegister       = "register"
	EndpointLogin          = "login"
	EndpointUpload         = "upload"
	EndpointAdvancedSearch = "advanced_search"
	EndpointGlobal         = "global"
)

// RateLimiter holds one limiter per protected endpoint plus the global
// fallback. All limits are keyed by client IP; authenticated per-user quotas
// (message send, pin updates) live in the realtime layer instead.
type RateLimiter struct {
	limiters map[string]*limiter.Limiter
	store    limiter.Store
}

// New builds the limiter set from the configured rate strings
// ("5-M" is five per minute). A nil redis client selects the in-process
// store.
func New(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rates := map[string]string{
		EndpointRegister:       cfg.RateLimitRegister,
		EndpointLogin:          cfg.RateLimitLogin,
		EndpointUpload:         cfg.RateLimitUpload,
		EndpointAdvancedSearch: cfg.RateLimitAdvancedSearch,
		EndpointGlobal:         cfg.RateLimitGlobal,
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "Rate limiter using memory store")
	}

	rl := &RateLimiter{limiters: make(map[string]*limiter.Limiter, len(rates)), store: store}
	for endpoint, formatted := range rates {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate %q: %w", endpoint, formatted, err)
		}
		rl.limiters[endpoint] = limiter.New(store, rate)
	}
	return rl, nil
}

// Middleware enforces the named endpoint's limit keyed by client IP. Replies
// 429 with the localized error envelope when exceeded. Store failures fail
// open.
func (rl *RateLimiter) Middleware(endpoint string) gin.HandlerFunc {
	lim, ok := rl.limiters[endpoint]
	if !ok {
		lim = rl.limiters[EndpointGlobal]
	}

	return func(c *gin.Context) {
		ip := c.ClientIP()
		lctx, err := lim.Get(c.Request.Context(), endpoint+":"+ip)
		if err != nil {
			logging.Error(c.Request.Context(), "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(endpoint, "ip").Inc()
			retryAfter := lctx.Reset - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "요청이 너무 많습니다. 잠시 후 다시 시도해주세요.",
				"code":  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// CheckWebSocketIP gates new realtime connections per IP using the global
// rate. Store failures fail open so redis trouble never blocks chat.
func (rl *RateLimiter) CheckWebSocketIP(ctx context.Context, ip string) bool {
	lctx, err := rl.limiters[EndpointGlobal].Get(ctx, "ws:"+ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		return false
	}
	return true
}
