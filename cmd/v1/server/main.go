package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/bus"
	"github.com/woorichat/woorichat/internal/v1/config"
	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/health"
	"github.com/woorichat/woorichat/internal/v1/httpapi"
	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/maintenance"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/oidc"
	"github.com/woorichat/woorichat/internal/v1/ratelimit"
	"github.com/woorichat/woorichat/internal/v1/realtime"
	"github.com/woorichat/woorichat/internal/v1/state"
	"github.com/woorichat/woorichat/internal/v1/store"
	"github.com/woorichat/woorichat/internal/v1/tracing"
	"github.com/woorichat/woorichat/internal/v1/uploads"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err == nil {
		logging.Info(ctx, "Loaded environment from .env")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "Environment validation failed", zap.Error(err))
	}
	if err := logging.Initialize(cfg.Development); err != nil {
		logging.Fatal(ctx, "Logger initialization failed", zap.Error(err))
	}

	// First-run secrets: the cookie/KEK key and the password salt.
	secretKey, err := crypt.LoadOrCreateSecretKey(cfg.DataDir)
	if err != nil {
		logging.Fatal(ctx, "Failed to load secret key", zap.Error(err))
	}
	salt, err := crypt.LoadOrCreateSalt(cfg.DataDir)
	if err != nil {
		logging.Fatal(ctx, "Failed to load security salt", zap.Error(err))
	}
	hasher := crypt.NewHasher(salt)

	st, err := store.Open(cfg.DatabasePath, crypt.NewKeyWrapper(secretKey))
	if err != nil {
		logging.Fatal(ctx, "Failed to open database", zap.Error(err))
	}
	defer st.Close()

	stateStore := state.New(cfg.StateStoreRedisURL, "im")
	defer stateStore.Close()
	tokens := uploads.NewTokens(stateStore)

	// Cross-instance fan-out over redis pub/sub, when configured.
	var busService *bus.Service
	if cfg.MessageQueue != "" {
		addr, password := redisTarget(cfg.MessageQueue)
		busService, err = bus.NewService(addr, password)
		if err != nil {
			logging.Warn(ctx, "Message queue unavailable, running single-instance", zap.Error(err))
			busService = nil
		}
	}

	var limiterClient *redis.Client
	if cfg.RateLimitStorageURI != "" {
		if opts, err := redis.ParseURL(cfg.RateLimitStorageURI); err == nil {
			limiterClient = redis.NewClient(opts)
		} else {
			logging.Warn(ctx, "Invalid rate limit storage URI, using memory store", zap.Error(err))
		}
	}
	limiter, err := ratelimit.New(cfg, limiterClient)
	if err != nil {
		logging.Fatal(ctx, "Rate limiter initialization failed", zap.Error(err))
	}

	hub := realtime.NewHub(cfg, st, stateStore, tokens, busService, limiter)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if busService != nil {
		busService.Subscribe(runCtx, &wg, hub.HandleBusEvent)
	}

	var scanner uploads.Scanner
	if cfg.FeatureAVScanEnabled {
		addr := cfg.AVClamdHost + ":" + strconv.Itoa(cfg.AVClamdPort)
		scanner = uploads.NewClamScanner(addr, time.Duration(cfg.AVScanTimeoutSeconds)*time.Second)
		logging.Info(ctx, "Antivirus scanning enabled", zap.String("clamd", addr))
	}
	scans := uploads.NewScanQueue(st, tokens, scanner, cfg.UploadDir)
	scans.Start(runCtx)

	loop := maintenance.New(st, cfg, hub, scans)
	go loop.Run(runCtx)

	var provider *oidc.Provider
	if oidc.Enabled(cfg) {
		provider, err = oidc.New(runCtx, cfg)
		if err != nil {
			logging.Warn(ctx, "OIDC disabled after initialization failure", zap.Error(err))
			provider = nil
		}
	}

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(runCtx, "woorichat", cfg.OTLPEndpoint)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled after initialization failure", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	if cfg.OTLPEndpoint != "" {
		router.Use(otelgin.Middleware("woorichat"))
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowCredentials = len(cfg.AllowedOrigins) > 0
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, middleware.HeaderCSRFToken)
	router.Use(cors.New(corsConfig))

	sessionStore := cookie.NewStore([]byte(secretKey))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   cfg.SessionTimeoutHours * 3600,
		HttpOnly: true,
		Secure:   cfg.UseHTTPS,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions("session", sessionStore))

	router.Use(limiter.Middleware(ratelimit.EndpointGlobal))

	api := httpapi.New(cfg, st, stateStore, tokens, hasher, hub, scans, limiter, provider)
	api.Register(router)

	router.GET("/ws", middleware.Auth(st), hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(st, busService)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info(ctx, "Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "HTTP shutdown failed", zap.Error(err))
	}
	hub.Shutdown(shutdownCtx)
	cancel()
	scans.Close()
	if busService != nil {
		_ = busService.Close()
	}
	wg.Wait()
	logging.Info(ctx, "Shutdown complete")
}

// redisTarget accepts either a redis URL or a bare host:port.
func redisTarget(raw string) (addr, password string) {
	if strings.Contains(raw, "://") {
		if opts, err := redis.ParseURL(raw); err == nil {
			return opts.Addr, opts.Password
		}
	}
	return raw, ""
}
