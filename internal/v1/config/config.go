package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Runtime
	Port                string
	UseHTTPS            bool
	SessionTimeoutHours int
	MaxContentLength    int64
	Development         bool
	AllowedOrigins      []string

	// Storage
	DatabasePath string
	UploadDir    string
	DataDir      string

	// Coordinator
	StateStoreRedisURL  string
	RateLimitStorageURI string
	MessageQueue        string

	// Feature flags
	FeatureOIDCEnabled   bool
	FeatureAVScanEnabled bool
	FeatureRedisEnabled  bool

	// Realtime quotas
	SendMessagePerMinute int
	PinUpdatedPerMinute  int

	// Rate limits (ulule/limiter formatted, M = minute)
	RateLimitRegister       string
	RateLimitLogin          string
	RateLimitUpload         string
	RateLimitAdvancedSearch string
	RateLimitGlobal         string

	// OIDC
	OIDCIssuerURL        string
	OIDCAuthorizeURL     string
	OIDCTokenURL         string
	OIDCUserinfoURL      string
	OIDCJWKSURL          string
	OIDCClientID         string
	OIDCClientSecret     string
	OIDCScope            string
	OIDCRedirectURI      string
	OIDCJWKSCacheSeconds int
	OIDCProviderName     string

	// AV scanning
	AVScanner            string
	AVClamdHost          string
	AVClamdPort          int
	AVScanTimeoutSeconds int

	// Maintenance
	MaintenanceIntervalSeconds int
	RetentionDays              int
	AccessLogRetentionDays     int

	// Tracing
	OTLPEndpoint string
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error if any variable is present but invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.UseHTTPS = os.Getenv("USE_HTTPS") == "true"
	cfg.Development = os.Getenv("DEVELOPMENT") == "true"

	cfg.SessionTimeoutHours = getEnvInt(&errs, "SESSION_TIMEOUT_HOURS", 24, 1)
	cfg.MaxContentLength = int64(getEnvInt(&errs, "MAX_CONTENT_LENGTH", 50*1024*1024, 1))

	origins := getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:8080")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	cfg.DatabasePath = getEnvOrDefault("DATABASE_PATH", "messenger.db")
	cfg.UploadDir = getEnvOrDefault("UPLOAD_DIR", "uploads")
	cfg.DataDir = getEnvOrDefault("DATA_DIR", ".")

	cfg.FeatureRedisEnabled = os.Getenv("FEATURE_REDIS_ENABLED") == "true"
	cfg.StateStoreRedisURL = os.Getenv("STATE_STORE_REDIS_URL")
	if cfg.StateStoreRedisURL == "" {
		cfg.StateStoreRedisURL = os.Getenv("REDIS_URL")
	}
	if cfg.FeatureRedisEnabled && cfg.StateStoreRedisURL == "" {
		cfg.StateStoreRedisURL = "redis://localhost:6379/0"
		slog.Warn("FEATURE_REDIS_ENABLED set without STATE_STORE_REDIS_URL, using default", "url", cfg.StateStoreRedisURL)
	}
	cfg.RateLimitStorageURI = os.Getenv("RATE_LIMIT_STORAGE_URI")
	cfg.MessageQueue = os.Getenv("MESSAGE_QUEUE")

	cfg.SendMessagePerMinute = getEnvInt(&errs, "SOCKET_SEND_MESSAGE_PER_MINUTE", 100, 1)
	cfg.PinUpdatedPerMinute = getEnvInt(&errs, "SOCKET_PIN_UPDATED_PER_MINUTE", 30, 1)

	cfg.RateLimitRegister = getEnvOrDefault("RATE_LIMIT_REGISTER", "5-M")
	cfg.RateLimitLogin = getEnvOrDefault("RATE_LIMIT_LOGIN", "10-M")
	cfg.RateLimitUpload = getEnvOrDefault("RATE_LIMIT_UPLOAD", "10-M")
	cfg.RateLimitAdvancedSearch = getEnvOrDefault("RATE_LIMIT_ADVANCED_SEARCH", "30-M")
	cfg.RateLimitGlobal = getEnvOrDefault("RATE_LIMIT_GLOBAL", "300-M")

	cfg.FeatureOIDCEnabled = os.Getenv("FEATURE_OIDC_ENABLED") == "true"
	cfg.OIDCIssuerURL = os.Getenv("OIDC_ISSUER_URL")
	cfg.OIDCAuthorizeURL = os.Getenv("OIDC_AUTHORIZE_URL")
	cfg.OIDCTokenURL = os.Getenv("OIDC_TOKEN_URL")
	cfg.OIDCUserinfoURL = os.Getenv("OIDC_USERINFO_URL")
	cfg.OIDCJWKSURL = os.Getenv("OIDC_JWKS_URL")
	cfg.OIDCClientID = os.Getenv("OIDC_CLIENT_ID")
	cfg.OIDCClientSecret = os.Getenv("OIDC_CLIENT_SECRET")
	cfg.OIDCScope = getEnvOrDefault("OIDC_SCOPE", "openid profile")
	cfg.OIDCRedirectURI = os.Getenv("OIDC_REDIRECT_URI")
	cfg.OIDCJWKSCacheSeconds = getEnvInt(&errs, "OIDC_JWKS_CACHE_SECONDS", 300, 1)
	cfg.OIDCProviderName = getEnvOrDefault("OIDC_PROVIDER_NAME", "SSO")
	if cfg.FeatureOIDCEnabled {
		if cfg.OIDCClientID == "" {
			errs = append(errs, "OIDC_CLIENT_ID is required when FEATURE_OIDC_ENABLED=true")
		}
		if cfg.OIDCIssuerURL == "" && (cfg.OIDCAuthorizeURL == "" || cfg.OIDCTokenURL == "" || cfg.OIDCJWKSURL == "") {
			errs = append(errs, "OIDC_ISSUER_URL (or explicit AUTHORIZE/TOKEN/JWKS URLs) is required when FEATURE_OIDC_ENABLED=true")
		}
	}

	cfg.FeatureAVScanEnabled = os.Getenv("FEATURE_AV_SCAN_ENABLED") == "true"
	cfg.AVScanner = getEnvOrDefault("AV_SCANNER", "clamd")
	cfg.AVClamdHost = getEnvOrDefault("AV_CLAMD_HOST", "127.0.0.1")
	cfg.AVClamdPort = getEnvInt(&errs, "AV_CLAMD_PORT", 3310, 1)
	if cfg.AVClamdPort > 65535 {
		errs = append(errs, fmt.Sprintf("AV_CLAMD_PORT must be a valid port (got %d)", cfg.AVClamdPort))
	}
	cfg.AVScanTimeoutSeconds = getEnvInt(&errs, "AV_SCAN_TIMEOUT_SECONDS", 15, 1)

	cfg.MaintenanceIntervalSeconds = getEnvInt(&errs, "MAINTENANCE_INTERVAL_SECONDS", 300, 0)
	if cfg.MaintenanceIntervalSeconds < 30 {
		// Interval floor keeps the loop from busy-spinning on misconfiguration.
		cfg.MaintenanceIntervalSeconds = 30
	}
	cfg.RetentionDays = getEnvInt(&errs, "RETENTION_DAYS", 0, 0)
	cfg.AccessLogRetentionDays = getEnvInt(&errs, "ACCESS_LOG_RETENTION_DAYS", 90, 1)

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"use_https", cfg.UseHTTPS,
		"database_path", cfg.DatabasePath,
		"upload_dir", cfg.UploadDir,
		"redis_enabled", cfg.FeatureRedisEnabled,
		"state_store_redis_url", redactSecret(cfg.StateStoreRedisURL),
		"oidc_enabled", cfg.FeatureOIDCEnabled,
		"av_scan_enabled", cfg.FeatureAVScanEnabled,
		"send_message_per_minute", cfg.SendMessagePerMinute,
		"maintenance_interval_seconds", cfg.MaintenanceIntervalSeconds,
		"retention_days", cfg.RetentionDays,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt parses an integer environment variable, collecting an error when
// the value is present but not a valid integer >= min.
func getEnvInt(errs *[]string, key string, defaultValue, min int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer >= %d (got '%s')", key, min, raw))
		return defaultValue
	}
	return v
}

// redactSecret redacts a secret by showing only the scheme-ish prefix
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		if secret == "" {
			return ""
		}
		return "***"
	}
	return secret[:8] + "***"
}
