package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Core
	Env         string
	Port        string
	DatabaseURL string
	Issuer      string // external base URL, used as the `iss` claim

	// KV backend: "memory" or "redis"
	KVBackend string
	RedisURL  string

	// Session
	SessionSecret         string // 32 bytes, hex or base64 encoded
	SessionCookieName     string
	SessionCookieDomain   string
	SessionLifetime       time.Duration
	SlidingWindow         time.Duration
	MaxAccountsPerSession int

	// Tenant resolution
	BaseDomain       string
	TenantPathPrefix string
	TenantHeader     string
	TenantQueryParam string

	// Tokens
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// RBAC
	PermissionCacheTTL    time.Duration
	MaxPermissionsInToken int

	// Client secrets
	SecretRotationGrace time.Duration

	// Theming
	DefaultTheme string

	// Resilience (applied to the relational client/RBAC stores)
	RetryMaxAttempts       int
	RetryBaseDelay         time.Duration
	BreakerFailureThreshold int // percent
	BreakerMinimumRequests  int
	BreakerWindowSize       time.Duration
	BreakerCooldown         time.Duration
	BreakerSuccessThreshold int
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Issuer:      getEnv("ISSUER_URL", "http://localhost:8080"),

		KVBackend: getEnv("KV_BACKEND", "memory"),
		RedisURL:  os.Getenv("REDIS_URL"),

		SessionSecret:         os.Getenv("SESSION_SECRET"),
		SessionCookieName:     getEnv("SESSION_COOKIE_NAME", "oa_session"),
		SessionCookieDomain:   os.Getenv("SESSION_COOKIE_DOMAIN"),
		SessionLifetime:       getEnvAsDuration("SESSION_LIFETIME", 7*24*time.Hour),
		SlidingWindow:         getEnvAsDuration("SESSION_SLIDING_WINDOW", 24*time.Hour),
		MaxAccountsPerSession: getEnvAsInt("MAX_ACCOUNTS_PER_SESSION", 3),

		BaseDomain:       os.Getenv("BASE_DOMAIN"),
		TenantPathPrefix: getEnv("TENANT_PATH_PREFIX", "/tenants"),
		TenantHeader:     getEnv("TENANT_HEADER", "X-Tenant-ID"),
		TenantQueryParam: getEnv("TENANT_QUERY_PARAM", "tenant"),

		AccessTokenTTL:  getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),

		PermissionCacheTTL:    getEnvAsDuration("PERMISSION_CACHE_TTL", 60*time.Second),
		MaxPermissionsInToken: getEnvAsInt("MAX_PERMISSIONS_IN_TOKEN", 50),

		SecretRotationGrace: getEnvAsDuration("SECRET_ROTATION_GRACE", time.Hour),

		DefaultTheme: os.Getenv("DEFAULT_THEME"),

		RetryMaxAttempts:        getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:          getEnvAsDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
		BreakerFailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 50),
		BreakerMinimumRequests:  getEnvAsInt("BREAKER_MINIMUM_REQUESTS", 5),
		BreakerWindowSize:       getEnvAsDuration("BREAKER_WINDOW_SIZE", 60*time.Second),
		BreakerCooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		BreakerSuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 3),
	}
}

func getEnv(name, defaultVal string) string {
	if val := os.Getenv(name); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	// Accept plain seconds for compatibility with older deployments.
	if secs, err := strconv.Atoi(valStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
