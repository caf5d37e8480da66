package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values. The refresh margin, poll
// intervals, and retry counts are latency/call-volume tradeoffs, not
// contracts; every one of them can be overridden from the environment.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthorityTokenURL      string
	AuthorityIntrospectURL string
	AuthorityRevokeURL     string
	AuthorityClientID      string
	AuthorityClientSecret  string

	ProfileAPIBaseURL string
	ProfileAPIRateRPM int

	RefreshSafetyMargin      time.Duration
	ProactiveRefreshInterval time.Duration
	RefreshRetryAttempts     int
	RefreshRetryBase         time.Duration

	SchedulerTickInterval time.Duration
	JobRetryAttempts      int
	JobRetryBase          time.Duration
	WorkerPoolSize        int

	HealthCheckInterval    time.Duration
	HealthFailureThreshold int

	CredentialCacheTTL time.Duration

	APIKeyHash   string
	RateLimitRPM int

	HTTPReadHeaderTimeout time.Duration
	HTTPReadTimeout       time.Duration
	HTTPWriteTimeout      time.Duration
	ShutdownGracePeriod   time.Duration

	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "listing-automation"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		AuthorityTokenURL:      os.Getenv("AUTHORITY_TOKEN_URL"),
		AuthorityIntrospectURL: os.Getenv("AUTHORITY_INTROSPECT_URL"),
		AuthorityRevokeURL:     os.Getenv("AUTHORITY_REVOKE_URL"),
		AuthorityClientID:      os.Getenv("AUTHORITY_CLIENT_ID"),
		AuthorityClientSecret:  os.Getenv("AUTHORITY_CLIENT_SECRET"),

		ProfileAPIBaseURL: os.Getenv("PROFILE_API_BASE_URL"),
		ProfileAPIRateRPM: getInt("PROFILE_API_RATE_RPM", 300),

		RefreshSafetyMargin:      getDuration("REFRESH_SAFETY_MARGIN", 30*time.Minute),
		ProactiveRefreshInterval: getDuration("PROACTIVE_REFRESH_INTERVAL", 30*time.Minute),
		RefreshRetryAttempts:     getInt("REFRESH_RETRY_ATTEMPTS", 3),
		RefreshRetryBase:         getDuration("REFRESH_RETRY_BASE", time.Second),

		SchedulerTickInterval: getDuration("SCHEDULER_TICK_INTERVAL", 2*time.Minute),
		JobRetryAttempts:      getInt("JOB_RETRY_ATTEMPTS", 2),
		JobRetryBase:          getDuration("JOB_RETRY_BASE", 2*time.Second),
		WorkerPoolSize:        getInt("WORKER_POOL_SIZE", 8),

		HealthCheckInterval:    getDuration("HEALTH_CHECK_INTERVAL", 5*time.Minute),
		HealthFailureThreshold: getInt("HEALTH_FAILURE_THRESHOLD", 3),

		CredentialCacheTTL: getDuration("CREDENTIAL_CACHE_TTL", 10*time.Minute),

		APIKeyHash:   os.Getenv("API_KEY_HASH"),
		RateLimitRPM: getInt("RATE_LIMIT_RPM", 600),

		HTTPReadHeaderTimeout: getDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		HTTPReadTimeout:       getDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout:      getDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:   getDuration("SHUTDOWN_GRACE_PERIOD", 10*time.Second),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AuthorityTokenURL == "" {
		return Config{}, fmt.Errorf("AUTHORITY_TOKEN_URL is required")
	}
	if cfg.ProfileAPIBaseURL == "" {
		return Config{}, fmt.Errorf("PROFILE_API_BASE_URL is required")
	}

	if cfg.RefreshRetryAttempts < 1 {
		cfg.RefreshRetryAttempts = 1
	}
	if cfg.JobRetryAttempts < 1 {
		cfg.JobRetryAttempts = 1
	}
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	if cfg.HealthFailureThreshold < 1 {
		cfg.HealthFailureThreshold = 1
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
