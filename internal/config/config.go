// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, upstream API behavior,
// sync cadence, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-sync-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// UpstreamConfig defines how the upstream practice-management API is
// reached and how aggressively the client retries.
type UpstreamConfig struct {
	BaseURL      string // UPSTREAM_API_URL, e.g. https://api.example.com/v4
	AuthURL      string // UPSTREAM_AUTH_URL, token endpoint base
	ClientID     string // UPSTREAM_CLIENT_ID
	ClientSecret string // UPSTREAM_CLIENT_SECRET

	RateLimitPerSecond int           // token bucket capacity and refill rate
	RetryCount         int           // transient (5xx/network) retry budget
	MaxThrottleRetries int           // separate 429 retry budget
	RefreshMargin      time.Duration // refresh tokens expiring within this window

	PageTokenParam string        // cursor query parameter name
	PerPage        int           // page size requested
	MaxPages       int           // hard pagination ceiling
	PageDelay      time.Duration // polite delay between pages
}

// SyncConfig defines scheduler cadence and orchestration limits.
type SyncConfig struct {
	MaxCacheAge         time.Duration // full sync forced past this age
	DispatchInterval    time.Duration // dispatcher tick
	DispatchBatch       int           // max tenants queued per tick
	DispatchStagger     time.Duration // delay between queued tenants in a tick
	MaxConcurrentSyncs  int64         // weighted semaphore size
	StaleAfter          time.Duration // running longer than this is abandoned
	StaleRetryDelay     time.Duration // reschedule offset after stale recovery
	StaleSweepInterval  time.Duration // stale detection tick
	TokenRefreshHorizon time.Duration // proactive refresh sweep window
	TokenSweepInterval  time.Duration // token refresh tick
	HistoryRetention    time.Duration // purge history older than this
	PurgeInterval       time.Duration // history purge tick
	SoftTimeLimit       time.Duration // per-run context deadline
	TriggerCooldown     time.Duration // minimum gap between manual triggers
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath string // SQLite path

	// Token sealing
	EncryptionMode string // encrypted|none
	EncryptionKey  string // 32-byte hex key, required in encrypted mode

	// Upstream API
	Upstream UpstreamConfig

	// Sync engine
	Sync SyncConfig

	// HTTP rate limiting (management API, not the upstream client)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "sync.db"),

		// Token sealing
		EncryptionMode: strings.ToLower(getenv("ENCRYPTION_MODE", "encrypted")),
		EncryptionKey:  getenv("ENCRYPTION_KEY", ""),

		Upstream: UpstreamConfig{
			BaseURL:      strings.TrimRight(getenv("UPSTREAM_API_URL", ""), "/"),
			AuthURL:      strings.TrimRight(getenv("UPSTREAM_AUTH_URL", ""), "/"),
			ClientID:     getenv("UPSTREAM_CLIENT_ID", ""),
			ClientSecret: getenv("UPSTREAM_CLIENT_SECRET", ""),

			RateLimitPerSecond: getint("UPSTREAM_RATE_LIMIT", 25),
			RetryCount:         getint("UPSTREAM_RETRY_COUNT", 3),
			MaxThrottleRetries: getint("UPSTREAM_MAX_THROTTLE_RETRIES", 10),
			RefreshMargin:      getdur("UPSTREAM_REFRESH_MARGIN", 5*time.Minute),

			PageTokenParam: getenv("UPSTREAM_PAGE_TOKEN_PARAM", "page_token"),
			PerPage:        getint("UPSTREAM_PER_PAGE", 100),
			MaxPages:       getint("UPSTREAM_MAX_PAGES", 1000),
			PageDelay:      getdur("UPSTREAM_PAGE_DELAY", 100*time.Millisecond),
		},

		Sync: SyncConfig{
			MaxCacheAge:         getdur("SYNC_MAX_CACHE_AGE", 24*time.Hour),
			DispatchInterval:    getdur("SYNC_DISPATCH_INTERVAL", 5*time.Minute),
			DispatchBatch:       getint("SYNC_DISPATCH_BATCH", 10),
			DispatchStagger:     getdur("SYNC_DISPATCH_STAGGER", 2*time.Second),
			MaxConcurrentSyncs:  int64(getint("SYNC_MAX_CONCURRENT", 4)),
			StaleAfter:          getdur("SYNC_STALE_AFTER", 45*time.Minute),
			StaleRetryDelay:     getdur("SYNC_STALE_RETRY_DELAY", 15*time.Minute),
			StaleSweepInterval:  getdur("SYNC_STALE_SWEEP_INTERVAL", time.Hour),
			TokenRefreshHorizon: getdur("SYNC_TOKEN_REFRESH_HORIZON", 60*time.Minute),
			TokenSweepInterval:  getdur("SYNC_TOKEN_SWEEP_INTERVAL", 30*time.Minute),
			HistoryRetention:    getdur("SYNC_HISTORY_RETENTION", 90*24*time.Hour),
			PurgeInterval:       getdur("SYNC_PURGE_INTERVAL", 24*time.Hour),
			SoftTimeLimit:       getdur("SYNC_SOFT_TIME_LIMIT", 25*time.Minute),
			TriggerCooldown:     getdur("SYNC_TRIGGER_COOLDOWN", 5*time.Minute),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-sync-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	switch cfg.EncryptionMode {
	case "encrypted":
		if strings.TrimSpace(cfg.EncryptionKey) == "" {
			return cfg, errors.New("ENCRYPTION_KEY is required when ENCRYPTION_MODE=encrypted")
		}
	case "none":
	default:
		return cfg, fmt.Errorf("ENCRYPTION_MODE must be 'encrypted' or 'none', got %q", cfg.EncryptionMode)
	}
	if cfg.Upstream.RateLimitPerSecond < 1 {
		return cfg, errors.New("UPSTREAM_RATE_LIMIT must be >= 1")
	}
	if cfg.Upstream.RetryCount < 0 {
		return cfg, errors.New("UPSTREAM_RETRY_COUNT must be >= 0")
	}
	if cfg.Upstream.MaxThrottleRetries < 0 {
		return cfg, errors.New("UPSTREAM_MAX_THROTTLE_RETRIES must be >= 0")
	}
	if cfg.Upstream.PerPage < 1 || cfg.Upstream.MaxPages < 1 {
		return cfg, errors.New("UPSTREAM_PER_PAGE and UPSTREAM_MAX_PAGES must be >= 1")
	}
	if strings.TrimSpace(cfg.Upstream.PageTokenParam) == "" {
		return cfg, errors.New("UPSTREAM_PAGE_TOKEN_PARAM must not be empty")
	}
	if cfg.Sync.DispatchBatch < 1 {
		return cfg, errors.New("SYNC_DISPATCH_BATCH must be >= 1")
	}
	if cfg.Sync.MaxConcurrentSyncs < 1 {
		return cfg, errors.New("SYNC_MAX_CONCURRENT must be >= 1")
	}
	if cfg.Sync.StaleAfter <= 0 || cfg.Sync.StaleRetryDelay <= 0 {
		return cfg, errors.New("stale sweep durations must be positive")
	}
	if cfg.Sync.HistoryRetention <= 0 {
		return cfg, errors.New("SYNC_HISTORY_RETENTION must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
