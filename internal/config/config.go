// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, the shared Redis store, realtime connection limits,
// rate limiting, and observability settings.
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-chat-realtime")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig addresses the shared ephemeral store used for fanout, presence
// leases and typing indicators.
type RedisConfig struct {
	Addr          string // REDIS_ADDR
	Password      string // REDIS_PASSWORD
	DB            int    // REDIS_DB
	ChannelPrefix string // REDIS_CHANNEL_PREFIX, prepended to every topic channel
}

// RealtimeConfig tunes the per-process hub, presence tracking and the
// WebSocket transport.
type RealtimeConfig struct {
	ProcessID        string        // PROCESS_ID (defaults to hostname-pid)
	SendQueueSize    int           // SEND_QUEUE_SIZE, per-connection outbound ring
	MaxConnsPerUser  int           // MAX_CONNS_PER_USER, 0 disables the cap
	HeartbeatTimeout time.Duration // HEARTBEAT_TIMEOUT, idle connections are closed
	SweepInterval    time.Duration // SWEEP_INTERVAL
	PingInterval     time.Duration // WS_PING_INTERVAL
	PresenceLease    time.Duration // PRESENCE_LEASE
	TypingTTL        time.Duration // TYPING_TTL
	PublishTimeout   time.Duration // PUBLISH_TIMEOUT
	HealthInterval   time.Duration // FANOUT_HEALTH_INTERVAL
	RateRPS          float64       // WS_RATE_RPS, client ops per second per connection
	RateBurst        int           // WS_RATE_BURST
	MaxContentRunes  int           // MAX_CONTENT_RUNES
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

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBPath string // SQLite path

	// Shared store
	Redis RedisConfig

	// Realtime
	Realtime RealtimeConfig

	// Auth
	JWTSecret     string // JWT_SECRET, HS256 key for client credentials
	JWTIssuer     string // JWT_ISSUER, optional expected iss
	InternalToken string // INTERNAL_TOKEN, shared secret for /internal routes

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a clientMessageId is deduplicated

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

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath: getenv("DB_PATH", "app.db"),

		// Shared store
		Redis: RedisConfig{
			Addr:          getenv("REDIS_ADDR", "localhost:6379"),
			Password:      getenv("REDIS_PASSWORD", ""),
			DB:            getint("REDIS_DB", 0),
			ChannelPrefix: getenv("REDIS_CHANNEL_PREFIX", "rt:"),
		},

		// Realtime
		Realtime: RealtimeConfig{
			ProcessID:        getenv("PROCESS_ID", defaultProcessID()),
			SendQueueSize:    getint("SEND_QUEUE_SIZE", 256),
			MaxConnsPerUser:  getint("MAX_CONNS_PER_USER", 10),
			HeartbeatTimeout: getdur("HEARTBEAT_TIMEOUT", 90*time.Second),
			SweepInterval:    getdur("SWEEP_INTERVAL", 15*time.Second),
			PingInterval:     getdur("WS_PING_INTERVAL", 30*time.Second),
			PresenceLease:    getdur("PRESENCE_LEASE", 90*time.Second),
			TypingTTL:        getdur("TYPING_TTL", 5*time.Minute),
			PublishTimeout:   getdur("PUBLISH_TIMEOUT", 2*time.Second),
			HealthInterval:   getdur("FANOUT_HEALTH_INTERVAL", 30*time.Second),
			RateRPS:          getfloat("WS_RATE_RPS", 20),
			RateBurst:        getint("WS_RATE_BURST", 40),
			MaxContentRunes:  getint("MAX_CONTENT_RUNES", 4000),
		},

		// Auth
		JWTSecret:     getenv("JWT_SECRET", ""),
		JWTIssuer:     getenv("JWT_ISSUER", ""),
		InternalToken: getenv("INTERNAL_TOKEN", ""),

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

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-realtime"),
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
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty")
	}
	if cfg.Redis.DB < 0 {
		return cfg, errors.New("REDIS_DB must be >= 0")
	}
	rt := cfg.Realtime
	if strings.TrimSpace(rt.ProcessID) == "" {
		return cfg, errors.New("PROCESS_ID must not be empty")
	}
	if rt.SendQueueSize < 1 {
		return cfg, errors.New("SEND_QUEUE_SIZE must be >= 1")
	}
	if rt.MaxConnsPerUser < 0 {
		return cfg, errors.New("MAX_CONNS_PER_USER must be >= 0")
	}
	if rt.HeartbeatTimeout <= 0 || rt.SweepInterval <= 0 || rt.PingInterval <= 0 ||
		rt.PresenceLease <= 0 || rt.TypingTTL <= 0 || rt.PublishTimeout <= 0 || rt.HealthInterval <= 0 {
		return cfg, errors.New("realtime intervals must be positive durations")
	}
	if rt.PresenceLease <= rt.SweepInterval {
		return cfg, errors.New("PRESENCE_LEASE must exceed SWEEP_INTERVAL")
	}
	if rt.RateRPS <= 0 || rt.RateBurst < 1 {
		return cfg, errors.New("WS_RATE_RPS must be > 0 and WS_RATE_BURST >= 1")
	}
	if rt.MaxContentRunes < 1 {
		return cfg, errors.New("MAX_CONTENT_RUNES must be >= 1")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return cfg, errors.New("JWT_SECRET must not be empty")
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
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
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

// defaultProcessID identifies this process on the shared store.
func defaultProcessID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "realtime"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
