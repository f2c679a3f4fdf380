package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Store     StoreConfig
	Capture   CaptureConfig
	Stream    StreamConfig
	Server    ServerConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Debug     bool
}

// StoreConfig bounds the per-session buffers.
type StoreConfig struct {
	MaxLogsPerSession int
	TTLSeconds        int
	SweepInterval     time.Duration
}

// TTL returns the idle lifetime of a session buffer.
func (c *StoreConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CaptureConfig controls the server-side interceptor.
type CaptureConfig struct {
	SessionCookie string
	MaxBodyBytes  int64
	ReplayEnabled bool
}

// StreamConfig controls the streaming endpoints.
type StreamConfig struct {
	Path      string
	WSPath    string
	Heartbeat time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// RateLimitConfig holds per-IP limits for the companion endpoints.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// RedisConfig holds the optional record mirror settings. An empty Addr
// disables the mirror.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// Enabled reports whether a Redis address was configured.
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	maxLogs, err := getEnvInt("NETPANEL_MAX_LOGS_PER_SESSION", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	ttlSeconds, err := getEnvInt("NETPANEL_TTL_SECONDS", 60)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sweepInterval, err := getEnvDuration("NETPANEL_SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	debug, err := getEnvBool("NETPANEL_DEBUG", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxBody, err := getEnvInt("NETPANEL_MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	replay, err := getEnvBool("NETPANEL_REPLAY_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	heartbeat, err := getEnvDuration("NETPANEL_HEARTBEAT_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("NETPANEL_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("NETPANEL_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("NETPANEL_RATE_LIMIT_RPS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("NETPANEL_RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("NETPANEL_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Store: StoreConfig{
			MaxLogsPerSession: maxLogs,
			TTLSeconds:        ttlSeconds,
			SweepInterval:     sweepInterval,
		},
		Capture: CaptureConfig{
			SessionCookie: getEnv("NETPANEL_SESSION_COOKIE", "netpanel_session"),
			MaxBodyBytes:  int64(maxBody),
			ReplayEnabled: replay,
		},
		Stream: StreamConfig{
			Path:      getEnv("NETPANEL_STREAM_PATH", "/__netpanel/stream"),
			WSPath:    getEnv("NETPANEL_WS_PATH", "/__netpanel/ws"),
			Heartbeat: heartbeat,
		},
		Server: ServerConfig{
			Addr:         getEnv("NETPANEL_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("NETPANEL_CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: rps,
			Burst:             burst,
		},
		Redis: RedisConfig{
			Addr:     getEnv("NETPANEL_REDIS_ADDR", ""),
			Password: getEnv("NETPANEL_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Debug: debug,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Store.MaxLogsPerSession < 1 {
		return fmt.Errorf("NETPANEL_MAX_LOGS_PER_SESSION must be >= 1, got %d", c.Store.MaxLogsPerSession)
	}
	if c.Store.TTLSeconds < 1 {
		return fmt.Errorf("NETPANEL_TTL_SECONDS must be >= 1, got %d", c.Store.TTLSeconds)
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("NETPANEL_SWEEP_INTERVAL must be positive, got %s", c.Store.SweepInterval)
	}
	if c.Capture.MaxBodyBytes < 1 {
		return fmt.Errorf("NETPANEL_MAX_BODY_BYTES must be >= 1, got %d", c.Capture.MaxBodyBytes)
	}
	if c.Capture.SessionCookie == "" {
		return errors.New("NETPANEL_SESSION_COOKIE must not be empty")
	}
	if !strings.HasPrefix(c.Stream.Path, "/") || !strings.HasPrefix(c.Stream.WSPath, "/") {
		return errors.New("NETPANEL_STREAM_PATH and NETPANEL_WS_PATH must start with '/'")
	}
	if c.Stream.Path == c.Stream.WSPath {
		return errors.New("NETPANEL_STREAM_PATH and NETPANEL_WS_PATH must differ")
	}
	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("NETPANEL_HEARTBEAT_INTERVAL must be positive, got %s", c.Stream.Heartbeat)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("NETPANEL_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("NETPANEL_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("NETPANEL_RATE_LIMIT_RPS must be positive, got %g", c.RateLimit.RequestsPerSecond)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("NETPANEL_RATE_LIMIT_BURST must be >= 1, got %d", c.RateLimit.Burst)
	}

	if c.Capture.ReplayEnabled {
		log.Warn().Msg("NETPANEL_REPLAY_ENABLED=true lets clients issue arbitrary outbound requests; enable for local development only")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
