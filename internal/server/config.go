package server

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/pollchat/internal/wire"
)

// RateLimitConfig defines the per-host request rate limit.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	// Addr is where the long-polling chat listener binds.
	Addr string
	// NotifyAddr is where the health and watch endpoints bind. Empty
	// disables them.
	NotifyAddr     string
	AllowedOrigins []string
	ServerName     string

	MaxBodySize  int64
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	// MailboxLimit caps each user's pending messages. Zero means unbounded.
	MailboxLimit int
	RateLimit    RateLimitConfig

	MaxWatchMessageSize int64
	ShutdownTimeout     time.Duration

	LogLevel  string
	LogFormat string
}

func defaultConfig() Config {
	return Config{
		Addr:       "localhost:8080",
		NotifyAddr: "localhost:8081",
		AllowedOrigins: []string{
			"http://localhost:8081",
		},
		ServerName:   wire.DefaultServerName,
		MaxBodySize:  1 << 20,
		IdleTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
		MailboxLimit: 1024,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		MaxWatchMessageSize: 512,
		ShutdownTimeout:     5 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// sanitizeConfig replaces invalid values with their defaults.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ServerName == "" {
		cfg.ServerName = def.ServerName
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MailboxLimit < 0 {
		cfg.MailboxLimit = 0
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.MaxWatchMessageSize <= 0 {
		cfg.MaxWatchMessageSize = def.MaxWatchMessageSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if addr := os.Getenv("CHAT_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	// NOTIFY_ADDR may be set to empty to disable the notify listener.
	if addr, ok := os.LookupEnv("NOTIFY_ADDR"); ok {
		cfg.NotifyAddr = strings.TrimSpace(addr)
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if name := os.Getenv("SERVER_NAME"); name != "" {
		cfg.ServerName = name
	}

	if size := os.Getenv("MAX_BODY_SIZE"); size != "" {
		cfg.MaxBodySize = parseSize(size, cfg.MaxBodySize)
	}

	if idle := os.Getenv("IDLE_TIMEOUT"); idle != "" {
		cfg.IdleTimeout = parseSeconds(idle, cfg.IdleTimeout)
	}

	if write := os.Getenv("WRITE_TIMEOUT"); write != "" {
		cfg.WriteTimeout = parseSeconds(write, cfg.WriteTimeout)
	}

	if limit := os.Getenv("MAILBOX_LIMIT"); limit != "" {
		cfg.MailboxLimit = parseLimit(limit, cfg.MailboxLimit)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxWatchMessageSize = parseSize(maxSize, cfg.MaxWatchMessageSize)
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = strings.ToLower(format)
	}

	return &cfg
}

// LoadConfig layers command-line flags over the environment over defaults.
func LoadConfig(args []string) (*Config, error) {
	cfg := NewConfigFromEnv()

	fs := flag.NewFlagSet("pollchat", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "a", cfg.Addr, "chat listener address host:port")
	fs.StringVar(&cfg.NotifyAddr, "n", cfg.NotifyAddr, "health and watch listener address; empty disables it")
	origins := fs.String("o", strings.Join(cfg.AllowedOrigins, ","), "comma separated origins allowed on /watch")
	fs.Int64Var(&cfg.MaxBodySize, "b", cfg.MaxBodySize, "maximum request body size in bytes")
	idle := fs.Int("i", int(cfg.IdleTimeout/time.Second), "idle read timeout in seconds")
	fs.IntVar(&cfg.MailboxLimit, "m", cfg.MailboxLimit, "maximum pending messages per user, 0 for unbounded")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.AllowedOrigins = parseOrigins(*origins)
	cfg.IdleTimeout = time.Duration(*idle) * time.Second

	sanitized := sanitizeConfig(*cfg)
	return &sanitized, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseLimit accepts zero, unlike parseIntValue.
func parseLimit(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
