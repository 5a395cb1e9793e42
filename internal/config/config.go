package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Cypherspark/smsgate/internal/core"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	Webhook   WebhookConfig
	Envelope  EnvelopeConfig
	Retention RetentionConfig
	Ping      PingConfig
	Log       LogConfig

	DeviceID string
	// PhoneRegion is the default region for local phone numbers.
	PhoneRegion string
}

type ServerConfig struct {
	Address string

	// RunWorkers lets the API process run the background jobs too. Turn it
	// off when a separate worker process runs them.
	RunWorkers bool
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type DispatchConfig struct {
	Order         core.Order
	PollInterval  time.Duration
	RetryStep     time.Duration
	MaxAttempts   int
	ProviderQPS   float64
	ProviderBurst int
	SendTimeout   time.Duration
}

type WebhookConfig struct {
	SigningKey   string
	BatchSize    int
	Concurrency  int
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Timeout      time.Duration
	StuckTimeout time.Duration
	Retention    time.Duration
	PollInterval time.Duration
}

type EnvelopeConfig struct {
	Passphrase string
}

type RetentionConfig struct {
	Messages time.Duration // zero disables purging
}

type PingConfig struct {
	Interval time.Duration // zero disables pings
}

type LogConfig struct {
	Level  slog.Level
	Format string // json | text
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}
	return FromEnv()
}

// FromEnv builds the config from environment variables. Every malformed or
// out-of-range key is reported.
func FromEnv() (*Config, error) {
	var p parser
	cfg := &Config{
		Server: ServerConfig{
			Address:    p.str("HTTP_ADDR", ":8080"),
			RunWorkers: p.boolVal("API_RUN_WORKERS", true),
		},
		Database: DatabaseConfig{
			URL:      p.required("DATABASE_URL"),
			MaxConns: p.int32Val("DATABASE_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Address:  p.str("REDIS_ADDR", ""),
			Password: p.str("REDIS_PASSWORD", ""),
			DB:       p.intVal("REDIS_DB", 0),
		},
		Dispatch: DispatchConfig{
			Order:         core.Order(strings.ToLower(p.str("DISPATCH_ORDER", string(core.OrderFIFO)))),
			PollInterval:  p.millis("DISPATCH_POLL_MS", 5*time.Second),
			RetryStep:     p.millis("DISPATCH_RETRY_STEP_MS", 10*time.Second),
			MaxAttempts:   p.intVal("DISPATCH_MAX_ATTEMPTS", 3),
			ProviderQPS:   p.floatVal("PROVIDER_QPS", 10),
			ProviderBurst: p.intVal("PROVIDER_BURST", 10),
			SendTimeout:   p.millis("SEND_TIMEOUT_MS", 30*time.Second),
		},
		Webhook: WebhookConfig{
			SigningKey:   p.str("WEBHOOK_SIGNING_KEY", ""),
			BatchSize:    p.intVal("WEBHOOK_BATCH", 50),
			Concurrency:  p.intVal("WEBHOOK_CONCURRENCY", 4),
			MaxRetries:   p.intVal("WEBHOOK_MAX_RETRIES", 15),
			BaseDelay:    p.millis("WEBHOOK_BASE_DELAY_MS", 5*time.Second),
			MaxDelay:     p.millis("WEBHOOK_MAX_DELAY_MS", 24*time.Hour),
			Timeout:      p.millis("WEBHOOK_TIMEOUT_MS", 30*time.Second),
			StuckTimeout: p.millis("WEBHOOK_STUCK_TIMEOUT_MS", 5*time.Minute),
			Retention:    p.days("WEBHOOK_RETENTION_DAYS", 7),
			PollInterval: p.millis("WEBHOOK_POLL_MS", time.Second),
		},
		Envelope: EnvelopeConfig{
			Passphrase: p.str("ENCRYPTION_PASSPHRASE", ""),
		},
		Retention: RetentionConfig{
			Messages: p.days("MESSAGES_RETENTION_DAYS", 0),
		},
		Ping: PingConfig{
			Interval: time.Duration(p.intVal("PING_INTERVAL_SEC", 0)) * time.Second,
		},
		Log: LogConfig{
			Level:  p.level("LOG_LEVEL", slog.LevelInfo),
			Format: strings.ToLower(p.str("LOG_FORMAT", "json")),
		},
		DeviceID:    p.str("DEVICE_ID", hostname()),
		PhoneRegion: strings.ToUpper(p.str("PHONE_REGION", "")),
	}
	cfg.Redis.Enabled = cfg.Redis.Address != ""

	p.check(cfg.Dispatch.Order == core.OrderFIFO || cfg.Dispatch.Order == core.OrderLIFO, "DISPATCH_ORDER must be fifo or lifo")
	p.check(cfg.Dispatch.PollInterval > 0, "DISPATCH_POLL_MS must be > 0")
	p.check(cfg.Dispatch.MaxAttempts > 0, "DISPATCH_MAX_ATTEMPTS must be > 0")
	p.check(cfg.Dispatch.ProviderQPS > 0, "PROVIDER_QPS must be > 0")
	p.check(cfg.Dispatch.ProviderBurst > 0, "PROVIDER_BURST must be > 0")
	p.check(cfg.Webhook.BatchSize > 0, "WEBHOOK_BATCH must be > 0")
	p.check(cfg.Webhook.Concurrency > 0, "WEBHOOK_CONCURRENCY must be > 0")
	p.check(cfg.Webhook.MaxRetries >= 0, "WEBHOOK_MAX_RETRIES must be >= 0")
	p.check(cfg.Webhook.BaseDelay > 0, "WEBHOOK_BASE_DELAY_MS must be > 0")
	p.check(cfg.Webhook.Timeout > 0, "WEBHOOK_TIMEOUT_MS must be > 0")
	p.check(cfg.Webhook.StuckTimeout > cfg.Webhook.Timeout, "WEBHOOK_STUCK_TIMEOUT_MS must exceed WEBHOOK_TIMEOUT_MS")
	p.check(cfg.Log.Format == "json" || cfg.Log.Format == "text", "LOG_FORMAT must be json or text")
	p.check(cfg.Database.MaxConns > 0, "DATABASE_MAX_CONNS must be > 0")

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Logger builds the process logger.
func (c *Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Log.Level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

type parser struct {
	errs []error
}

func (p *parser) check(ok bool, msg string) {
	if !ok {
		p.errs = append(p.errs, errors.New(msg))
	}
}

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (p *parser) required(key string) string {
	v := os.Getenv(key)
	if v == "" {
		p.errs = append(p.errs, fmt.Errorf("missing required env var: %s", key))
	}
	return v
}

func (p *parser) intVal(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid int for env %s: %q", key, v))
		return def
	}
	return i
}

func (p *parser) int32Val(key string, def int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid int32 for env %s: %q", key, v))
		return def
	}
	return int32(i)
}

func (p *parser) boolVal(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid bool for env %s: %q", key, v))
		return def
	}
	return b
}

func (p *parser) floatVal(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid number for env %s: %q", key, v))
		return def
	}
	return f
}

func (p *parser) millis(key string, def time.Duration) time.Duration {
	if os.Getenv(key) == "" {
		return def
	}
	return time.Duration(p.intVal(key, 0)) * time.Millisecond
}

func (p *parser) days(key string, def int) time.Duration {
	return time.Duration(p.intVal(key, def)) * 24 * time.Hour
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid log level for env %s: %q", key, v))
		return def
	}
	return l
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "smsgate"
	}
	return h
}
