// Package config reads the server settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go-chat-core/internal/delivery"
	"go-chat-core/internal/ordering"
	"go-chat-core/internal/session"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/mama165/sdk-go/logs"
)

type Config struct {
	Addr   string `env:"ADDR,default=:8080"`
	NodeID string `env:"NODE_ID"`

	DBDSN     string `env:"DB_DSN"`
	RedisAddr string `env:"REDIS_ADDR"`

	JWTSecret string `env:"JWT_SECRET,required=true" validate:"required"`
	APIKeys   string `env:"API_KEYS"`

	LogLevel  string `env:"LOG_LEVEL,default=INFO"`
	LogFormat string `env:"LOG_FORMAT,default=text" validate:"oneof=text json"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s" validate:"gt=0"`
	MissedHeartbeats  int           `env:"MISSED_HEARTBEATS,default=2" validate:"min=1"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s" validate:"gt=0"`
	SendBuffer        int           `env:"SEND_BUFFER,default=256" validate:"min=1"`
	DrainTimeout      time.Duration `env:"DRAIN_TIMEOUT,default=5s" validate:"gt=0"`

	AckTimeout     time.Duration `env:"ACK_TIMEOUT,default=5s" validate:"gt=0"`
	AckBackoff     float64       `env:"ACK_BACKOFF,default=2" validate:"gte=1"`
	AckMaxAttempts int           `env:"ACK_MAX_ATTEMPTS,default=5" validate:"gte=0"`

	StoreRetryMax     int           `env:"STORE_RETRY_MAX,default=4" validate:"gte=0"`
	StoreRetryInitial time.Duration `env:"STORE_RETRY_INITIAL,default=100ms" validate:"gt=0"`
	BacklogInterval   time.Duration `env:"BACKLOG_INTERVAL,default=2s" validate:"gt=0"`

	DirectoryRefresh time.Duration `env:"DIRECTORY_REFRESH,default=10s" validate:"gt=0"`
}

var validate = validator.New()

// Load decodes the environment and validates the result. An unset NODE_ID
// falls back to the hostname.
func Load() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("resolve node id: %w", err)
		}
		cfg.NodeID = host
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects zero or negative intervals and sizes.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) Session() session.Config {
	return session.Config{
		NodeID:            c.NodeID,
		HandshakeTimeout:  c.HandshakeTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		MissedHeartbeats:  c.MissedHeartbeats,
		SendBuffer:        c.SendBuffer,
		DrainTimeout:      c.DrainTimeout,
	}
}

func (c Config) Retry() ordering.RetryPolicy {
	return ordering.RetryPolicy{Timeout: c.AckTimeout, Multiplier: c.AckBackoff, MaxAttempts: c.AckMaxAttempts}
}

func (c Config) Delivery() delivery.Config {
	d := delivery.DefaultConfig()
	d.StoreRetryInitial = c.StoreRetryInitial
	d.StoreRetryMax = c.StoreRetryMax
	return d
}

// Logger builds the process logger. JSON goes through slog directly, text
// through the shared sdk logger.
func (c Config) Logger() *slog.Logger {
	if strings.EqualFold(c.LogFormat, "json") {
		var level slog.Level
		if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
			level = slog.LevelInfo
		}
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return logs.GetLoggerFromString(c.LogLevel)
}
