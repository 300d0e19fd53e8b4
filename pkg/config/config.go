// Package config loads relay settings from the environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	ListenAddr string `env:"RELAY_ADDR" default:"127.0.0.1:6666"`
	AdminAddr  string `env:"RELAY_ADMIN_ADDR"`

	ReadTimeout  time.Duration `env:"RELAY_READ_TIMEOUT" default:"0s"`
	WriteTimeout time.Duration `env:"RELAY_WRITE_TIMEOUT" default:"10s"`
	MaxFrameSize int           `env:"RELAY_MAX_FRAME_SIZE" default:"67108864"`
	InboxSize    int           `env:"RELAY_INBOX_SIZE" default:"256"`

	DisconnectOnMergeError bool `env:"RELAY_DISCONNECT_ON_MERGE_ERROR" default:"false"`
	DumpOnExit             bool `env:"RELAY_DUMP_ON_EXIT" default:"false"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return errors.New("RELAY_ADDR is required")
	}
	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 {
		return errors.New("RELAY_READ_TIMEOUT and RELAY_WRITE_TIMEOUT must not be negative")
	}
	if cfg.MaxFrameSize <= 0 {
		return fmt.Errorf("RELAY_MAX_FRAME_SIZE must be positive, got %d", cfg.MaxFrameSize)
	}
	if cfg.InboxSize <= 0 {
		return fmt.Errorf("RELAY_INBOX_SIZE must be positive, got %d", cfg.InboxSize)
	}
	return nil
}
