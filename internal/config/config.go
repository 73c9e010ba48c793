// Package config loads service settings from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the settings shared by sessiond and sessionctl.
type Config struct {
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	ServiceName string `env:"SERVICE_NAME"` // defaults to hostname
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9102"`

	// KeyPrefix is prepended to every session key.
	KeyPrefix string `env:"KEY_PREFIX"`
	// ScoreResolution is the unit of recency scores.
	ScoreResolution time.Duration `env:"SCORE_RESOLUTION" envDefault:"1s"`

	BindLimit  int           `env:"BIND_LIMIT" envDefault:"30"`
	BindWindow time.Duration `env:"BIND_WINDOW" envDefault:"1m"`

	// LogRaces routes unbind race diagnostics to the process log.
	LogRaces bool `env:"LOG_RACES" envDefault:"true"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"2s"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("config: REDIS_ADDR must not be empty")
	}
	if c.ScoreResolution <= 0 {
		return fmt.Errorf("config: SCORE_RESOLUTION must be positive, got %s", c.ScoreResolution)
	}
	if c.BindLimit <= 0 {
		return fmt.Errorf("config: BIND_LIMIT must be positive, got %d", c.BindLimit)
	}
	if c.BindWindow <= 0 {
		return fmt.Errorf("config: BIND_WINDOW must be positive, got %s", c.BindWindow)
	}
	return nil
}
