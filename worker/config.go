package worker

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the tunables of a Worker that are usually set per
// deployment. LoadConfig reads them from DURABLE_WORKER_* variables.
type Config struct {
	Domain          string        `env:"DOMAIN" envDefault:"default"`
	Identity        string        `env:"IDENTITY"`
	DecisionPollers int           `env:"DECISION_POLLERS" envDefault:"2"`
	ActivityPollers int           `env:"ACTIVITY_POLLERS" envDefault:"4"`
	CacheSize       int           `env:"CACHE_SIZE" envDefault:"256"`
	MaxPollBackoff  time.Duration `env:"MAX_POLL_BACKOFF" envDefault:"30s"`
	// LogReplay keeps workflow log records emitted while replaying.
	LogReplay bool `env:"LOG_REPLAY"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "DURABLE_WORKER_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Domain == "" {
		c.Domain = "default"
	}
	if c.DecisionPollers <= 0 {
		c.DecisionPollers = 2
	}
	if c.ActivityPollers < 0 {
		c.ActivityPollers = 0
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	if c.MaxPollBackoff <= 0 {
		c.MaxPollBackoff = 30 * time.Second
	}
	return c
}
