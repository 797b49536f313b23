package drover

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration for the worker runtime.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int `env:"DROVER_CONCURRENCY"`

	// Queues is the list of queues this runtime will poll.
	Queues []string `env:"DROVER_QUEUES" envSeparator:","`

	// PollInterval is how often to poll for new jobs.
	PollInterval time.Duration `env:"DROVER_POLL_INTERVAL"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `env:"DROVER_SHUTDOWN_TIMEOUT"`

	// HeartbeatInterval is how often executing jobs send heartbeats.
	HeartbeatInterval time.Duration `env:"DROVER_HEARTBEAT_INTERVAL"`

	// StaleJobThreshold is how long before a job without heartbeat is
	// considered stale and returned to pending.
	StaleJobThreshold time.Duration `env:"DROVER_STALE_JOB_THRESHOLD"`

	// RateLimitCooldown is the fixed release delay applied to jobs that
	// hit a rate-limit window. Not counted as a failed attempt.
	RateLimitCooldown time.Duration `env:"DROVER_RATE_LIMIT_COOLDOWN"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		Queues:            []string{"default"},
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleJobThreshold: 30 * time.Second,
		RateLimitCooldown: 5 * time.Second,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by DROVER_* environment
// variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("drover: parse config from env: %w", err)
	}
	return cfg, nil
}
