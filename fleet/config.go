package fleet

import (
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	Logger          *slog.Logger  `json:"-"`
	Label           string        `json:"label"`
	Nodes           int           `json:"nodes"`
	ReadyTimeout    time.Duration `json:"ready-timeout"`
	ProbeCommand    string        `json:"probe-command"`
	ProbeAttempts   int           `json:"probe-attempts"`
	ProbeInterval   time.Duration `json:"probe-interval"`
	TeardownTimeout time.Duration `json:"teardown-timeout"`
}

const (
	DefaultReadyTimeout    = 10 * time.Minute
	DefaultProbeCommand    = "true"
	DefaultProbeAttempts   = 10
	DefaultProbeInterval   = 2 * time.Second
	DefaultTeardownTimeout = 5 * time.Minute
)

func Validate(config Config) error {
	if config.Nodes < 1 {
		return fmt.Errorf("nodes must be greater than 0")
	}
	if config.ReadyTimeout < 0 {
		return fmt.Errorf("ready-timeout must not be negative")
	}
	if config.ProbeAttempts < 0 {
		return fmt.Errorf("probe-attempts must not be negative")
	}
	if config.ProbeInterval < 0 {
		return fmt.Errorf("probe-interval must not be negative")
	}
	if config.TeardownTimeout < 0 {
		return fmt.Errorf("teardown-timeout must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.ProbeCommand == "" {
		c.ProbeCommand = DefaultProbeCommand
	}
	if c.ProbeAttempts == 0 {
		c.ProbeAttempts = DefaultProbeAttempts
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.TeardownTimeout == 0 {
		c.TeardownTimeout = DefaultTeardownTimeout
	}
	return c
}
