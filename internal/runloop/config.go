package runloop

import (
	"fmt"
	"time"

	"tradecore/internal/frontier"
	"tradecore/internal/obs"
	"tradecore/internal/subscription"
)

const (
	defaultTimeBudget    = 5 * time.Second
	defaultMaxNoProgress = 1000
	defaultStopTimeout   = 10 * time.Second
)

// Config controls a Loop.
type Config struct {
	Mode frontier.Mode
	// TimeBudget bounds every strategy callback.
	TimeBudget time.Duration
	// MaxNoProgress bounds consecutive slices that do not advance the frontier.
	MaxNoProgress int
	// WarmupUntil suppresses side effects for slices before this frontier time.
	WarmupUntil int64
	// WarmupSlices suppresses side effects for the first slices of the run.
	WarmupSlices int
	// StopTimeout bounds the cancel-all step of Stopping.
	StopTimeout   time.Duration
	Subscriptions *subscription.Registry
	Metrics       *obs.Metrics
}

func (c Config) withDefaults() Config {
	if c.TimeBudget == 0 {
		c.TimeBudget = defaultTimeBudget
	}
	if c.MaxNoProgress == 0 {
		c.MaxNoProgress = defaultMaxNoProgress
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = defaultStopTimeout
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.TimeBudget < 0 {
		return fmt.Errorf("time budget must be positive, got %s", c.TimeBudget)
	}
	if c.MaxNoProgress < 0 {
		return fmt.Errorf("max no-progress must not be negative, got %d", c.MaxNoProgress)
	}
	if c.WarmupSlices < 0 {
		return fmt.Errorf("warmup slices must not be negative, got %d", c.WarmupSlices)
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("stop timeout must be positive, got %s", c.StopTimeout)
	}
	return nil
}

func (c Config) warmup() bool {
	return c.WarmupSlices > 0 || c.WarmupUntil > 0
}
