package frontier

import (
	"fmt"
	"time"

	"tradecore/internal/obs"
)

// Mode selects backtest or live synchronization.
type Mode uint8

const (
	ModeBacktest Mode = iota
	ModeLive
)

func (m Mode) String() string {
	if m == ModeLive {
		return "live"
	}
	return "backtest"
}

// CorruptPolicy decides what a corrupt historical record does to the run.
type CorruptPolicy uint8

const (
	CorruptFail CorruptPolicy = iota
	CorruptSkip
)

// ParseCorruptPolicy accepts "fail" and "skip". Empty means fail.
func ParseCorruptPolicy(s string) (CorruptPolicy, error) {
	switch s {
	case "", "fail":
		return CorruptFail, nil
	case "skip":
		return CorruptSkip, nil
	default:
		return CorruptFail, fmt.Errorf("unknown corrupt policy: %q", s)
	}
}

const (
	defaultGraceWindow   = 50 * time.Millisecond
	defaultPollInterval  = 5 * time.Millisecond
	defaultMaxCorruptRun = 100
)

// Config controls a Synchronizer.
type Config struct {
	Mode Mode
	// GraceWindow bounds how long a live slice waits for lagging feeds and
	// how long Next waits before reporting ErrIdle.
	GraceWindow time.Duration
	// PollInterval is the fallback re-poll period for adapters that do not
	// signal readiness.
	PollInterval  time.Duration
	CorruptPolicy CorruptPolicy
	// MaxCorruptRun bounds consecutive skipped records of one subscription.
	MaxCorruptRun int
	Clock         Clock
	Metrics       *obs.Metrics
}

func (c Config) withDefaults() Config {
	if c.GraceWindow == 0 {
		c.GraceWindow = defaultGraceWindow
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxCorruptRun == 0 {
		c.MaxCorruptRun = defaultMaxCorruptRun
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.GraceWindow < 0 {
		return fmt.Errorf("invalid frontier config: GraceWindow must be >= 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid frontier config: PollInterval must be > 0")
	}
	if c.MaxCorruptRun < 0 {
		return fmt.Errorf("invalid frontier config: MaxCorruptRun must be >= 0")
	}
	return nil
}

// Clock abstracts wall time for grace windows.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock uses the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
