package chaos

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Config controls chaos injection behavior.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	ReorderWindow int
	// MaxDelay only applies to engines built with a delay hook.
	MaxDelay time.Duration
	// CorruptRate only applies to engines built with a corrupt hook.
	CorruptRate float64
	// FailRate is the probability that Fail reports an injected failure.
	FailRate float64
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	for _, r := range []struct {
		name string
		v    float64
	}{
		{"dropRate", c.DropRate},
		{"duplicateRate", c.DuplicateRate},
		{"corruptRate", c.CorruptRate},
		{"failRate", c.FailRate},
	} {
		if r.v < 0 || r.v > 1 {
			return fmt.Errorf("%s must be between 0 and 1", r.name)
		}
	}
	if c.ReorderWindow <= 0 {
		return fmt.Errorf("reorderWindow must be >= 1")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Option customizes an Engine.
type Option[T any] func(*Engine[T])

// WithDelay sets how an item is delayed by d.
func WithDelay[T any](fn func(item T, d time.Duration) T) Option[T] {
	return func(e *Engine[T]) { e.delay = fn }
}

// WithCorrupt sets how an item is damaged.
func WithCorrupt[T any](fn func(item T, rng *rand.Rand) T) Option[T] {
	return func(e *Engine[T]) { e.corrupt = fn }
}

// Engine drops, duplicates, reorders, delays and damages items.
type Engine[T any] struct {
	cfg     Config
	mu      sync.Mutex
	rng     *rand.Rand
	pending []T
	delay   func(T, time.Duration) T
	corrupt func(T, *rand.Rand) T
}

// NewEngine creates a chaos engine with validation.
func NewEngine[T any](cfg Config, opts ...Option[T]) (*Engine[T], error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	e := &Engine[T]{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Process applies chaos to a single item and returns any output items.
func (e *Engine[T]) Process(item T) []T {
	if e == nil {
		return []T{item}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hit(e.cfg.DropRate) {
		return nil
	}
	item = e.applyDelay(item)
	if e.corrupt != nil && e.hit(e.cfg.CorruptRate) {
		item = e.corrupt(item, e.rng)
	}
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(item)
	}
	e.pending = append(e.pending, item)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	return e.applyDuplicate(e.take())
}

// Flush returns any buffered items after processing completes.
func (e *Engine[T]) Flush() []T {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []T
	for len(e.pending) > 0 {
		out = append(out, e.applyDuplicate(e.take())...)
	}
	return out
}

// Fail reports whether an operation should fail.
func (e *Engine[T]) Fail() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hit(e.cfg.FailRate)
}

func (e *Engine[T]) take() T {
	idx := e.rng.Intn(len(e.pending))
	item := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return item
}

func (e *Engine[T]) hit(rate float64) bool {
	return rate > 0 && e.rng.Float64() < rate
}

func (e *Engine[T]) applyDuplicate(item T) []T {
	out := []T{item}
	if e.hit(e.cfg.DuplicateRate) {
		out = append(out, item)
	}
	return out
}

func (e *Engine[T]) applyDelay(item T) T {
	if e.delay == nil || e.cfg.MaxDelay <= 0 {
		return item
	}
	delay := time.Duration(e.rng.Int63n(e.cfg.MaxDelay.Nanoseconds() + 1))
	if delay == 0 {
		return item
	}
	return e.delay(item, delay)
}
