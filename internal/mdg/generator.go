package mdg

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

var tenThousand = decimal.NewFromInt(10_000)

// walkPlaces bounds the precision carried from bar to bar.
const walkPlaces = 8

// Config controls a Generator.
type Config struct {
	// Seed makes a run reproducible. Zero seeds from the wall clock.
	Seed      int64
	BasePrice decimal.Decimal
	Volume    decimal.Decimal
	// StepBps bounds the close-to-close move of one bar.
	StepBps    int64
	Resolution schema.Resolution
	// Start is the end time of the first bar.
	Start time.Time
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if !c.BasePrice.IsPositive() {
		return fmt.Errorf("invalid generator config: BasePrice must be > 0")
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("invalid generator config: Volume must be >= 0")
	}
	if c.StepBps < 0 || c.StepBps >= 10_000 {
		return fmt.Errorf("invalid generator config: StepBps must be within [0, 10000)")
	}
	if c.Resolution.Duration() == 0 {
		return fmt.Errorf("invalid generator config: resolution %s has no period", c.Resolution)
	}
	return nil
}

// Generator creates random-walk bars for a fixed set of instruments, one bar
// per instrument and period.
type Generator struct {
	cfg     Config
	symbols []string
	rng     *rand.Rand
	last    []decimal.Decimal
	end     time.Time
}

// NewGenerator creates a generator for the named instruments.
func NewGenerator(cfg Config, symbols ...string) (*Generator, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("generator has no symbols")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC().Truncate(cfg.Resolution.Duration())
	}
	last := make([]decimal.Decimal, len(symbols))
	for i := range last {
		last[i] = cfg.BasePrice
	}
	return &Generator{
		cfg:     cfg,
		symbols: symbols,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		last:    last,
		end:     cfg.Start,
	}, nil
}

// Next returns the bars of the next period.
func (g *Generator) Next() []RawBar {
	out := make([]RawBar, len(g.symbols))
	for i, sym := range g.symbols {
		open := g.last[i]
		last := open.Add(open.Mul(g.move(true))).Round(walkPlaces)
		hi, lo := decimal.Max(open, last), decimal.Min(open, last)
		hi = hi.Add(hi.Mul(g.move(false)))
		lo = lo.Sub(lo.Mul(g.move(false)))
		out[i] = RawBar{
			Symbol:     sym,
			Resolution: g.cfg.Resolution,
			End:        g.end,
			Open:       open,
			High:       hi,
			Low:        lo,
			Close:      last,
			Volume:     g.cfg.Volume,
		}
		g.last[i] = last
	}
	g.end = g.end.Add(g.cfg.Resolution.Duration())
	return out
}

// move draws a fraction within StepBps. A signed draw spans both directions.
func (g *Generator) move(signed bool) decimal.Decimal {
	if g.cfg.StepBps == 0 {
		return decimal.Zero
	}
	r := g.rng.Int63n(g.cfg.StepBps + 1)
	if signed && g.rng.Intn(2) == 0 {
		r = -r
	}
	return decimal.NewFromInt(r).Div(tenThousand)
}
