package risk

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// Reason names the check that denied a request.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonRateLimit
	ReasonMaxQty
	ReasonPriceBand
	ReasonMaxNotional
	ReasonPositionLimit

	MaxReason = ReasonPositionLimit
)

var reasonNames = [...]string{
	ReasonNone:          "none",
	ReasonKillSwitch:    "kill_switch",
	ReasonRateLimit:     "rate_limit",
	ReasonMaxQty:        "max_qty",
	ReasonPriceBand:     "price_band",
	ReasonMaxNotional:   "max_notional",
	ReasonPositionLimit: "position_limit",
}

func (r Reason) String() string {
	if r <= MaxReason {
		return reasonNames[r]
	}
	return "unknown"
}

// Config holds pre-trade limits. A zero field disables its check. Notional
// is price*qty in scaled units.
type Config struct {
	KillSwitch           bool
	MaxOrderQty          schema.Quantity
	MaxOrderNotional     int64
	MaxPosition          schema.Quantity
	OrderRateLimit       int
	OrderRateWindow      time.Duration
	MaxPriceDeviationBps int64
}

// StateView is what the engine knows about the instrument of a request.
type StateView struct {
	Position       schema.Quantity
	ReferencePrice schema.Price
	// Now is the data clock. Zero uses the wall clock.
	Now int64
}

type Decision struct {
	Allow  bool
	Reason Reason
}

// Err converts a denial into an invalid-order error.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	return errors.Wrap(exception.ErrInvalidOrderRequest, "risk denied").With("reason", d.Reason.String())
}

var (
	bpsDenominator = decimal.NewFromInt(10_000)
	maxNotional    = decimal.NewFromInt(math.MaxInt64)
)

// Engine evaluates submit requests against static limits. Evaluate runs on
// the engine goroutine; the kill switch may be flipped from anywhere.
type Engine struct {
	cfg  Config
	kill atomic.Bool

	windowStart int64
	inWindow    int
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{cfg: cfg}
	e.kill.Store(cfg.KillSwitch)
	return e
}

func (e *Engine) SetKillSwitch(on bool) {
	e.kill.Store(on)
}

// KillSwitch reports whether every submit is denied.
func (e *Engine) KillSwitch() bool {
	return e.kill.Load()
}

// Evaluate runs the checks in a fixed order and reports the first failure.
// The rate window counts every evaluated request, denied or not. Combo
// requests skip the position check.
func (e *Engine) Evaluate(req schema.OrderRequest, view StateView) Decision {
	if e.kill.Load() {
		return Decision{Reason: ReasonKillSwitch}
	}
	if !e.admitRate(view.Now) {
		return Decision{Reason: ReasonRateLimit}
	}
	if e.cfg.MaxOrderQty > 0 && req.Qty > e.cfg.MaxOrderQty {
		return Decision{Reason: ReasonMaxQty}
	}
	if e.outsideBand(req, view.ReferencePrice) {
		return Decision{Reason: ReasonPriceBand}
	}

	notional := decimal.NewFromInt(int64(priceOf(req, view.ReferencePrice))).
		Mul(decimal.NewFromInt(int64(req.Qty))).
		Abs()
	if notional.GreaterThan(maxNotional) ||
		(e.cfg.MaxOrderNotional > 0 && notional.GreaterThan(decimal.NewFromInt(e.cfg.MaxOrderNotional))) {
		return Decision{Reason: ReasonMaxNotional}
	}

	if e.cfg.MaxPosition > 0 && req.Type != schema.OrderTypeCombo {
		next := view.Position
		switch req.Side {
		case schema.OrderSideBuy:
			next += req.Qty
		case schema.OrderSideSell:
			next -= req.Qty
		}
		if next > e.cfg.MaxPosition || -next > e.cfg.MaxPosition {
			return Decision{Reason: ReasonPositionLimit}
		}
	}
	return Decision{Allow: true}
}

// admitRate counts the request in a fixed window starting at its first
// request.
func (e *Engine) admitRate(now int64) bool {
	if e.cfg.OrderRateLimit <= 0 || e.cfg.OrderRateWindow <= 0 {
		return true
	}
	if now == 0 {
		now = time.Now().UTC().UnixNano()
	}
	if e.windowStart == 0 || now-e.windowStart >= int64(e.cfg.OrderRateWindow) {
		e.windowStart, e.inWindow = now, 0
	}
	e.inWindow++
	return e.inWindow <= e.cfg.OrderRateLimit
}

// outsideBand reports whether a limit price deviates from ref by more than
// the configured basis points.
func (e *Engine) outsideBand(req schema.OrderRequest, ref schema.Price) bool {
	if e.cfg.MaxPriceDeviationBps <= 0 || !req.Type.NeedsLimit() || req.LimitPrice <= 0 || ref <= 0 {
		return false
	}
	diff := decimal.NewFromInt(int64(req.LimitPrice - ref)).Abs().Mul(bpsDenominator)
	return diff.GreaterThan(decimal.NewFromInt(int64(ref)).Mul(decimal.NewFromInt(e.cfg.MaxPriceDeviationBps)))
}

func priceOf(req schema.OrderRequest, ref schema.Price) schema.Price {
	switch {
	case req.Type.NeedsLimit() && req.LimitPrice > 0:
		return req.LimitPrice
	case req.Type.NeedsStop() && req.StopPrice > 0:
		return req.StopPrice
	default:
		return ref
	}
}
