package og

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

var tenThousand = decimal.NewFromInt(10_000)

// FillModel decides whether and how a working order executes against a slice.
// It may set Order.Triggered; it must not change any other order field.
type FillModel interface {
	Fill(o *Order, slice schema.TimeSlice) (Fill, bool, error)
}

// FillConfig tunes the default fill model.
type FillConfig struct {
	// SlippageBps moves market-like fills against the order by price*bps/10000.
	SlippageBps int64
	// FeeRate is charged on fill notional.
	FeeRate decimal.Decimal
	// VolumeRatio caps each fill at a share of the bar volume. Zero disables the cap.
	VolumeRatio decimal.Decimal
	// Scales resolves the scaling of fee computation. Nil means unscaled.
	Scales func(schema.SymbolID) schema.ScaleSpec
}

// DefaultFillModel fills at the least favorable price the slice supports.
type DefaultFillModel struct {
	cfg FillConfig
}

// NewFillModel creates the default fill model.
func NewFillModel(cfg FillConfig) *DefaultFillModel {
	return &DefaultFillModel{cfg: cfg}
}

// priceRange is the part of a data point a fill can be priced from.
type priceRange struct {
	open, high, low, last schema.Price
	volume                schema.Quantity
}

func rangeOf(p schema.DataPoint, side schema.OrderSide) (priceRange, bool) {
	switch p.Kind {
	case schema.DataBar:
		b := p.Bar
		return priceRange{open: b.Open, high: b.High, low: b.Low, last: b.Close, volume: b.Volume}, b.Close > 0
	case schema.DataTrade:
		px := p.Trade.Price
		return priceRange{open: px, high: px, low: px, last: px, volume: p.Trade.Size}, px > 0
	case schema.DataQuote:
		px, size := p.Quote.AskPrice, p.Quote.AskSize
		if side == schema.OrderSideSell {
			px, size = p.Quote.BidPrice, p.Quote.BidSize
		}
		if px <= 0 {
			px = p.Quote.Mid()
		}
		return priceRange{open: px, high: px, low: px, last: px, volume: size}, px > 0
	default:
		return priceRange{}, false
	}
}

// pointFor returns the first fresh point of a symbol. Fill-forward copies are
// stale and never fill orders.
func pointFor(slice schema.TimeSlice, symbol schema.SymbolID) (schema.DataPoint, bool) {
	for _, p := range slice.Points {
		if p.Symbol == symbol && !p.FillForward {
			return p, true
		}
	}
	return schema.DataPoint{}, false
}

func (m *DefaultFillModel) Fill(o *Order, slice schema.TimeSlice) (Fill, bool, error) {
	if o.Type == schema.OrderTypeCombo {
		return m.fillCombo(o, slice)
	}
	p, ok := pointFor(slice, o.Symbol)
	if !ok {
		return Fill{}, false, nil
	}
	rng, ok := rangeOf(p, o.Side)
	if !ok {
		return Fill{}, false, nil
	}
	buy := o.Side == schema.OrderSideBuy

	var price schema.Price
	switch o.Type {
	case schema.OrderTypeMarket:
		price = m.slip(rng.last, o.Side)
	case schema.OrderTypeLimit:
		if price, ok = limitPrice(rng, buy, o.LimitPrice); !ok {
			return Fill{}, false, nil
		}
	case schema.OrderTypeStopMarket:
		if !stopTouched(rng, buy, o.StopPrice) {
			return Fill{}, false, nil
		}
		price = m.slip(stopPrice(rng, buy, o.StopPrice), o.Side)
	case schema.OrderTypeStopLimit:
		if !o.Triggered {
			if !stopTouched(rng, buy, o.StopPrice) {
				return Fill{}, false, nil
			}
			o.Triggered = true
		}
		if price, ok = limitPrice(rng, buy, o.LimitPrice); !ok {
			return Fill{}, false, nil
		}
	case schema.OrderTypeMarketOnOpen:
		coversOpen := p.Resolution >= schema.ResolutionDaily && p.Time > o.NotBefore
		if p.Start() < o.NotBefore && !coversOpen {
			return Fill{}, false, nil
		}
		price = m.slip(rng.open, o.Side)
	case schema.OrderTypeMarketOnClose:
		if p.Time < o.NotBefore {
			return Fill{}, false, nil
		}
		price = m.slip(rng.last, o.Side)
	default:
		return Fill{}, false, errors.Wrap(exception.ErrInvalidOrderRequest, "unsupported order type").With("type", o.Type.String())
	}

	qty := m.capQty(o.Remaining(), rng.volume)
	if qty <= 0 {
		return Fill{}, false, nil
	}
	return Fill{Qty: qty, Price: price, Fee: m.fee(o.Symbol, price, qty)}, true, nil
}

// fillCombo fills every leg at once, or nothing.
func (m *DefaultFillModel) fillCombo(o *Order, slice schema.TimeSlice) (Fill, bool, error) {
	qty := o.Remaining()
	legs := make([]schema.LegFill, 0, len(o.Legs))
	var (
		net schema.Price
		fee schema.Fee
	)
	for _, leg := range o.Legs {
		side := o.Side
		ratio := leg.Ratio
		if ratio < 0 {
			side = side.Opposite()
			ratio = -ratio
		}
		p, ok := pointFor(slice, leg.Symbol)
		if !ok {
			return Fill{}, false, nil
		}
		rng, ok := rangeOf(p, side)
		if !ok {
			return Fill{}, false, nil
		}
		price := m.slip(rng.last, side)
		legQty := qty * schema.Quantity(ratio)
		legFee := m.fee(leg.Symbol, price, legQty)
		legs = append(legs, schema.LegFill{Symbol: leg.Symbol, Side: side, Qty: legQty, Price: price, Fee: legFee})
		net += price * schema.Price(leg.Ratio)
		fee += legFee
	}
	return Fill{Qty: qty, Price: net, Fee: fee, Legs: legs}, true, nil
}

// limitPrice fills a buy at min(high, limit) once low <= limit, and a sell at
// max(low, limit) once high >= limit.
func limitPrice(rng priceRange, buy bool, limit schema.Price) (schema.Price, bool) {
	if buy {
		if rng.low > limit {
			return 0, false
		}
		return min(rng.high, limit), true
	}
	if rng.high < limit {
		return 0, false
	}
	return max(rng.low, limit), true
}

func stopTouched(rng priceRange, buy bool, stop schema.Price) bool {
	if buy {
		return rng.high >= stop
	}
	return rng.low <= stop
}

// stopPrice fills a buy stop at max(stop, open) and a sell stop at min(stop, open).
func stopPrice(rng priceRange, buy bool, stop schema.Price) schema.Price {
	if buy {
		return max(stop, rng.open)
	}
	return min(stop, rng.open)
}

// SlippageBound returns the largest price move slippage may apply to price.
func (m *DefaultFillModel) SlippageBound(price schema.Price) schema.Price {
	if m.cfg.SlippageBps <= 0 {
		return 0
	}
	return schema.Price(decimal.NewFromInt(int64(price)).
		Mul(decimal.NewFromInt(m.cfg.SlippageBps)).
		Div(tenThousand).Round(0).IntPart())
}

func (m *DefaultFillModel) slip(price schema.Price, side schema.OrderSide) schema.Price {
	bound := m.SlippageBound(price)
	if side == schema.OrderSideSell {
		return price - bound
	}
	return price + bound
}

func (m *DefaultFillModel) capQty(remaining, volume schema.Quantity) schema.Quantity {
	if m.cfg.VolumeRatio.IsZero() || volume <= 0 {
		return remaining
	}
	allowed := schema.Quantity(decimal.NewFromInt(int64(volume)).Mul(m.cfg.VolumeRatio).Floor().IntPart())
	return min(remaining, allowed)
}

func (m *DefaultFillModel) fee(symbol schema.SymbolID, price schema.Price, qty schema.Quantity) schema.Fee {
	var scale schema.ScaleSpec
	if m.cfg.Scales != nil {
		scale = m.cfg.Scales(symbol)
	}
	return FeeFor(m.cfg.FeeRate, scale, price, qty)
}

// FeeFor charges rate on price*qty and returns the fee at the price scale.
func FeeFor(rate decimal.Decimal, scale schema.ScaleSpec, price schema.Price, qty schema.Quantity) schema.Fee {
	if rate.IsZero() || price == 0 || qty == 0 {
		return 0
	}
	notional := price.Decimal(scale.PriceScale).Abs().Mul(qty.Decimal(scale.QuantityScale))
	return schema.FeeFromDecimal(notional.Mul(rate), scale.PriceScale)
}
