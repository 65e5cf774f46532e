package mdg

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

// RawBar is a bar in instrument units, keyed by instrument name.
type RawBar struct {
	Symbol     string
	Resolution schema.Resolution
	End        time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
}

// Normalizer maps raw bars to scaled data points.
type Normalizer struct {
	reg *schema.Registry
}

// NewNormalizer creates a normalizer for a registry.
func NewNormalizer(reg *schema.Registry) *Normalizer {
	return &Normalizer{reg: reg}
}

// Normalize rounds a raw bar to the instrument's scales.
func (n *Normalizer) Normalize(bar RawBar) (schema.DataPoint, error) {
	if n.reg == nil {
		return schema.DataPoint{}, fmt.Errorf("registry is nil")
	}
	symbolID, ok := n.reg.SymbolIDByName(bar.Symbol)
	if !ok {
		return schema.DataPoint{}, fmt.Errorf("symbol not found: %s", bar.Symbol)
	}
	if bar.End.IsZero() {
		bar.End = time.Now().UTC()
	}
	scale := n.reg.ScaleOf(symbolID)
	px := func(d decimal.Decimal) schema.Price {
		return schema.Price(toScaled(d, scale.PriceScale))
	}
	return schema.DataPoint{
		Symbol:     symbolID,
		Resolution: bar.Resolution,
		Kind:       schema.DataBar,
		Time:       bar.End.UnixNano(),
		Bar: schema.Bar{
			Open:   px(bar.Open),
			High:   px(bar.High),
			Low:    px(bar.Low),
			Close:  px(bar.Close),
			Volume: schema.Quantity(toScaled(bar.Volume, scale.QuantityScale)),
		},
	}, nil
}

func toScaled(d decimal.Decimal, scale schema.Scale) int64 {
	return d.Round(int32(scale)).Shift(int32(scale)).IntPart()
}
