package schema

import "github.com/shopspring/decimal"

// Price is a scaled integer. The scale is defined by the symbol's ScaleSpec.
type Price int64

// Quantity is a scaled integer. The scale is defined by the symbol's ScaleSpec.
type Quantity int64

// Fee is a scaled integer expressed in quote currency at the price scale.
type Fee int64

// Decimal converts the scaled price to a decimal.
func (p Price) Decimal(scale Scale) decimal.Decimal {
	return decimal.New(int64(p), -int32(scale))
}

// Decimal converts the scaled quantity to a decimal.
func (q Quantity) Decimal(scale Scale) decimal.Decimal {
	return decimal.New(int64(q), -int32(scale))
}

// Decimal converts the scaled fee to a decimal.
func (f Fee) Decimal(scale Scale) decimal.Decimal {
	return decimal.New(int64(f), -int32(scale))
}

// PriceFromDecimal scales a decimal price, rounding half away from zero.
func PriceFromDecimal(d decimal.Decimal, scale Scale) Price {
	return Price(d.Shift(int32(scale)).Round(0).IntPart())
}

// QuantityFromDecimal scales a decimal quantity, truncating toward zero.
func QuantityFromDecimal(d decimal.Decimal, scale Scale) Quantity {
	return Quantity(d.Shift(int32(scale)).Truncate(0).IntPart())
}

// FeeFromDecimal scales a decimal fee, rounding up so fees are never understated.
func FeeFromDecimal(d decimal.Decimal, scale Scale) Fee {
	return Fee(d.Shift(int32(scale)).Ceil().IntPart())
}

// DataKind describes the meaning of a data point payload.
type DataKind uint16

const (
	DataUnknown DataKind = iota
	DataBar
	DataTrade
	DataQuote
)

func (k DataKind) String() string {
	switch k {
	case DataBar:
		return "bar"
	case DataTrade:
		return "trade"
	case DataQuote:
		return "quote"
	default:
		return "unknown"
	}
}

// Bar is an aggregated OHLCV period.
type Bar struct {
	Open   Price
	High   Price
	Low    Price
	Close  Price
	Volume Quantity
}

// Valid reports whether the bar prices are internally consistent.
func (b Bar) Valid() bool {
	if b.Low <= 0 || b.High < b.Low {
		return false
	}
	if b.Open < b.Low || b.Open > b.High {
		return false
	}
	if b.Close < b.Low || b.Close > b.High {
		return false
	}
	return b.Volume >= 0
}

// Trade is a single print.
type Trade struct {
	Price Price
	Size  Quantity
}

// Quote is a top-of-book snapshot.
type Quote struct {
	BidPrice Price
	BidSize  Quantity
	AskPrice Price
	AskSize  Quantity
}

// Mid returns the midpoint of the quote, or the available side.
func (q Quote) Mid() Price {
	switch {
	case q.BidPrice > 0 && q.AskPrice > 0:
		return (q.BidPrice + q.AskPrice) / 2
	case q.BidPrice > 0:
		return q.BidPrice
	default:
		return q.AskPrice
	}
}
