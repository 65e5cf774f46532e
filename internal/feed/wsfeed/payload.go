package wsfeed

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
)

// KlineEvent is a kline stream message.
type KlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     Kline  `json:"k"`
}

// Kline is one candlestick. Times are unix milliseconds; CloseTime is the
// last millisecond of the period.
type Kline struct {
	StartTime int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

// Trade is a trade stream message.
type Trade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// DataPoint converts a closed kline into a bar. Open klines report ok=false.
func (e KlineEvent) DataPoint(sub schema.Subscription, symbol schema.Symbol) (schema.DataPoint, bool, error) {
	if !strings.EqualFold(e.Symbol, symbol.Name) || !e.Kline.Closed {
		return schema.DataPoint{}, false, nil
	}
	scale := symbol.Scale
	var bar schema.Bar
	fields := []struct {
		raw string
		dst *schema.Price
	}{
		{e.Kline.Open, &bar.Open},
		{e.Kline.High, &bar.High},
		{e.Kline.Low, &bar.Low},
		{e.Kline.Close, &bar.Close},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return schema.DataPoint{}, false, errors.Wrap(err, "parse kline price").With("raw", f.raw)
		}
		*f.dst = schema.PriceFromDecimal(d, scale.PriceScale)
	}
	vol, err := decimal.NewFromString(e.Kline.Volume)
	if err != nil {
		return schema.DataPoint{}, false, errors.Wrap(err, "parse kline volume").With("raw", e.Kline.Volume)
	}
	bar.Volume = schema.QuantityFromDecimal(vol, scale.QuantityScale)

	end := time.UnixMilli(e.Kline.CloseTime + 1)
	return schema.DataPoint{
		Subscription: sub.ID,
		Symbol:       sub.Symbol,
		Resolution:   sub.Resolution,
		Kind:         schema.DataBar,
		Time:         end.UnixNano(),
		Bar:          bar,
	}, true, nil
}

// DataPoint converts a trade print.
func (t Trade) DataPoint(sub schema.Subscription, symbol schema.Symbol) (schema.DataPoint, bool, error) {
	if !strings.EqualFold(t.Symbol, symbol.Name) {
		return schema.DataPoint{}, false, nil
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return schema.DataPoint{}, false, errors.Wrap(err, "parse trade price").With("raw", t.Price)
	}
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return schema.DataPoint{}, false, errors.Wrap(err, "parse trade quantity").With("raw", t.Quantity)
	}
	return schema.DataPoint{
		Subscription: sub.ID,
		Symbol:       sub.Symbol,
		Resolution:   schema.ResolutionTick,
		Kind:         schema.DataTrade,
		Time:         time.UnixMilli(t.TradeTime).UnixNano(),
		Trade: schema.Trade{
			Price: schema.PriceFromDecimal(price, symbol.Scale.PriceScale),
			Size:  schema.QuantityFromDecimal(qty, symbol.Scale.QuantityScale),
		},
	}, true, nil
}
