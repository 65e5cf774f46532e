package schema

import "time"

// DataPoint is one immutable observation produced by a data source.
// Time is the end of the observed period in unix nanoseconds.
type DataPoint struct {
	Subscription SubscriptionID
	Symbol       SymbolID
	Resolution   Resolution
	Kind         DataKind
	Time         int64
	Bar          Bar
	Trade        Trade
	Quote        Quote
	FillForward  bool
}

// Start returns the beginning of the observed period.
func (p DataPoint) Start() int64 {
	return p.Time - int64(p.Resolution.Duration())
}

// EndTime returns Time as a time.Time in UTC.
func (p DataPoint) EndTime() time.Time {
	return time.Unix(0, p.Time).UTC()
}

// LastPrice returns the most recent price carried by the point.
func (p DataPoint) LastPrice() Price {
	switch p.Kind {
	case DataBar:
		return p.Bar.Close
	case DataTrade:
		return p.Trade.Price
	case DataQuote:
		return p.Quote.Mid()
	default:
		return 0
	}
}

// TimeSlice bundles every data point that becomes visible at one frontier time.
// Points are ordered by subscription id.
type TimeSlice struct {
	Time   int64
	Points []DataPoint
}

// Len returns the number of points, including fill-forward copies.
func (s TimeSlice) Len() int {
	return len(s.Points)
}

// Empty reports whether the slice carries no points.
func (s TimeSlice) Empty() bool {
	return len(s.Points) == 0
}

// ByInstrument returns the points of one instrument in subscription order.
func (s TimeSlice) ByInstrument(symbol SymbolID) []DataPoint {
	var out []DataPoint
	for _, p := range s.Points {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// Has reports whether the slice carries fresh data for the instrument.
func (s TimeSlice) Has(symbol SymbolID) bool {
	for _, p := range s.Points {
		if p.Symbol == symbol && !p.FillForward {
			return true
		}
	}
	return false
}

// Instruments returns the distinct instruments present, in first-seen order.
func (s TimeSlice) Instruments() []SymbolID {
	seen := make(map[SymbolID]struct{}, len(s.Points))
	out := make([]SymbolID, 0, len(s.Points))
	for _, p := range s.Points {
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		out = append(out, p.Symbol)
	}
	return out
}

// FreshCount returns the number of points that are not fill-forward copies.
func (s TimeSlice) FreshCount() int {
	n := 0
	for _, p := range s.Points {
		if !p.FillForward {
			n++
		}
	}
	return n
}
