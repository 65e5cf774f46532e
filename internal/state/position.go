package state

import "tradecore/internal/schema"

// Position is the net holding of one instrument.
// AvgPrice is the average entry price of the open quantity; Realized is in
// price*quantity scaled units.
type Position struct {
	Qty      schema.Quantity `json:"qty"`
	AvgPrice schema.Price    `json:"avgPrice"`
	Realized int64           `json:"realized"`
	Fees     schema.Fee      `json:"fees"`
}

// PositionReducer updates positions from fill events.
type PositionReducer struct {
	positions map[schema.SymbolID]Position
}

// NewPositionReducer creates an empty reducer.
func NewPositionReducer() *PositionReducer {
	return &PositionReducer{positions: make(map[schema.SymbolID]Position)}
}

// ApplyEvent applies the fills carried by an order event. Combo events apply
// each leg. Events without fill quantity are ignored.
func (r *PositionReducer) ApplyEvent(ev schema.OrderEvent) {
	if !ev.Status.IsFill() {
		return
	}
	if len(ev.Legs) > 0 {
		for _, leg := range ev.Legs {
			r.ApplyFill(leg.Symbol, leg.Side, leg.Qty, leg.Price, leg.Fee)
		}
		return
	}
	if ev.FillQty > 0 {
		r.ApplyFill(ev.Symbol, ev.Side, ev.FillQty, ev.FillPrice, ev.Fee)
	}
}

// ApplyFill updates the position and returns the new quantity.
func (r *PositionReducer) ApplyFill(symbol schema.SymbolID, side schema.OrderSide, qty schema.Quantity, price schema.Price, fee schema.Fee) schema.Quantity {
	pos := r.positions[symbol]
	if qty <= 0 {
		return pos.Qty
	}
	signed := qty
	switch side {
	case schema.OrderSideBuy:
	case schema.OrderSideSell:
		signed = -qty
	default:
		return pos.Qty
	}
	pos.Fees += fee

	next := pos.Qty + signed
	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, signed):
		// opening or adding
		total := int64(pos.AvgPrice)*abs(int64(pos.Qty)) + int64(price)*abs(int64(signed))
		pos.AvgPrice = schema.Price(total / abs(int64(next)))
	default:
		closed := min(abs(int64(pos.Qty)), abs(int64(signed)))
		pnl := (int64(price) - int64(pos.AvgPrice)) * closed
		if pos.Qty < 0 {
			pnl = -pnl
		}
		pos.Realized += pnl
		switch {
		case next == 0:
			pos.AvgPrice = 0
		case !sameSign(next, pos.Qty):
			// flipped through flat
			pos.AvgPrice = price
		}
	}
	pos.Qty = next
	r.positions[symbol] = pos
	return next
}

// ApplySnapshot replaces positions with a snapshot.
func (r *PositionReducer) ApplySnapshot(snapshot Snapshot) {
	r.positions = make(map[schema.SymbolID]Position, len(snapshot.Positions))
	for _, entry := range snapshot.Positions {
		r.positions[entry.SymbolID] = entry.Position
	}
}

// Position returns the current position of a symbol.
func (r *PositionReducer) Position(symbol schema.SymbolID) Position {
	return r.positions[symbol]
}

// Qty returns the current position quantity of a symbol.
func (r *PositionReducer) Qty(symbol schema.SymbolID) schema.Quantity {
	return r.positions[symbol].Qty
}

// Count returns the number of tracked symbols.
func (r *PositionReducer) Count() int {
	return len(r.positions)
}

func sameSign(a, b schema.Quantity) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
