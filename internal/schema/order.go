package schema

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	switch s {
	case OrderSideBuy:
		return OrderSideSell
	case OrderSideSell:
		return OrderSideBuy
	default:
		return OrderSideUnknown
	}
}

// OrderType describes order kind.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStopMarket
	OrderTypeStopLimit
	OrderTypeMarketOnOpen
	OrderTypeMarketOnClose
	OrderTypeCombo
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeStopMarket:
		return "stop_market"
	case OrderTypeStopLimit:
		return "stop_limit"
	case OrderTypeMarketOnOpen:
		return "market_on_open"
	case OrderTypeMarketOnClose:
		return "market_on_close"
	case OrderTypeCombo:
		return "combo"
	default:
		return "unknown"
	}
}

// NeedsLimit reports whether the type carries a limit price.
func (t OrderType) NeedsLimit() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// NeedsStop reports whether the type carries a stop price.
func (t OrderType) NeedsStop() bool {
	return t == OrderTypeStopMarket || t == OrderTypeStopLimit
}

// TimeInForce describes how long an order stays working.
type TimeInForce uint16

const (
	TimeInForceGTC TimeInForce = iota
	TimeInForceDay
	TimeInForceGoodTilDate
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceDay:
		return "day"
	case TimeInForceGoodTilDate:
		return "gtd"
	default:
		return "gtc"
	}
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus uint16

const (
	OrderStatusNew OrderStatus = iota
	OrderStatusSubmitted
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusInvalid
	OrderStatusUpdateSubmitted
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "new"
	case OrderStatusSubmitted:
		return "submitted"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCanceled:
		return "canceled"
	case OrderStatusInvalid:
		return "invalid"
	case OrderStatusUpdateSubmitted:
		return "update_submitted"
	case OrderStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusInvalid, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// IsFill reports whether the status carries fill quantity.
func (s OrderStatus) IsFill() bool {
	return s == OrderStatusPartiallyFilled || s == OrderStatusFilled
}

// Leg is one component of a combo order. Ratio is signed: a negative ratio
// trades the leg on the opposite side of the combo.
type Leg struct {
	Symbol SymbolID
	Ratio  int64
}

// RequestKind distinguishes the operations a strategy may request.
type RequestKind uint8

const (
	RequestSubmit RequestKind = iota
	RequestCancel
	RequestUpdate
)

// UpdateFields lists the mutable fields of a working order. Nil fields are unchanged.
type UpdateFields struct {
	Qty        *Quantity
	LimitPrice *Price
	StopPrice  *Price
	Tag        *string
}

// Empty reports whether no field is set.
func (f UpdateFields) Empty() bool {
	return f.Qty == nil && f.LimitPrice == nil && f.StopPrice == nil && f.Tag == nil
}

// OrderRequest is produced by a strategy callback.
// Submit requests fill the order fields; cancel and update requests set OrderID.
type OrderRequest struct {
	Kind        RequestKind
	OrderID     uint64
	Symbol      SymbolID
	Side        OrderSide
	Type        OrderType
	Qty         Quantity
	LimitPrice  Price
	StopPrice   Price
	TimeInForce TimeInForce
	Expiry      int64
	Legs        []Leg
	Tag         string
	Update      UpdateFields
}

// MarketOrder builds a market submit request.
func MarketOrder(symbol SymbolID, side OrderSide, qty Quantity) OrderRequest {
	return OrderRequest{Kind: RequestSubmit, Symbol: symbol, Side: side, Type: OrderTypeMarket, Qty: qty}
}

// LimitOrder builds a limit submit request.
func LimitOrder(symbol SymbolID, side OrderSide, qty Quantity, limit Price) OrderRequest {
	return OrderRequest{Kind: RequestSubmit, Symbol: symbol, Side: side, Type: OrderTypeLimit, Qty: qty, LimitPrice: limit}
}

// StopOrder builds a stop-market submit request.
func StopOrder(symbol SymbolID, side OrderSide, qty Quantity, stop Price) OrderRequest {
	return OrderRequest{Kind: RequestSubmit, Symbol: symbol, Side: side, Type: OrderTypeStopMarket, Qty: qty, StopPrice: stop}
}

// CancelRequest builds a cancel request.
func CancelRequest(orderID uint64) OrderRequest {
	return OrderRequest{Kind: RequestCancel, OrderID: orderID}
}

// UpdateRequest builds an update request.
func UpdateRequest(orderID uint64, fields UpdateFields) OrderRequest {
	return OrderRequest{Kind: RequestUpdate, OrderID: orderID, Update: fields}
}

// LegFill is the execution of one combo leg.
type LegFill struct {
	Symbol SymbolID
	Side   OrderSide
	Qty    Quantity
	Price  Price
	Fee    Fee
}

// OrderEvent is one immutable entry of an order's audit trail.
type OrderEvent struct {
	OrderID   uint64
	Seq       uint64
	Time      int64
	Symbol    SymbolID
	Side      OrderSide
	Status    OrderStatus
	FillQty   Quantity
	FillPrice Price
	Fee       Fee
	Legs      []LegFill
	Message   string
}

// OrderTicket is a read-only snapshot of an order handed to strategies.
type OrderTicket struct {
	ID           uint64
	Symbol       SymbolID
	Side         OrderSide
	Type         OrderType
	TimeInForce  TimeInForce
	Qty          Quantity
	FilledQty    Quantity
	AvgFillPrice Price
	LimitPrice   Price
	StopPrice    Price
	Status       OrderStatus
	Tag          string
	CreatedAt    int64
	UpdatedAt    int64
	LastEventSeq uint64
}

// Remaining returns the unfilled quantity.
func (t OrderTicket) Remaining() Quantity {
	if t.FilledQty >= t.Qty {
		return 0
	}
	return t.Qty - t.FilledQty
}
