package runloop

import (
	"context"

	"tradecore/internal/schema"
	"tradecore/internal/subscription"
)

// Strategy is the user callback driven by the loop. It is never re-entered:
// every call returns before the next one starts.
type Strategy interface {
	OnTimeSlice(slice schema.TimeSlice) []schema.OrderRequest
	OnOrderEvent(ev schema.OrderEvent)
}

// Initializer is implemented by strategies that need a setup step before the
// first slice.
type Initializer interface {
	Initialize(setup Setup) error
}

// RequestErrorHandler is implemented by strategies that want to learn about
// rejected order requests.
type RequestErrorHandler interface {
	OnRequestError(req schema.OrderRequest, err error)
}

// ResultSink receives the run's slices and order events. Implementations must
// not block; the loop calls them on its own goroutine.
type ResultSink interface {
	OnTimeSlice(slice schema.TimeSlice)
	OnOrderEvent(ev schema.OrderEvent)
}

// TicketView exposes read-only order snapshots.
type TicketView interface {
	Ticket(id uint64) (schema.OrderTicket, bool)
	OpenOrders() []schema.OrderTicket
}

// Setup is handed to Initialize. Subscriptions added or removed through the
// registry take effect at the next slice boundary.
type Setup struct {
	Subscriptions *subscription.Registry
	Orders        TicketView
}

// SliceSource produces the time slices of a run. *frontier.Synchronizer
// implements it.
type SliceSource interface {
	Next(ctx context.Context) (schema.TimeSlice, error)
	Close() error
}
