// Package sink holds the result sinks a run reports slices and order events to.
package sink

import (
	"errors"

	"tradecore/internal/schema"
)

// Sink receives run results. OnTimeSlice and OnOrderEvent are called from a
// single goroutine; Close flushes and releases resources.
type Sink interface {
	OnTimeSlice(slice schema.TimeSlice)
	OnOrderEvent(ev schema.OrderEvent)
	Close() error
}

// Multi fans results out to several sinks in order.
type Multi []Sink

func (m Multi) OnTimeSlice(slice schema.TimeSlice) {
	for _, s := range m {
		s.OnTimeSlice(slice)
	}
}

func (m Multi) OnOrderEvent(ev schema.OrderEvent) {
	for _, s := range m {
		s.OnOrderEvent(ev)
	}
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
