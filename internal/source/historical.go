package source

import (
	"errors"

	"tradecore/internal/schema"
)

// RecordIterator reads raw points from a backing store in stored order.
// It returns ErrEndOfStream when exhausted.
type RecordIterator interface {
	Next() (schema.DataPoint, error)
	Close() error
}

// Historical replays the stored points of one subscription.
//
// Every point is stamped with the subscription and checked: a point for
// another instrument, an inconsistent bar or a point older than its
// predecessor is reported as a corrupt record. Points outside the regular
// session are skipped unless extended hours are requested.
type Historical struct {
	sub  schema.Subscription
	it   RecordIterator
	last int64
	done bool
}

// NewHistorical wraps an iterator for a subscription.
func NewHistorical(sub schema.Subscription, it RecordIterator) *Historical {
	return &Historical{sub: sub, it: it}
}

func (h *Historical) Next() (schema.DataPoint, error) {
	if h.done {
		return schema.DataPoint{}, ErrEndOfStream
	}
	for {
		p, err := h.it.Next()
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				h.done = true
			}
			return schema.DataPoint{}, err
		}
		if err := h.check(p); err != nil {
			return schema.DataPoint{}, err
		}
		h.last = p.Time

		p.Subscription = h.sub.ID
		p.Resolution = h.sub.Resolution
		p.FillForward = false
		if !h.sub.InSession(p.EndTime()) {
			continue
		}
		return p, nil
	}
}

func (h *Historical) check(p schema.DataPoint) error {
	switch {
	case p.Symbol != h.sub.Symbol:
		return corrupt("symbol mismatch", p)
	case p.Kind == schema.DataBar && !p.Bar.Valid():
		return corrupt("inconsistent bar", p)
	case p.Time <= 0:
		return corrupt("missing end time", p)
	case p.Time < h.last:
		return corrupt("out of order", p)
	}
	return nil
}

func (h *Historical) Close() error {
	h.done = true
	return h.it.Close()
}

// SliceIterator serves points from memory.
type SliceIterator struct {
	points []schema.DataPoint
	pos    int
}

// NewSliceIterator copies nothing; callers must not modify points afterwards.
func NewSliceIterator(points []schema.DataPoint) *SliceIterator {
	return &SliceIterator{points: points}
}

func (it *SliceIterator) Next() (schema.DataPoint, error) {
	if it.pos >= len(it.points) {
		return schema.DataPoint{}, ErrEndOfStream
	}
	p := it.points[it.pos]
	it.pos++
	return p, nil
}

func (it *SliceIterator) Close() error {
	it.pos = len(it.points)
	return nil
}
