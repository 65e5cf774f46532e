package source

import (
	"errors"

	"tradecore/internal/schema"
)

// Chain drains a historical adapter and then switches to a live adapter.
// Live points not newer than the last historical point are discarded.
type Chain struct {
	first, second Adapter
	onFirst       bool
	last          int64
}

// NewChain builds a chained adapter. Both adapters are owned by the chain.
func NewChain(first, second Adapter) *Chain {
	return &Chain{first: first, second: second, onFirst: true}
}

func (c *Chain) Next() (p schema.DataPoint, err error) {
	if c.onFirst {
		p, err = c.first.Next()
		switch {
		case err == nil:
			c.last = p.Time
			return p, nil
		case errors.Is(err, ErrEndOfStream):
			c.onFirst = false
		default:
			return p, err
		}
	}
	for {
		p, err = c.second.Next()
		if err != nil || p.Time > c.last {
			return p, err
		}
	}
}

// Ready forwards the live adapter's signal once the historical part is drained.
func (c *Chain) Ready() <-chan struct{} {
	if n, ok := c.second.(Notifier); ok && !c.onFirst {
		return n.Ready()
	}
	return nil
}

// Switched reports whether the chain reads from the live adapter.
func (c *Chain) Switched() bool {
	return !c.onFirst
}

func (c *Chain) Close() error {
	return errors.Join(c.first.Close(), c.second.Close())
}
