package source

import (
	"context"

	"tradecore/internal/schema"
	"tradecore/internal/store"
)

const defaultPageSize = 1000

// BarReader is the read side of the bar store.
type BarReader interface {
	Bars(ctx context.Context, symbol schema.SymbolID, res schema.Resolution, after int64, limit int) ([]store.BarRecord, error)
}

// StoreIterator pages bars of one subscription out of the SQL store.
type StoreIterator struct {
	ctx      context.Context
	reader   BarReader
	sub      schema.Subscription
	pageSize int
	after    int64
	page     []store.BarRecord
	pos      int
	done     bool
}

// NewStoreIterator reads bars with end time after from, exclusive.
func NewStoreIterator(ctx context.Context, reader BarReader, sub schema.Subscription, from int64, pageSize int) *StoreIterator {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &StoreIterator{ctx: ctx, reader: reader, sub: sub, pageSize: pageSize, after: from}
}

func (it *StoreIterator) Next() (schema.DataPoint, error) {
	if it.pos >= len(it.page) {
		if it.done {
			return schema.DataPoint{}, ErrEndOfStream
		}
		page, err := it.reader.Bars(it.ctx, it.sub.Symbol, it.sub.Resolution, it.after, it.pageSize)
		if err != nil {
			return schema.DataPoint{}, err
		}
		if len(page) < it.pageSize {
			it.done = true
		}
		if len(page) == 0 {
			return schema.DataPoint{}, ErrEndOfStream
		}
		it.page, it.pos = page, 0
		it.after = page[len(page)-1].EndTime
	}
	rec := it.page[it.pos]
	it.pos++
	return rec.DataPoint(it.sub.ID), nil
}

func (it *StoreIterator) Close() error {
	it.done = true
	it.page, it.pos = nil, 0
	return nil
}
