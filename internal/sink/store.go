package sink

import (
	"context"
	stderrors "errors"

	"github.com/yanun0323/logs"

	"tradecore/internal/schema"
	"tradecore/internal/store"
)

const defaultStoreBatch = 256

// Store buffers results and writes them as rows in batches. It blocks on the
// database, so runs wrap it in Async.
type Store struct {
	ctx    context.Context
	st     *store.Store
	runID  string
	batch  int
	slices []store.SliceRecord
	events []schema.OrderEvent
	errs   []error
}

// NewStore writes rows of one run. A batch of zero uses the default size.
func NewStore(ctx context.Context, st *store.Store, runID string, batch int) *Store {
	if batch <= 0 {
		batch = defaultStoreBatch
	}
	return &Store{ctx: context.WithoutCancel(ctx), st: st, runID: runID, batch: batch}
}

func (s *Store) OnTimeSlice(slice schema.TimeSlice) {
	s.slices = append(s.slices, store.SliceRecord{
		RunID:  s.runID,
		Time:   slice.Time,
		Points: slice.Len(),
		Fresh:  slice.FreshCount(),
	})
	if len(s.slices) >= s.batch {
		s.flushSlices()
	}
}

func (s *Store) OnOrderEvent(ev schema.OrderEvent) {
	s.events = append(s.events, ev)
	if len(s.events) >= s.batch {
		s.flushEvents()
	}
}

func (s *Store) flushSlices() {
	if err := s.st.InsertSlices(s.ctx, s.slices); err != nil {
		logs.Errorf("sink: %+v", err)
		s.errs = append(s.errs, err)
	}
	s.slices = s.slices[:0]
}

func (s *Store) flushEvents() {
	if err := s.st.InsertOrderEvents(s.ctx, s.runID, s.events); err != nil {
		logs.Errorf("sink: %+v", err)
		s.errs = append(s.errs, err)
	}
	s.events = s.events[:0]
}

// Close writes the remaining rows and reports every write error.
func (s *Store) Close() error {
	s.flushSlices()
	s.flushEvents()
	return stderrors.Join(s.errs...)
}
