package og

import (
	"context"
	"errors"

	"github.com/yanun0323/logs"

	"tradecore/internal/schema"
)

// Simulated fills orders against the data of each slice.
//
// Working orders on instruments present in a slice are tried in submission
// order. Market and combo orders submitted while a slice is current fill
// against that slice immediately; every other type is first evaluated on
// the following slice.
type Simulated struct {
	book
	model   FillModel
	current schema.TimeSlice
}

var _ Engine = (*Simulated)(nil)

// NewSimulated creates a simulated engine. A nil model uses the default
// fill model without slippage or fees.
func NewSimulated(cfg Config, model FillModel) (*Simulated, error) {
	b, err := newBook(cfg)
	if err != nil {
		return nil, err
	}
	if model == nil {
		model = NewFillModel(FillConfig{})
	}
	return &Simulated{book: b, model: model}, nil
}

func (s *Simulated) Submit(_ context.Context, req schema.OrderRequest) (schema.OrderTicket, error) {
	if err := s.admit(req); err != nil {
		return schema.OrderTicket{}, err
	}
	o := s.sm.Create(req, s.now)
	s.schedule(o)
	if _, err := s.sm.Transition(o, schema.OrderStatusSubmitted, s.now, ""); err != nil {
		return schema.OrderTicket{}, err
	}
	if o.Type == schema.OrderTypeMarket || o.Type == schema.OrderTypeCombo {
		s.try(o, s.current)
	}
	return o.Ticket(), nil
}

func (s *Simulated) Cancel(_ context.Context, id uint64) (schema.OrderEvent, error) {
	o, err := s.lookup(id, "cancel order")
	if err != nil {
		return schema.OrderEvent{}, err
	}
	return s.sm.Transition(o, schema.OrderStatusCanceled, s.now, "")
}

func (s *Simulated) Update(_ context.Context, id uint64, fields schema.UpdateFields) (schema.OrderEvent, error) {
	o, err := s.lookup(id, "update order")
	if err != nil {
		return schema.OrderEvent{}, err
	}
	if err := checkUpdate(o, fields); err != nil {
		return schema.OrderEvent{}, err
	}
	applyUpdate(o, fields)
	return s.sm.Transition(o, schema.OrderStatusUpdateSubmitted, s.now, "")
}

func (s *Simulated) Process(ctx context.Context, slice schema.TimeSlice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.observe(slice)
	s.current = slice

	for _, o := range s.sm.Working() {
		s.try(o, slice)
		if o.Status.IsTerminal() || o.ExpireAt <= 0 || slice.Time < o.ExpireAt {
			continue
		}
		if _, err := s.sm.Transition(o, schema.OrderStatusExpired, slice.Time, "time in force elapsed"); err != nil {
			logs.Errorf("og: expire order %d: %+v", o.ID, err)
		}
	}
	return nil
}

// try runs the fill model. Model errors invalidate the order instead of
// failing the run.
func (s *Simulated) try(o *Order, slice schema.TimeSlice) {
	if len(slice.Points) == 0 || o.Status.IsTerminal() {
		return
	}
	fill, ok, err := s.model.Fill(o, slice)
	if err != nil {
		logs.Errorf("og: fill order %d: %+v", o.ID, err)
		if _, terr := s.sm.Transition(o, schema.OrderStatusInvalid, slice.Time, err.Error()); terr != nil {
			logs.Errorf("og: invalidate order %d: %+v", o.ID, terr)
		}
		return
	}
	if !ok {
		return
	}
	if _, err := s.sm.ApplyFill(o, fill, slice.Time); err != nil {
		logs.Errorf("og: apply fill to order %d: %+v", o.ID, err)
	}
}

func (s *Simulated) Poll(context.Context) error {
	return nil
}

func (s *Simulated) CancelAll(ctx context.Context) error {
	var errs []error
	for _, o := range s.sm.Working() {
		if _, err := s.Cancel(ctx, o.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Simulated) Close() error {
	return nil
}
