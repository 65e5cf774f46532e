package app

import (
	"strconv"

	"github.com/yanun0323/logs"

	"tradecore/internal/ops"
	"tradecore/internal/runloop"
	"tradecore/internal/schema"
)

// Script is a strategy submitting the orders of a config. An order is
// submitted on the first slice that satisfies its time or slice count and
// canceled CancelAfterSlices slices later if it is still working. Requests
// made during warmup are suppressed by the loop and not retried.
type Script struct {
	orders   []ops.OrderSpec
	view     runloop.TicketView
	slices   int
	placedAt []int
	canceled []bool
	fills    int
}

var (
	_ runloop.Strategy            = (*Script)(nil)
	_ runloop.Initializer         = (*Script)(nil)
	_ runloop.RequestErrorHandler = (*Script)(nil)
)

// NewScript tags untagged orders so they can be found for cancellation.
func NewScript(orders []ops.OrderSpec) *Script {
	out := make([]ops.OrderSpec, len(orders))
	for i, o := range orders {
		if o.Request.Tag == "" {
			o.Request.Tag = "script-" + strconv.Itoa(i+1)
		}
		out[i] = o
	}
	return &Script{
		orders:   out,
		placedAt: make([]int, len(out)),
		canceled: make([]bool, len(out)),
	}
}

func (s *Script) Initialize(setup runloop.Setup) error {
	s.view = setup.Orders
	return nil
}

func (s *Script) OnTimeSlice(slice schema.TimeSlice) []schema.OrderRequest {
	s.slices++
	var reqs []schema.OrderRequest
	for i, o := range s.orders {
		switch {
		case s.placedAt[i] == 0:
			if s.due(o, slice) {
				s.placedAt[i] = s.slices
				reqs = append(reqs, o.Request)
			}
		case o.CancelAfterSlices > 0 && !s.canceled[i] && s.slices-s.placedAt[i] >= o.CancelAfterSlices:
			s.canceled[i] = true
			if id, ok := s.working(o.Request.Tag); ok {
				reqs = append(reqs, schema.CancelRequest(id))
			}
		}
	}
	return reqs
}

func (s *Script) due(o ops.OrderSpec, slice schema.TimeSlice) bool {
	if o.AfterSlices > 0 && s.slices >= o.AfterSlices {
		return true
	}
	return o.At > 0 && slice.Time >= o.At
}

func (s *Script) working(tag string) (uint64, bool) {
	if s.view == nil {
		return 0, false
	}
	for _, t := range s.view.OpenOrders() {
		if t.Tag == tag {
			return t.ID, true
		}
	}
	return 0, false
}

func (s *Script) OnOrderEvent(ev schema.OrderEvent) {
	if ev.FillQty > 0 {
		s.fills++
	}
}

func (s *Script) OnRequestError(req schema.OrderRequest, err error) {
	logs.Errorf("app: script request rejected, tag: %s, err: %+v", req.Tag, err)
}

// Submitted returns how many orders were submitted.
func (s *Script) Submitted() int {
	n := 0
	for _, at := range s.placedAt {
		if at > 0 {
			n++
		}
	}
	return n
}

// Fills returns how many order events carried a fill.
func (s *Script) Fills() int { return s.fills }
