package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/ops"
	"tradecore/internal/runloop"
	"tradecore/internal/schema"
)

type fakeTickets struct {
	open []schema.OrderTicket
}

func (f *fakeTickets) Ticket(id uint64) (schema.OrderTicket, bool) {
	for _, t := range f.open {
		if t.ID == id {
			return t, true
		}
	}
	return schema.OrderTicket{}, false
}

func (f *fakeTickets) OpenOrders() []schema.OrderTicket { return f.open }

func TestScript(t *testing.T) {
	market := schema.MarketOrder(1, schema.OrderSideBuy, 5)
	tagged := schema.LimitOrder(1, schema.OrderSideSell, 5, 100)
	tagged.Tag = "exit"

	testCases := []struct {
		desc   string
		orders []ops.OrderSpec
		open   []schema.OrderTicket
		// times of the slices fed to the script
		times []int64
		// requests expected per slice
		want [][]schema.OrderRequest
	}{
		{
			desc:   "after slices",
			orders: []ops.OrderSpec{{Request: market, AfterSlices: 2}},
			times:  []int64{10, 20, 30},
			want:   [][]schema.OrderRequest{nil, {withTag(market, "script-1")}, nil},
		},
		{
			desc:   "at time",
			orders: []ops.OrderSpec{{Request: market, At: 25}},
			times:  []int64{10, 20, 30, 40},
			want:   [][]schema.OrderRequest{nil, nil, {withTag(market, "script-1")}, nil},
		},
		{
			desc:   "cancel while working",
			orders: []ops.OrderSpec{{Request: tagged, AfterSlices: 1, CancelAfterSlices: 2}},
			open:   []schema.OrderTicket{{ID: 3, Tag: "other"}, {ID: 4, Tag: "exit"}},
			times:  []int64{10, 20, 30, 40},
			want:   [][]schema.OrderRequest{{tagged}, nil, {schema.CancelRequest(4)}, nil},
		},
		{
			desc:   "no cancel once done",
			orders: []ops.OrderSpec{{Request: tagged, AfterSlices: 1, CancelAfterSlices: 1}},
			times:  []int64{10, 20, 30},
			want:   [][]schema.OrderRequest{{tagged}, nil, nil},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			s := NewScript(tc.orders)
			require.NoError(t, s.Initialize(runloop.Setup{Orders: &fakeTickets{open: tc.open}}))
			for i, ts := range tc.times {
				got := s.OnTimeSlice(schema.TimeSlice{Time: ts})
				assert.Equal(t, tc.want[i], got, "slice %d", i+1)
			}
			assert.Equal(t, 1, s.Submitted())
		})
	}
}

func TestScriptCountsFills(t *testing.T) {
	s := NewScript(nil)
	s.OnOrderEvent(schema.OrderEvent{Status: schema.OrderStatusSubmitted})
	s.OnOrderEvent(schema.OrderEvent{Status: schema.OrderStatusPartiallyFilled, FillQty: 2})
	s.OnOrderEvent(schema.OrderEvent{Status: schema.OrderStatusFilled, FillQty: 3})
	assert.Equal(t, 2, s.Fills())
	assert.Zero(t, s.Submitted())
}

func withTag(req schema.OrderRequest, tag string) schema.OrderRequest {
	req.Tag = tag
	return req
}
