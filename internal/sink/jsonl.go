package sink

import (
	"bufio"
	"io"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/schema"
)

// Line is one JSONL record.
type Line struct {
	Type   string `json:"type"`
	RunID  string `json:"run_id,omitempty"`
	Time   int64  `json:"time"`
	Points int    `json:"points,omitempty"`
	Fresh  int    `json:"fresh,omitempty"`

	OrderID   uint64           `json:"order_id,omitempty"`
	Seq       uint64           `json:"seq,omitempty"`
	Symbol    uint32           `json:"symbol,omitempty"`
	Side      string           `json:"side,omitempty"`
	Status    string           `json:"status,omitempty"`
	FillQty   int64            `json:"fill_qty,omitempty"`
	FillPrice int64            `json:"fill_price,omitempty"`
	Fee       int64            `json:"fee,omitempty"`
	Legs      []schema.LegFill `json:"legs,omitempty"`
	Message   string           `json:"message,omitempty"`
}

const (
	LineSlice = "slice"
	LineOrder = "order"
)

// JSONL writes one JSON object per line.
type JSONL struct {
	runID string
	dst   io.Writer
	w     *bufio.Writer
	err   error
}

// NewJSONL writes to dst. dst is closed by Close when it is an io.Closer.
func NewJSONL(dst io.Writer, runID string) *JSONL {
	return &JSONL{runID: runID, dst: dst, w: bufio.NewWriter(dst)}
}

func (j *JSONL) OnTimeSlice(slice schema.TimeSlice) {
	j.write(Line{
		Type:   LineSlice,
		RunID:  j.runID,
		Time:   slice.Time,
		Points: slice.Len(),
		Fresh:  slice.FreshCount(),
	})
}

func (j *JSONL) OnOrderEvent(ev schema.OrderEvent) {
	j.write(Line{
		Type:      LineOrder,
		RunID:     j.runID,
		Time:      ev.Time,
		OrderID:   ev.OrderID,
		Seq:       ev.Seq,
		Symbol:    uint32(ev.Symbol),
		Side:      ev.Side.String(),
		Status:    ev.Status.String(),
		FillQty:   int64(ev.FillQty),
		FillPrice: int64(ev.FillPrice),
		Fee:       int64(ev.Fee),
		Legs:      ev.Legs,
		Message:   ev.Message,
	})
}

func (j *JSONL) write(line Line) {
	if j.err != nil {
		return
	}
	b, err := sonic.Marshal(line)
	if err == nil {
		b = append(b, '\n')
		_, err = j.w.Write(b)
	}
	if err != nil {
		j.err = errors.Wrap(err, "write jsonl").With("type", line.Type)
		logs.Errorf("sink: %+v", j.err)
	}
}

// Close flushes buffered lines.
func (j *JSONL) Close() error {
	err := j.err
	if ferr := j.w.Flush(); err == nil && ferr != nil {
		err = errors.Wrap(ferr, "flush jsonl")
	}
	if c, ok := j.dst.(io.Closer); ok {
		if cerr := c.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "close jsonl")
		}
	}
	return err
}
