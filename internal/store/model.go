package store

import (
	"github.com/bytedance/sonic"

	"tradecore/internal/schema"
)

// BarRecord is one historical bar row keyed by (symbol, resolution, end time).
type BarRecord struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Symbol     uint32 `gorm:"not null;uniqueIndex:idx_bar_key,priority:1"`
	Resolution uint8  `gorm:"not null;uniqueIndex:idx_bar_key,priority:2"`
	EndTime    int64  `gorm:"not null;uniqueIndex:idx_bar_key,priority:3"`
	Open       int64
	High       int64
	Low        int64
	Close      int64
	Volume     int64
}

func (BarRecord) TableName() string { return "bars" }

// BarRecordOf converts a bar data point into a row.
func BarRecordOf(p schema.DataPoint) BarRecord {
	return BarRecord{
		Symbol:     uint32(p.Symbol),
		Resolution: uint8(p.Resolution),
		EndTime:    p.Time,
		Open:       int64(p.Bar.Open),
		High:       int64(p.Bar.High),
		Low:        int64(p.Bar.Low),
		Close:      int64(p.Bar.Close),
		Volume:     int64(p.Bar.Volume),
	}
}

// DataPoint converts the row into a bar data point for a subscription.
func (r BarRecord) DataPoint(sub schema.SubscriptionID) schema.DataPoint {
	return schema.DataPoint{
		Subscription: sub,
		Symbol:       schema.SymbolID(r.Symbol),
		Resolution:   schema.Resolution(r.Resolution),
		Kind:         schema.DataBar,
		Time:         r.EndTime,
		Bar: schema.Bar{
			Open:   schema.Price(r.Open),
			High:   schema.Price(r.High),
			Low:    schema.Price(r.Low),
			Close:  schema.Price(r.Close),
			Volume: schema.Quantity(r.Volume),
		},
	}
}

// OrderEventRecord is one order event emitted by a run.
type OrderEventRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"size:36;not null;index:idx_order_event_run,priority:1"`
	OrderID   uint64 `gorm:"not null;index:idx_order_event_run,priority:2"`
	Seq       uint64 `gorm:"not null"`
	Time      int64  `gorm:"not null"`
	Symbol    uint32
	Side      string `gorm:"size:8"`
	Status    string `gorm:"size:24"`
	FillQty   int64
	FillPrice int64
	Fee       int64
	Legs      string
	Message   string
}

func (OrderEventRecord) TableName() string { return "order_events" }

// OrderEventRecordOf converts an order event into a row.
func OrderEventRecordOf(runID string, ev schema.OrderEvent) (OrderEventRecord, error) {
	rec := OrderEventRecord{
		RunID:     runID,
		OrderID:   ev.OrderID,
		Seq:       ev.Seq,
		Time:      ev.Time,
		Symbol:    uint32(ev.Symbol),
		Side:      ev.Side.String(),
		Status:    ev.Status.String(),
		FillQty:   int64(ev.FillQty),
		FillPrice: int64(ev.FillPrice),
		Fee:       int64(ev.Fee),
		Message:   ev.Message,
	}
	if len(ev.Legs) > 0 {
		legs, err := sonic.ConfigFastest.MarshalToString(ev.Legs)
		if err != nil {
			return rec, err
		}
		rec.Legs = legs
	}
	return rec, nil
}

// SliceRecord summarizes one time slice emitted by a run.
type SliceRecord struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	RunID  string `gorm:"size:36;not null;index:idx_slice_run,priority:1"`
	Time   int64  `gorm:"not null;index:idx_slice_run,priority:2"`
	Points int
	Fresh  int
}

func (SliceRecord) TableName() string { return "slices" }
