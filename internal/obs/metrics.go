package obs

import (
	"sync/atomic"
	"time"

	"tradecore/internal/risk"
	"tradecore/internal/schema"
)

// Metrics counts what a run did. Every method is safe for concurrent use and
// a nil *Metrics records nothing.
type Metrics struct {
	slices       atomic.Uint64
	points       atomic.Uint64
	fillForward  atomic.Uint64
	latePoints   atomic.Uint64
	liveDrops    atomic.Uint64
	corruptSkips atomic.Uint64
	noProgress   atomic.Uint64
	suppressed   atomic.Uint64
	queueDrops   atomic.Uint64
	queueClosed  atomic.Uint64

	orderEvents [schema.OrderStatusExpired + 1]atomic.Uint64
	riskReasons [risk.MaxReason + 1]atomic.Uint64

	callback  Latency
	sliceWait Latency
	feed      Latency
}

// Snapshot is a copy of the counters. Zero entries are left out of the maps.
type Snapshot struct {
	Slices           uint64
	Points           uint64
	FillForward      uint64
	LatePoints       uint64
	LiveDrops        uint64
	CorruptSkips     uint64
	NoProgress       uint64
	Suppressed       uint64
	OrderEvents      map[schema.OrderStatus]uint64
	RiskReasonCounts map[risk.Reason]uint64
	QueueDrops       uint64
	QueueClosed      uint64
	CallbackLatency  LatencySnapshot
	SliceWait        LatencySnapshot
	FeedLatency      LatencySnapshot
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveSlice counts a slice, its fresh points and its fill-forward copies.
func (m *Metrics) ObserveSlice(slice schema.TimeSlice) {
	if m == nil {
		return
	}
	fresh := slice.FreshCount()
	m.slices.Add(1)
	m.points.Add(uint64(fresh))
	m.fillForward.Add(uint64(slice.Len() - fresh))
}

// IncLatePoint counts a live point that arrived behind the frontier.
func (m *Metrics) IncLatePoint() {
	if m != nil {
		m.latePoints.Add(1)
	}
}

// IncLiveDrop counts a live point dropped by a full queue.
func (m *Metrics) IncLiveDrop() {
	if m != nil {
		m.liveDrops.Add(1)
	}
}

func (m *Metrics) IncCorruptSkip() {
	if m != nil {
		m.corruptSkips.Add(1)
	}
}

// IncNoProgress counts an iteration that did not advance the frontier.
func (m *Metrics) IncNoProgress() {
	if m != nil {
		m.noProgress.Add(1)
	}
}

// IncSuppressed counts an order request discarded during warmup.
func (m *Metrics) IncSuppressed() {
	if m != nil {
		m.suppressed.Add(1)
	}
}

// IncQueueDrop counts a notification a full sink queue dropped.
func (m *Metrics) IncQueueDrop() {
	if m != nil {
		m.queueDrops.Add(1)
	}
}

func (m *Metrics) IncQueueClosed() {
	if m != nil {
		m.queueClosed.Add(1)
	}
}

func (m *Metrics) IncOrderEvent(status schema.OrderStatus) {
	if m != nil && int(status) < len(m.orderEvents) {
		m.orderEvents[status].Add(1)
	}
}

func (m *Metrics) IncRiskReason(reason risk.Reason) {
	if m != nil && int(reason) < len(m.riskReasons) {
		m.riskReasons[reason].Add(1)
	}
}

// ObserveCallback records how long a strategy callback ran.
func (m *Metrics) ObserveCallback(d time.Duration) {
	if m != nil {
		m.callback.Observe(d)
	}
}

// ObserveSliceWait records how long the loop waited for a slice.
func (m *Metrics) ObserveSliceWait(d time.Duration) {
	if m != nil {
		m.sliceWait.Observe(d)
	}
}

// ObserveFeed records the delay between a live point's end time and recv.
func (m *Metrics) ObserveFeed(point schema.DataPoint, recv int64) {
	if m == nil || point.Time <= 0 || recv < point.Time {
		return
	}
	m.feed.Observe(time.Duration(recv - point.Time))
}

func (m *Metrics) loadOrderEvents(idx int) uint64 {
	if m == nil || idx < 0 || idx >= len(m.orderEvents) {
		return 0
	}
	return m.orderEvents[idx].Load()
}

func (m *Metrics) loadRiskReason(idx int) uint64 {
	if m == nil || idx < 0 || idx >= len(m.riskReasons) {
		return 0
	}
	return m.riskReasons[idx].Load()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		Slices:           m.slices.Load(),
		Points:           m.points.Load(),
		FillForward:      m.fillForward.Load(),
		LatePoints:       m.latePoints.Load(),
		LiveDrops:        m.liveDrops.Load(),
		CorruptSkips:     m.corruptSkips.Load(),
		NoProgress:       m.noProgress.Load(),
		Suppressed:       m.suppressed.Load(),
		OrderEvents:      make(map[schema.OrderStatus]uint64),
		RiskReasonCounts: make(map[risk.Reason]uint64),
		QueueDrops:       m.queueDrops.Load(),
		QueueClosed:      m.queueClosed.Load(),
		CallbackLatency:  m.callback.Snapshot(),
		SliceWait:        m.sliceWait.Snapshot(),
		FeedLatency:      m.feed.Snapshot(),
	}
	for i := range m.orderEvents {
		if v := m.orderEvents[i].Load(); v > 0 {
			snap.OrderEvents[schema.OrderStatus(i)] = v
		}
	}
	for i := range m.riskReasons {
		if v := m.riskReasons[i].Load(); v > 0 {
			snap.RiskReasonCounts[risk.Reason(i)] = v
		}
	}
	return snap
}
