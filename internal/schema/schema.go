package schema

// SchemaVersion is stamped on every persisted record.
const SchemaVersion uint16 = 1

// EventType tags what a persisted record carries.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventBar
	EventTrade
	EventQuote
	EventOrderEvent
	EventSliceMark
)

var eventTypeNames = [...]string{
	EventUnknown:    "Unknown",
	EventBar:        "Bar",
	EventTrade:      "Trade",
	EventQuote:      "Quote",
	EventOrderEvent: "OrderEvent",
	EventSliceMark:  "SliceMark",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return eventTypeNames[EventUnknown]
}

// IsMarketData reports whether the record holds a data point.
func (t EventType) IsMarketData() bool {
	return t == EventBar || t == EventTrade || t == EventQuote
}

// EventHeader precedes every record payload. Stream identifies the writer,
// a subscription for data WALs and a fixed tag for journals. Seq increases
// within a stream.
type EventHeader struct {
	Type    EventType
	Version uint16
	Flags   uint16
	Stream  uint32
	Seq     uint64
	TsEvent int64
	TsRecv  int64
}

// NewHeader stamps the current SchemaVersion.
func NewHeader(typ EventType, stream uint32, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{Type: typ, Version: SchemaVersion, Stream: stream, Seq: seq, TsEvent: tsEvent, TsRecv: tsRecv}
}
