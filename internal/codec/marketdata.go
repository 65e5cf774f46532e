package codec

import (
	"encoding/binary"

	"tradecore/internal/schema"
)

const (
	dataPointHeaderSize = 16

	BarPayloadSize   = dataPointHeaderSize + 40
	TradePayloadSize = dataPointHeaderSize + 16
	QuotePayloadSize = dataPointHeaderSize + 32
)

// DataPointSize returns the payload size for a data kind, or 0 when unknown.
func DataPointSize(kind schema.DataKind) int {
	switch kind {
	case schema.DataBar:
		return BarPayloadSize
	case schema.DataTrade:
		return TradePayloadSize
	case schema.DataQuote:
		return QuotePayloadSize
	default:
		return 0
	}
}

// EventTypeOf maps a data kind to its record type.
func EventTypeOf(kind schema.DataKind) schema.EventType {
	switch kind {
	case schema.DataBar:
		return schema.EventBar
	case schema.DataTrade:
		return schema.EventTrade
	case schema.DataQuote:
		return schema.EventQuote
	default:
		return schema.EventUnknown
	}
}

// EncodeDataPoint serializes a data point into a fixed-size payload.
// The subscription id is not persisted; it is assigned when the point is replayed.
func EncodeDataPoint(dst []byte, p schema.DataPoint) []byte {
	size := DataPointSize(p.Kind)
	if size == 0 {
		return dst[:0]
	}
	if cap(dst) < size {
		dst = make([]byte, size)
	} else {
		dst = dst[:size]
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(p.Symbol))
	dst[4] = byte(p.Resolution)
	dst[5] = byte(p.Kind)
	var flags uint16
	if p.FillForward {
		flags |= 1
	}
	binary.LittleEndian.PutUint16(dst[6:8], flags)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(p.Time))

	body := dst[dataPointHeaderSize:]
	switch p.Kind {
	case schema.DataBar:
		binary.LittleEndian.PutUint64(body[0:8], uint64(p.Bar.Open))
		binary.LittleEndian.PutUint64(body[8:16], uint64(p.Bar.High))
		binary.LittleEndian.PutUint64(body[16:24], uint64(p.Bar.Low))
		binary.LittleEndian.PutUint64(body[24:32], uint64(p.Bar.Close))
		binary.LittleEndian.PutUint64(body[32:40], uint64(p.Bar.Volume))
	case schema.DataTrade:
		binary.LittleEndian.PutUint64(body[0:8], uint64(p.Trade.Price))
		binary.LittleEndian.PutUint64(body[8:16], uint64(p.Trade.Size))
	case schema.DataQuote:
		binary.LittleEndian.PutUint64(body[0:8], uint64(p.Quote.BidPrice))
		binary.LittleEndian.PutUint64(body[8:16], uint64(p.Quote.BidSize))
		binary.LittleEndian.PutUint64(body[16:24], uint64(p.Quote.AskPrice))
		binary.LittleEndian.PutUint64(body[24:32], uint64(p.Quote.AskSize))
	}
	return dst
}

// DecodeDataPoint parses a data point payload. It fails on short payloads and
// unknown kinds.
func DecodeDataPoint(src []byte) (schema.DataPoint, bool) {
	if len(src) < dataPointHeaderSize {
		return schema.DataPoint{}, false
	}
	kind := schema.DataKind(src[5])
	size := DataPointSize(kind)
	if size == 0 || len(src) != size {
		return schema.DataPoint{}, false
	}
	p := schema.DataPoint{
		Symbol:      schema.SymbolID(binary.LittleEndian.Uint32(src[0:4])),
		Resolution:  schema.Resolution(src[4]),
		Kind:        kind,
		FillForward: binary.LittleEndian.Uint16(src[6:8])&1 != 0,
		Time:        int64(binary.LittleEndian.Uint64(src[8:16])),
	}

	body := src[dataPointHeaderSize:]
	switch kind {
	case schema.DataBar:
		p.Bar = schema.Bar{
			Open:   schema.Price(int64(binary.LittleEndian.Uint64(body[0:8]))),
			High:   schema.Price(int64(binary.LittleEndian.Uint64(body[8:16]))),
			Low:    schema.Price(int64(binary.LittleEndian.Uint64(body[16:24]))),
			Close:  schema.Price(int64(binary.LittleEndian.Uint64(body[24:32]))),
			Volume: schema.Quantity(int64(binary.LittleEndian.Uint64(body[32:40]))),
		}
	case schema.DataTrade:
		p.Trade = schema.Trade{
			Price: schema.Price(int64(binary.LittleEndian.Uint64(body[0:8]))),
			Size:  schema.Quantity(int64(binary.LittleEndian.Uint64(body[8:16]))),
		}
	case schema.DataQuote:
		p.Quote = schema.Quote{
			BidPrice: schema.Price(int64(binary.LittleEndian.Uint64(body[0:8]))),
			BidSize:  schema.Quantity(int64(binary.LittleEndian.Uint64(body[8:16]))),
			AskPrice: schema.Price(int64(binary.LittleEndian.Uint64(body[16:24]))),
			AskSize:  schema.Quantity(int64(binary.LittleEndian.Uint64(body[24:32]))),
		}
	}
	return p, true
}
