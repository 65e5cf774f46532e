package codec

import (
	"encoding/binary"

	"tradecore/internal/schema"
)

const (
	orderEventFixedSize = 68
	legFillSize         = 32
	maxMessageLen       = 1<<16 - 1
)

// EncodeOrderEvent serializes an order event. Messages longer than 64KiB are truncated.
func EncodeOrderEvent(dst []byte, ev schema.OrderEvent) []byte {
	msg := ev.Message
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	legs := ev.Legs
	if len(legs) > 1<<16-1 {
		legs = legs[:1<<16-1]
	}
	size := orderEventFixedSize + len(legs)*legFillSize + len(msg)
	if cap(dst) < size {
		dst = make([]byte, size)
	} else {
		dst = dst[:size]
	}

	binary.LittleEndian.PutUint64(dst[0:8], ev.OrderID)
	binary.LittleEndian.PutUint64(dst[8:16], ev.Seq)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(ev.Time))
	binary.LittleEndian.PutUint32(dst[24:28], uint32(ev.Symbol))
	binary.LittleEndian.PutUint16(dst[28:30], uint16(ev.Side))
	binary.LittleEndian.PutUint16(dst[30:32], uint16(ev.Status))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(ev.FillQty))
	binary.LittleEndian.PutUint64(dst[40:48], uint64(ev.FillPrice))
	binary.LittleEndian.PutUint64(dst[48:56], uint64(ev.Fee))
	binary.LittleEndian.PutUint16(dst[56:58], uint16(len(legs)))
	binary.LittleEndian.PutUint16(dst[58:60], uint16(len(msg)))
	binary.LittleEndian.PutUint64(dst[60:68], 0)

	off := orderEventFixedSize
	for _, leg := range legs {
		b := dst[off : off+legFillSize]
		binary.LittleEndian.PutUint32(b[0:4], uint32(leg.Symbol))
		binary.LittleEndian.PutUint16(b[4:6], uint16(leg.Side))
		binary.LittleEndian.PutUint16(b[6:8], 0)
		binary.LittleEndian.PutUint64(b[8:16], uint64(leg.Qty))
		binary.LittleEndian.PutUint64(b[16:24], uint64(leg.Price))
		binary.LittleEndian.PutUint64(b[24:32], uint64(leg.Fee))
		off += legFillSize
	}
	copy(dst[off:], msg)
	return dst
}

// DecodeOrderEvent parses an order event payload.
func DecodeOrderEvent(src []byte) (schema.OrderEvent, bool) {
	if len(src) < orderEventFixedSize {
		return schema.OrderEvent{}, false
	}
	legCount := int(binary.LittleEndian.Uint16(src[56:58]))
	msgLen := int(binary.LittleEndian.Uint16(src[58:60]))
	if len(src) != orderEventFixedSize+legCount*legFillSize+msgLen {
		return schema.OrderEvent{}, false
	}
	ev := schema.OrderEvent{
		OrderID:   binary.LittleEndian.Uint64(src[0:8]),
		Seq:       binary.LittleEndian.Uint64(src[8:16]),
		Time:      int64(binary.LittleEndian.Uint64(src[16:24])),
		Symbol:    schema.SymbolID(binary.LittleEndian.Uint32(src[24:28])),
		Side:      schema.OrderSide(binary.LittleEndian.Uint16(src[28:30])),
		Status:    schema.OrderStatus(binary.LittleEndian.Uint16(src[30:32])),
		FillQty:   schema.Quantity(int64(binary.LittleEndian.Uint64(src[32:40]))),
		FillPrice: schema.Price(int64(binary.LittleEndian.Uint64(src[40:48]))),
		Fee:       schema.Fee(int64(binary.LittleEndian.Uint64(src[48:56]))),
	}
	off := orderEventFixedSize
	if legCount > 0 {
		ev.Legs = make([]schema.LegFill, legCount)
		for i := range ev.Legs {
			b := src[off : off+legFillSize]
			ev.Legs[i] = schema.LegFill{
				Symbol: schema.SymbolID(binary.LittleEndian.Uint32(b[0:4])),
				Side:   schema.OrderSide(binary.LittleEndian.Uint16(b[4:6])),
				Qty:    schema.Quantity(int64(binary.LittleEndian.Uint64(b[8:16]))),
				Price:  schema.Price(int64(binary.LittleEndian.Uint64(b[16:24]))),
				Fee:    schema.Fee(int64(binary.LittleEndian.Uint64(b[24:32]))),
			}
			off += legFillSize
		}
	}
	if msgLen > 0 {
		ev.Message = string(src[off : off+msgLen])
	}
	return ev, true
}
