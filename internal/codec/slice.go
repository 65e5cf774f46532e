package codec

import (
	"encoding/binary"

	"tradecore/internal/schema"
)

const SliceMarkPayloadSize = 16

// SliceMark summarizes a dispatched time slice in the journal.
type SliceMark struct {
	Time   int64
	Points uint32
	Fresh  uint32
}

// MarkOf builds the journal summary of a slice.
func MarkOf(slice schema.TimeSlice) SliceMark {
	return SliceMark{
		Time:   slice.Time,
		Points: uint32(slice.Len()),
		Fresh:  uint32(slice.FreshCount()),
	}
}

// EncodeSliceMark serializes a slice mark into a fixed-size payload.
func EncodeSliceMark(dst []byte, m SliceMark) []byte {
	if cap(dst) < SliceMarkPayloadSize {
		dst = make([]byte, SliceMarkPayloadSize)
	} else {
		dst = dst[:SliceMarkPayloadSize]
	}
	binary.LittleEndian.PutUint64(dst[0:8], uint64(m.Time))
	binary.LittleEndian.PutUint32(dst[8:12], m.Points)
	binary.LittleEndian.PutUint32(dst[12:16], m.Fresh)
	return dst
}

// DecodeSliceMark parses a slice mark payload.
func DecodeSliceMark(src []byte) (SliceMark, bool) {
	if len(src) < SliceMarkPayloadSize {
		return SliceMark{}, false
	}
	return SliceMark{
		Time:   int64(binary.LittleEndian.Uint64(src[0:8])),
		Points: binary.LittleEndian.Uint32(src[8:12]),
		Fresh:  binary.LittleEndian.Uint32(src[12:16]),
	}, true
}
