package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"tradecore/internal/schema"
)

const (
	recordVersion      uint16 = 2
	recordHeaderSize          = 48
	recordChecksumSize        = 4
)

var (
	recordMagic = [4]byte{'T', 'C', 'R', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("recorder: invalid magic")
	ErrUnsupportedRecordVer    = errors.New("recorder: unsupported record version")
	ErrInvalidRecordHeaderSize = errors.New("recorder: invalid header size")
)

// layout:
//
//	0:4   magic          4:6   record version   6:8   header size
//	8:10  event type     10:12 schema version   12:14 flags
//	14:16 reserved       16:20 stream           20:24 payload length
//	24:32 seq            32:40 ts event         40:48 ts recv
func encodeHeader(dst []byte, header schema.EventHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(header.Type))
	binary.LittleEndian.PutUint16(dst[10:12], header.Version)
	binary.LittleEndian.PutUint16(dst[12:14], header.Flags)
	binary.LittleEndian.PutUint16(dst[14:16], 0)
	binary.LittleEndian.PutUint32(dst[16:20], header.Stream)
	binary.LittleEndian.PutUint32(dst[20:24], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[24:32], header.Seq)
	binary.LittleEndian.PutUint64(dst[32:40], uint64(header.TsEvent))
	binary.LittleEndian.PutUint64(dst[40:48], uint64(header.TsRecv))
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

func decodeRecordHeader(src []byte) (schema.EventHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return schema.EventHeader{}, 0, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return schema.EventHeader{}, 0, ErrUnsupportedRecordVer
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	h := schema.EventHeader{
		Type:    schema.EventType(binary.LittleEndian.Uint16(src[8:10])),
		Version: binary.LittleEndian.Uint16(src[10:12]),
		Flags:   binary.LittleEndian.Uint16(src[12:14]),
		Stream:  binary.LittleEndian.Uint32(src[16:20]),
		Seq:     binary.LittleEndian.Uint64(src[24:32]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[32:40])),
		TsRecv:  int64(binary.LittleEndian.Uint64(src[40:48])),
	}
	return h, binary.LittleEndian.Uint32(src[20:24]), nil
}

// IsFramingError reports whether err leaves the reader unable to locate the
// next record. Checksum mismatches are not framing errors: the damaged record
// has been consumed and reading may continue.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrUnsupportedRecordVer) ||
		errors.Is(err, ErrInvalidRecordHeaderSize) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
