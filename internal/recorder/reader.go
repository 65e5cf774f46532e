package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"tradecore/internal/schema"
)

var ErrChecksumMismatch = errors.New("recorder: checksum mismatch")

// ReaderOptions controls record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	// MaxPayloadSize treats longer length fields as framing damage. Zero
	// accepts anything the frame can describe.
	MaxPayloadSize int
}

// Reader decodes framed records from a stream.
type Reader struct {
	src     *bufio.Reader
	opts    ReaderOptions
	head    [recordHeaderSize]byte
	body    []byte
	records uint64
	offset  int64
}

func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{src: bufio.NewReader(r), opts: opts}
}

// Records counts the records consumed, including ones that failed the checksum.
func (r *Reader) Records() uint64 {
	return r.records
}

// Offset is the stream position of the record Next will read.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Next returns the next header and payload. The payload is reused by the
// following call. A clean end of input is io.EOF and a truncated record is
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (schema.EventHeader, []byte, error) {
	if n, err := io.ReadFull(r.src, r.head[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return schema.EventHeader{}, nil, io.EOF
		}
		return schema.EventHeader{}, nil, io.ErrUnexpectedEOF
	}
	header, length, err := decodeRecordHeader(r.head[:])
	if err != nil {
		return header, nil, err
	}
	if r.opts.MaxPayloadSize > 0 && uint64(length) > uint64(r.opts.MaxPayloadSize) {
		return header, nil, ErrPayloadTooLarge
	}

	// payload and trailing checksum in one read
	size := int(length) + recordChecksumSize
	if cap(r.body) < size {
		r.body = make([]byte, size)
	}
	r.body = r.body[:size]
	if _, err := io.ReadFull(r.src, r.body); err != nil {
		return header, nil, io.ErrUnexpectedEOF
	}
	r.records++
	r.offset += int64(recordHeaderSize + size)

	payload := r.body[:length]
	if !r.opts.DisableChecksum && checksum(r.head[:], payload) != binary.LittleEndian.Uint32(r.body[length:]) {
		return header, nil, ErrChecksumMismatch
	}
	return header, payload, nil
}
