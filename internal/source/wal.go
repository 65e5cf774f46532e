package source

import (
	"context"
	"io"

	"tradecore/internal/codec"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
)

// WALPrefix names the WAL segments holding one subscription's data.
func WALPrefix(symbol string, res schema.Resolution) string {
	return symbol + "-" + res.String()
}

// WALConfig locates the segments of one subscription.
type WALConfig struct {
	Dir             string
	Prefix          string
	DisableChecksum bool
	MaxPayloadSize  int
}

// WALIterator decodes market data records written by the recorder.
// Records of other event types are passed over.
type WALIterator struct {
	cursor *recorder.Cursor
}

// OpenWAL opens the segments matching cfg.Prefix.
func OpenWAL(cfg WALConfig) (*WALIterator, error) {
	cursor, err := recorder.OpenCursor(recorder.CursorConfig{
		Dir:             cfg.Dir,
		FilePrefix:      cfg.Prefix,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
	})
	if err != nil {
		return nil, err
	}
	return &WALIterator{cursor: cursor}, nil
}

func (it *WALIterator) Next() (schema.DataPoint, error) {
	for {
		rec, err := it.cursor.Next()
		if err == io.EOF {
			return schema.DataPoint{}, ErrEndOfStream
		}
		if err != nil {
			return schema.DataPoint{}, err
		}
		if !rec.Header.Type.IsMarketData() {
			continue
		}
		p, ok := codec.DecodeDataPoint(rec.Payload)
		if !ok {
			return schema.DataPoint{}, corruptPayload("undecodable payload", rec.Segment, rec.Header.Seq)
		}
		if codec.EventTypeOf(p.Kind) != rec.Header.Type {
			return schema.DataPoint{}, corruptPayload("payload kind does not match header", rec.Segment, rec.Header.Seq)
		}
		return p, nil
	}
}

func (it *WALIterator) Close() error {
	return it.cursor.Close()
}

// WALWriter records data points in the layout OpenWAL reads back.
// It is not safe for concurrent use.
type WALWriter struct {
	w      *recorder.Writer
	stream uint16
	seq    uint64
}

// CreateWAL starts a writer appending segments named after prefix.
func CreateWAL(ctx context.Context, dir, prefix string, stream uint16) (*WALWriter, error) {
	cfg := recorder.DefaultConfig(dir)
	cfg.FilePrefix = prefix
	w, err := recorder.NewWriter(cfg)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return &WALWriter{w: w, stream: stream}, nil
}

// Write appends p, waiting for queue space until ctx is done.
func (ww *WALWriter) Write(ctx context.Context, p schema.DataPoint) error {
	header, payload := ww.record(p)
	return ww.w.Append(ctx, header, payload)
}

// TryWrite appends p without blocking.
func (ww *WALWriter) TryWrite(p schema.DataPoint) error {
	header, payload := ww.record(p)
	return ww.w.TryAppend(header, payload)
}

func (ww *WALWriter) record(p schema.DataPoint) (schema.EventHeader, []byte) {
	ww.seq++
	header := schema.NewHeader(codec.EventTypeOf(p.Kind), uint32(ww.stream), ww.seq, p.Time, p.Time)
	return header, codec.EncodeDataPoint(nil, p)
}

// Close flushes and closes the segments.
func (ww *WALWriter) Close() error {
	return ww.w.Close()
}
