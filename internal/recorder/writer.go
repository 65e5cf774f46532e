package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tradecore/internal/schema"
)

var (
	ErrQueueFull       = errors.New("recorder: queue full")
	ErrClosed          = errors.New("recorder: writer closed")
	ErrNotStarted      = errors.New("recorder: writer not started")
	ErrAlreadyStarted  = errors.New("recorder: writer already started")
	ErrPayloadTooLarge = errors.New("recorder: payload too large")
)

// maxPayloadLen is what the 32-bit length field of a frame can describe.
const maxPayloadLen = uint64(^uint32(0))

const (
	writerIdle int32 = iota
	writerRunning
	writerClosed
)

// Stats counts what a writer has handed to the file system.
type Stats struct {
	Records  uint64
	Bytes    uint64
	Segments uint64
}

type entry struct {
	header  schema.EventHeader
	payload []byte
}

// Writer appends framed records to numbered segment files. Appends are
// queued and written by a single goroutine started with Start.
type Writer struct {
	cfg     Config
	queue   chan entry
	stopped chan struct{}
	group   errgroup.Group

	// mu orders queue sends against closing the queue.
	mu    sync.RWMutex
	state atomic.Int32
	fault atomic.Pointer[error]

	nextID   uint64
	records  atomic.Uint64
	bytes    atomic.Uint64
	segments atomic.Uint64
}

// NewWriter creates dir if needed and picks the first free segment number.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	last, err := lastSegmentID(cfg.Dir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}
	return &Writer{
		cfg:     cfg,
		queue:   make(chan entry, cfg.QueueSize),
		stopped: make(chan struct{}),
		nextID:  last + 1,
	}, nil
}

// Start runs the write loop. Canceling ctx writes what is already queued and
// then stops accepting records.
func (w *Writer) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(writerIdle, writerRunning) {
		if w.state.Load() == writerClosed {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}
	w.group.Go(func() error {
		defer close(w.stopped)
		err := w.loop(ctx)
		if err != nil {
			w.fail(err)
		}
		return err
	})
	return nil
}

// Close writes everything queued, closes the open segment and returns the
// first write error.
func (w *Writer) Close() error {
	w.mu.Lock()
	prev := w.state.Swap(writerClosed)
	if prev == writerRunning {
		close(w.queue)
	}
	w.mu.Unlock()
	if prev == writerIdle {
		return nil
	}
	_ = w.group.Wait()
	return w.Err()
}

// Err returns the error that stopped the writer, if any.
func (w *Writer) Err() error {
	if p := w.fault.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns counters of persisted records.
func (w *Writer) Stats() Stats {
	return Stats{
		Records:  w.records.Load(),
		Bytes:    w.bytes.Load(),
		Segments: w.segments.Load(),
	}
}

// TryAppend queues a record or fails with ErrQueueFull.
func (w *Writer) TryAppend(header schema.EventHeader, payload []byte) error {
	e, err := w.entry(header, payload)
	if err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.accepting(); err != nil {
		return err
	}
	select {
	case w.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Append queues a record, waiting for room until ctx is done.
func (w *Writer) Append(ctx context.Context, header schema.EventHeader, payload []byte) error {
	e, err := w.entry(header, payload)
	if err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.accepting(); err != nil {
		return err
	}
	select {
	case w.queue <- e:
		return nil
	case <-w.stopped:
		if err := w.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) accepting() error {
	switch w.state.Load() {
	case writerIdle:
		return ErrNotStarted
	case writerClosed:
		return ErrClosed
	}
	select {
	case <-w.stopped:
		if err := w.Err(); err != nil {
			return err
		}
		return ErrClosed
	default:
		return nil
	}
}

func (w *Writer) entry(header schema.EventHeader, payload []byte) (entry, error) {
	if uint64(len(payload)) > w.cfg.payloadLimit() {
		return entry{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}
	if w.cfg.CopyPayload && len(payload) > 0 {
		payload = append([]byte(nil), payload...)
	}
	return entry{header: header, payload: payload}, nil
}

func (w *Writer) fail(err error) {
	w.fault.CompareAndSwap(nil, &err)
}

// AppendRecord encodes one framed record onto dst.
func AppendRecord(dst []byte, header schema.EventHeader, payload []byte) []byte {
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}
	start := len(dst)
	dst = append(dst, make([]byte, recordHeaderSize)...)
	encodeHeader(dst[start:], header, len(payload))
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint32(dst, checksum(dst[start:start+recordHeaderSize], payload))
}

func (w *Writer) loop(ctx context.Context) (err error) {
	var seg *segment
	defer func() {
		if cerr := seg.close(); err == nil {
			err = cerr
		}
	}()

	flushC, stopFlush := ticker(w.cfg.FlushInterval)
	defer stopFlush()
	syncC, stopSync := ticker(w.cfg.SyncInterval)
	defer stopSync()

	frame := make([]byte, 0, recordHeaderSize+recordChecksumSize)
	write := func(e entry) error {
		var werr error
		seg, werr = w.rotate(seg, int64(recordHeaderSize+len(e.payload)+recordChecksumSize))
		if werr != nil {
			return werr
		}
		frame = AppendRecord(frame[:0], e.header, e.payload)
		n, werr := seg.write(frame)
		w.bytes.Add(uint64(n))
		if werr != nil {
			return werr
		}
		w.records.Add(1)
		return nil
	}

	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				return nil
			}
			if err := write(e); err != nil {
				return err
			}
		case <-flushC:
			if err := seg.flush(); err != nil {
				return err
			}
		case <-syncC:
			if err := seg.sync(); err != nil {
				return err
			}
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.queue:
					if !ok {
						return nil
					}
					if err := write(e); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// rotate returns a segment with room for a record of size bytes.
func (w *Writer) rotate(seg *segment, size int64) (*segment, error) {
	if seg != nil && !seg.full(w.cfg, size, time.Now()) {
		return seg, nil
	}
	if err := seg.close(); err != nil {
		return nil, err
	}
	next, err := openSegment(w.cfg, w.nextID)
	if err != nil {
		return nil, err
	}
	w.nextID++
	w.segments.Add(1)
	return next, nil
}

func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// segment is one open WAL file. All methods accept a nil receiver.
type segment struct {
	file   *os.File
	buf    *bufio.Writer
	size   int64
	opened time.Time
}

func segmentName(prefix string, id uint64) string {
	return fmt.Sprintf("%s-%06d.wal", prefix, id)
}

func openSegment(cfg Config, id uint64) (*segment, error) {
	path := filepath.Join(cfg.Dir, segmentName(cfg.FilePrefix, id))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &segment{
		file:   file,
		buf:    bufio.NewWriterSize(file, cfg.BufferSize),
		opened: time.Now(),
	}, nil
}

// full reports whether the segment should be rotated before the next record.
// An empty segment always takes the record.
func (s *segment) full(cfg Config, next int64, now time.Time) bool {
	if s.size == 0 {
		return false
	}
	if s.size+next > cfg.MaxSegmentBytes {
		return true
	}
	return cfg.MaxSegmentAge > 0 && now.Sub(s.opened) >= cfg.MaxSegmentAge
}

func (s *segment) write(frame []byte) (int, error) {
	n, err := s.buf.Write(frame)
	s.size += int64(n)
	return n, err
}

func (s *segment) flush() error {
	if s == nil {
		return nil
	}
	return s.buf.Flush()
}

func (s *segment) sync() error {
	if s == nil {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s == nil {
		return nil
	}
	err := s.sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// lastSegmentID returns the highest number among the prefix's segments in
// dir, zero when there are none. Names whose last dash-separated field is
// not a number are ignored.
func lastSegmentID(dir, prefix string) (uint64, error) {
	files, err := listSegments(dir, prefix)
	if err != nil {
		return 0, err
	}
	var last uint64
	for _, path := range files {
		name := strings.TrimSuffix(filepath.Base(path), ".wal")
		id, err := strconv.ParseUint(name[strings.LastIndexByte(name, '-')+1:], 10, 64)
		if err == nil && id > last {
			last = id
		}
	}
	return last, nil
}
