package recorder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

func writeSegment(t *testing.T, dir, name string, records ...[]byte) {
	t.Helper()
	var buf []byte
	for _, r := range records {
		buf = append(buf, r...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf, 0o644))
}

func record(stream uint32, seq uint64, payload string) []byte {
	return AppendRecord(nil, schema.NewHeader(schema.EventBar, stream, seq, int64(seq)*10, int64(seq)*10), []byte(payload))
}

func readAll(t *testing.T, c *Cursor) (seqs []uint64, corrupt int) {
	t.Helper()
	for {
		rec, err := c.Next()
		if err == io.EOF {
			return seqs, corrupt
		}
		if err != nil {
			require.ErrorIs(t, err, exception.ErrCorruptRecord)
			corrupt++
			continue
		}
		seqs = append(seqs, rec.Header.Seq)
	}
}

func TestWriterCursorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.QueueSize = 16
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, w.Append(context.Background(), schema.NewHeader(schema.EventTrade, 3, i, int64(i), int64(i)), []byte{byte(i)}))
	}
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.TryAppend(schema.EventHeader{}, nil), ErrClosed)

	c, err := OpenCursor(CursorConfig{Dir: dir})
	require.NoError(t, err)
	defer c.Close()
	require.Len(t, c.Segments(), 1)

	for i := uint64(1); i <= 5; i++ {
		rec, err := c.Next()
		require.NoError(t, err)
		assert.Equal(t, schema.EventTrade, rec.Header.Type)
		assert.Equal(t, uint32(3), rec.Header.Stream)
		assert.Equal(t, i, rec.Header.Seq)
		assert.Equal(t, schema.SchemaVersion, rec.Header.Version)
		assert.Equal(t, []byte{byte(i)}, rec.Payload)
	}
	_, err = c.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestCursorCorruption(t *testing.T) {
	testCases := []struct {
		desc        string
		segments    map[string][][]byte
		wantSeqs    []uint64
		wantCorrupt int
	}{
		{
			desc: "checksum mismatch skips one record",
			segments: map[string][][]byte{
				"wal-a-000001.wal": {record(1, 1, "aa"), flip(record(1, 2, "bb"), recordHeaderSize), record(1, 3, "cc")},
			},
			wantSeqs:    []uint64{1, 3},
			wantCorrupt: 1,
		},
		{
			desc: "bad magic skips rest of segment",
			segments: map[string][][]byte{
				"wal-a-000001.wal": {record(1, 1, "aa"), flip(record(1, 2, "bb"), 0), record(1, 3, "cc")},
				"wal-a-000002.wal": {record(1, 4, "dd")},
			},
			wantSeqs:    []uint64{1, 4},
			wantCorrupt: 1,
		},
		{
			desc: "truncated tail",
			segments: map[string][][]byte{
				"wal-a-000001.wal": {record(1, 1, "aa"), record(1, 2, "bb")[:20]},
				"wal-a-000002.wal": {record(1, 3, "cc")},
			},
			wantSeqs:    []uint64{1, 3},
			wantCorrupt: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			dir := t.TempDir()
			for name, recs := range tc.segments {
				writeSegment(t, dir, name, recs...)
			}
			c, err := OpenCursor(CursorConfig{Dir: dir})
			require.NoError(t, err)
			defer c.Close()

			seqs, corrupt := readAll(t, c)
			assert.Equal(t, tc.wantSeqs, seqs)
			assert.Equal(t, tc.wantCorrupt, corrupt)
		})
	}
}

func flip(b []byte, at int) []byte {
	b[at] ^= 0xff
	return b
}

type fakeClock struct {
	slept []time.Duration
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return nil
}

func TestPlaybackStreamFilterAndPacing(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "wal-a-000001.wal",
		record(1, 1, "a"), record(2, 2, "b"), record(1, 3, "c"), flip(record(1, 4, "d"), 0))

	p, err := NewPlayback(PlaybackConfig{Dir: dir, Speed: 2, Stream: 1})
	require.NoError(t, err)
	clock := &fakeClock{}
	p.WithClock(clock)

	var got []uint64
	err = p.Run(context.Background(), func(h schema.EventHeader, _ []byte) error {
		got = append(got, h.Seq)
		return nil
	})
	require.ErrorIs(t, err, exception.ErrCorruptRecord)
	assert.Equal(t, []uint64{1, 3}, got)
	assert.Equal(t, []time.Duration{10}, clock.slept)

	p, err = NewPlayback(PlaybackConfig{Dir: dir, SkipCorrupt: true})
	require.NoError(t, err)
	got = got[:0]
	require.NoError(t, p.Run(context.Background(), func(h schema.EventHeader, _ []byte) error {
		got = append(got, h.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, got)
	assert.Equal(t, 1, p.Corrupt())
}

func appendN(t *testing.T, w *Writer, from, to uint64, payload []byte) {
	t.Helper()
	for i := from; i <= to; i++ {
		require.NoError(t, w.Append(context.Background(), schema.NewHeader(schema.EventOrderEvent, 2, i, int64(i), int64(i)), payload))
	}
}

func TestWriterResumesSegmentNumbering(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.FilePrefix = "journal"

	for run := uint64(0); run < 2; run++ {
		w, err := NewWriter(cfg)
		require.NoError(t, err)
		require.NoError(t, w.Start(context.Background()))
		appendN(t, w, run*3+1, run*3+3, []byte("x"))
		require.NoError(t, w.Close())
	}

	c, err := OpenCursor(CursorConfig{Dir: dir, FilePrefix: "journal"})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, []string{
		filepath.Join(dir, "journal-000001.wal"),
		filepath.Join(dir, "journal-000002.wal"),
	}, c.Segments())

	seqs, corrupt := readAll(t, c)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seqs)
	assert.Zero(t, corrupt)
}

func TestWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("0123456789")
	frame := int64(recordHeaderSize + len(payload) + recordChecksumSize)

	cfg := DefaultConfig(dir)
	cfg.MaxSegmentBytes = 2 * frame
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	appendN(t, w, 1, 5, payload)
	require.NoError(t, w.Close())

	assert.Equal(t, Stats{Records: 5, Bytes: uint64(5 * frame), Segments: 3}, w.Stats())

	c, err := OpenCursor(CursorConfig{Dir: dir})
	require.NoError(t, err)
	defer c.Close()
	assert.Len(t, c.Segments(), 3)
	seqs, _ := readAll(t, c)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
}

func TestWriterAppendErrors(t *testing.T) {
	testCases := []struct {
		desc    string
		prepare func(t *testing.T, w *Writer)
		payload []byte
		wantErr error
	}{
		{
			desc:    "not started",
			prepare: func(*testing.T, *Writer) {},
			wantErr: ErrNotStarted,
		},
		{
			desc: "closed",
			prepare: func(t *testing.T, w *Writer) {
				require.NoError(t, w.Start(context.Background()))
				require.NoError(t, w.Close())
			},
			wantErr: ErrClosed,
		},
		{
			desc: "payload over limit",
			prepare: func(t *testing.T, w *Writer) {
				require.NoError(t, w.Start(context.Background()))
				t.Cleanup(func() { _ = w.Close() })
			},
			payload: make([]byte, 9),
			wantErr: ErrPayloadTooLarge,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			cfg.MaxPayloadSize = 8
			w, err := NewWriter(cfg)
			require.NoError(t, err)
			tc.prepare(t, w)
			require.ErrorIs(t, w.TryAppend(schema.NewHeader(schema.EventTrade, 1, 1, 1, 1), tc.payload), tc.wantErr)
		})
	}
}

func TestWriterStartTwice(t *testing.T) {
	w, err := NewWriter(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Start(context.Background()), ErrClosed)
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc   string
		mutate func(*Config)
		valid  bool
	}{
		{desc: "defaults", mutate: func(*Config) {}, valid: true},
		{desc: "empty dir", mutate: func(c *Config) { c.Dir = "" }},
		{desc: "prefix with separator", mutate: func(c *Config) { c.FilePrefix = "a/b" }},
		{desc: "segment smaller than a frame", mutate: func(c *Config) { c.MaxSegmentBytes = 10 }},
		{desc: "negative payload limit", mutate: func(c *Config) { c.MaxPayloadSize = -1 }},
		{desc: "negative flush interval", mutate: func(c *Config) { c.FlushInterval = -time.Second }},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := DefaultConfig("dir")
			tc.mutate(&cfg)
			if tc.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
