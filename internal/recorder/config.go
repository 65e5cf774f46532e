package recorder

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxSegmentBytes int64 = 64 << 20
	defaultQueueSize             = 4096
	defaultBufferSize            = 256 * 1024
	defaultFilePrefix            = "wal"
)

// Config controls a WAL writer. Segments are named <FilePrefix>-<n>.wal, n
// continuing after the highest segment of the prefix already in Dir, so a
// reopened journal replays in write order.
type Config struct {
	Dir        string
	FilePrefix string
	// MaxSegmentBytes rotates before a record would overflow the segment.
	MaxSegmentBytes int64
	// MaxSegmentAge rotates a segment open this long. Zero disables it.
	MaxSegmentAge time.Duration
	QueueSize     int
	BufferSize    int
	// MaxPayloadSize rejects larger payloads on append. Zero keeps the frame limit.
	MaxPayloadSize int
	FlushInterval  time.Duration
	SyncInterval   time.Duration
	// CopyPayload detaches appended payloads from caller buffers.
	CopyPayload bool
}

// DefaultConfig returns the writer settings used by journals and recorded feeds.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FilePrefix:      defaultFilePrefix,
		MaxSegmentBytes: defaultMaxSegmentBytes,
		QueueSize:       defaultQueueSize,
		BufferSize:      defaultBufferSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Dir)
	if c.FilePrefix == "" {
		c.FilePrefix = d.FilePrefix
	}
	if c.MaxSegmentBytes == 0 {
		c.MaxSegmentBytes = d.MaxSegmentBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return fmt.Errorf("recorder: dir is empty")
	case c.FilePrefix == "" || strings.ContainsAny(c.FilePrefix, `/\`):
		return fmt.Errorf("recorder: file prefix %q is not a plain name", c.FilePrefix)
	case c.MaxSegmentBytes < recordHeaderSize+recordChecksumSize:
		return fmt.Errorf("recorder: max segment bytes %d cannot hold a record", c.MaxSegmentBytes)
	case c.QueueSize <= 0 || c.BufferSize <= 0:
		return fmt.Errorf("recorder: queue and buffer sizes must be > 0")
	case c.MaxPayloadSize < 0:
		return fmt.Errorf("recorder: max payload size must be >= 0")
	case c.MaxSegmentAge < 0 || c.FlushInterval < 0 || c.SyncInterval < 0:
		return fmt.Errorf("recorder: durations must be >= 0")
	}
	return nil
}

// payloadLimit is the largest payload the writer accepts.
func (c Config) payloadLimit() uint64 {
	if c.MaxPayloadSize > 0 {
		return uint64(c.MaxPayloadSize)
	}
	return maxPayloadLen
}
