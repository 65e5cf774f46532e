package recorder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// CursorConfig selects the WAL segments a cursor walks.
type CursorConfig struct {
	Dir             string
	FilePrefix      string
	DisableChecksum bool
	MaxPayloadSize  int
}

// Record is one decoded WAL entry. Payload is only valid until the next call to Next.
type Record struct {
	Header  schema.EventHeader
	Payload []byte
	Segment string
}

// Cursor walks WAL segments in name order and yields records one at a time.
//
// A damaged record is reported as an error wrapping exception.ErrCorruptRecord.
// When the damage prevents locating the next record boundary, the remainder
// of that segment is skipped and the cursor resumes at the next segment.
type Cursor struct {
	cfg    CursorConfig
	files  []string
	next   int
	file   *os.File
	reader *Reader
	path   string
}

// OpenCursor lists the segments under cfg.Dir. Segments are opened lazily.
func OpenCursor(cfg CursorConfig) (*Cursor, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("invalid cursor config: Dir is empty")
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	files, err := listSegments(cfg.Dir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}
	return &Cursor{cfg: cfg, files: files}, nil
}

// Segments returns the segment paths in read order.
func (c *Cursor) Segments() []string {
	return c.files
}

// Next returns the next record, io.EOF when every segment is exhausted, or a
// corrupt-record error. Reading may continue after a corrupt-record error.
func (c *Cursor) Next() (Record, error) {
	for {
		if c.reader == nil {
			if c.next >= len(c.files) {
				return Record{}, io.EOF
			}
			if err := c.open(c.files[c.next]); err != nil {
				return Record{}, err
			}
			c.next++
		}

		header, payload, err := c.reader.Next()
		switch {
		case err == nil:
			return Record{Header: header, Payload: payload, Segment: c.path}, nil
		case err == io.EOF:
			c.closeFile()
		case IsFramingError(err):
			path, at := c.path, c.reader.Offset()
			c.closeFile()
			return Record{}, errors.Wrap(exception.ErrCorruptRecord, err.Error()).With("segment", path).With("offset", at)
		case err == ErrChecksumMismatch:
			return Record{Header: header, Segment: c.path}, errors.Wrap(exception.ErrCorruptRecord, err.Error()).With("segment", c.path).With("seq", header.Seq)
		default:
			return Record{}, err
		}
	}
}

// Close releases the open segment.
func (c *Cursor) Close() error {
	c.next = len(c.files)
	return c.closeFile()
}

func (c *Cursor) open(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	c.file = file
	c.path = path
	c.reader = NewReader(file, ReaderOptions{
		DisableChecksum: c.cfg.DisableChecksum,
		MaxPayloadSize:  c.cfg.MaxPayloadSize,
	})
	return nil
}

func (c *Cursor) closeFile() error {
	c.reader = nil
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

func listSegments(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	prefix += "-"
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".wal") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}
