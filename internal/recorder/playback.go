package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// PlaybackConfig selects the records to replay and how fast.
type PlaybackConfig struct {
	Dir        string
	FilePrefix string
	// Speed scales the gaps between record timestamps. Zero replays
	// without pauses.
	Speed           float64
	UseRecvTime     bool
	DisableChecksum bool
	MaxPayloadSize  int
	// SkipCorrupt counts damaged records instead of failing on them.
	SkipCorrupt bool
	// Stream restricts playback to one stream when non-zero.
	Stream uint32
}

func (c PlaybackConfig) Validate() error {
	switch {
	case c.Dir == "":
		return fmt.Errorf("recorder: playback dir is empty")
	case c.Speed < 0:
		return fmt.Errorf("recorder: playback speed must be >= 0")
	case c.MaxPayloadSize < 0:
		return fmt.Errorf("recorder: playback max payload size must be >= 0")
	}
	return nil
}

// Clock sleeps between paced records. Tests swap in a recording clock.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Playback feeds the records of a WAL directory to a handler in segment
// order, optionally paced by their timestamps.
type Playback struct {
	cfg     PlaybackConfig
	clock   Clock
	corrupt int
}

func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Playback{cfg: cfg, clock: wallClock{}}, nil
}

// WithClock replaces the clock used for pacing. A nil clock is ignored.
func (p *Playback) WithClock(clock Clock) *Playback {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// Run stops at the first handler error, at the first damaged record unless
// SkipCorrupt is set, or when ctx is done.
func (p *Playback) Run(ctx context.Context, handler func(schema.EventHeader, []byte) error) error {
	if handler == nil {
		return errors.New("recorder: playback handler is nil")
	}
	cursor, err := OpenCursor(CursorConfig{
		Dir:             p.cfg.Dir,
		FilePrefix:      p.cfg.FilePrefix,
		DisableChecksum: p.cfg.DisableChecksum,
		MaxPayloadSize:  p.cfg.MaxPayloadSize,
	})
	if err != nil {
		return err
	}
	defer cursor.Close()

	p.corrupt = 0
	pace := pacer{speed: p.cfg.Speed, recv: p.cfg.UseRecvTime, clock: p.clock}
	for ctx.Err() == nil {
		rec, err := cursor.Next()
		switch {
		case err == io.EOF:
			return nil
		case err != nil && p.cfg.SkipCorrupt && errors.Is(err, exception.ErrCorruptRecord):
			p.corrupt++
			continue
		case err != nil:
			return err
		}
		if p.cfg.Stream != 0 && rec.Header.Stream != p.cfg.Stream {
			continue
		}
		if err := pace.wait(ctx, rec.Header); err != nil {
			return err
		}
		if err := handler(rec.Header, rec.Payload); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Corrupt is the number of damaged records the last Run skipped.
func (p *Playback) Corrupt() int {
	return p.corrupt
}

// pacer sleeps the scaled gap between consecutive record timestamps.
// Records without a timestamp, and backwards steps, do not pause.
type pacer struct {
	speed float64
	recv  bool
	clock Clock
	last  int64
}

func (p *pacer) wait(ctx context.Context, h schema.EventHeader) error {
	if p.speed <= 0 {
		return nil
	}
	ts := h.TsEvent
	if p.recv {
		ts = h.TsRecv
	}
	if ts <= 0 {
		return nil
	}
	gap := ts - p.last
	first := p.last == 0
	p.last = ts
	if first || gap <= 0 {
		return nil
	}
	return p.clock.Sleep(ctx, time.Duration(float64(gap)/p.speed))
}
