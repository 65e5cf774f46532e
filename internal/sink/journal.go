package sink

import (
	"context"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/codec"
	"tradecore/internal/obs"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
)

// journalStream tags run journal records in the WAL header.
const journalStream = 2

// Journal appends slice marks and order events to a WAL. The order events
// can be replayed into positions with state.RecoverPositions.
type Journal struct {
	w       *recorder.Writer
	seq     *obs.Sequence
	metrics *obs.Metrics
	buf     []byte
	failed  uint64
}

// NewJournal opens and starts a WAL writer. The writer outlives ctx so that
// Close persists records handed over after the run was canceled. A nil seq
// starts numbering from the wall clock.
func NewJournal(ctx context.Context, cfg recorder.Config, seq *obs.Sequence, metrics *obs.Metrics) (*Journal, error) {
	w, err := recorder.NewWriter(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open journal").With("dir", cfg.Dir)
	}
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, errors.Wrap(err, "start journal").With("dir", cfg.Dir)
	}
	if seq == nil {
		seq = obs.NewSequence(0)
	}
	return &Journal{w: w, seq: seq, metrics: metrics}, nil
}

func (j *Journal) OnTimeSlice(slice schema.TimeSlice) {
	j.buf = codec.EncodeSliceMark(j.buf[:0], codec.MarkOf(slice))
	j.append(schema.EventSliceMark, slice.Time, j.buf)
}

func (j *Journal) OnOrderEvent(ev schema.OrderEvent) {
	j.buf = codec.EncodeOrderEvent(j.buf[:0], ev)
	j.append(schema.EventOrderEvent, ev.Time, j.buf)
}

// append copies the payload, so the buffer can be reused.
func (j *Journal) append(typ schema.EventType, ts int64, payload []byte) {
	copied := make([]byte, len(payload))
	copy(copied, payload)
	header := schema.NewHeader(typ, journalStream, j.seq.Next(), ts, ts)
	if err := j.w.TryAppend(header, copied); err != nil {
		j.failed++
		j.metrics.IncQueueDrop()
		if j.failed == 1 {
			logs.Errorf("sink: journal append %s: %+v", typ, err)
		}
	}
}

// Close flushes the WAL.
func (j *Journal) Close() error {
	if j.failed > 0 {
		logs.Errorf("sink: journal lost %d records", j.failed)
	}
	if err := j.w.Close(); err != nil {
		return errors.Wrap(err, "close journal")
	}
	st := j.w.Stats()
	logs.Infof("sink: journal closed, records=%d bytes=%d segments=%d", st.Records, st.Bytes, st.Segments)
	return nil
}
