package state

import (
	"context"

	"github.com/yanun0323/errors"

	"tradecore/internal/codec"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
	"tradecore/pkg/exception"
)

// RecoverConfig locates a run journal and an optional snapshot taken from it.
type RecoverConfig struct {
	JournalDir      string
	SnapshotPath    string
	FilePrefix      string
	DisableChecksum bool
	MaxPayloadSize  int
}

// RecoverResult holds the rebuilt positions and where the journal ended.
type RecoverResult struct {
	Positions   *PositionReducer
	LastSeq     uint64
	LastEventTs int64
	// Events counts the order events replayed after the snapshot.
	Events int
}

// RecoverPositions starts from the snapshot, if any, and replays the order
// events the journal recorded after it.
func RecoverPositions(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	if cfg.JournalDir == "" {
		return RecoverResult{}, errors.Wrap(exception.ErrInvalidArgument, "recover positions: journal dir is empty")
	}
	res := RecoverResult{Positions: NewPositionReducer()}
	if cfg.SnapshotPath != "" {
		snap, err := ReadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return RecoverResult{}, err
		}
		res.Positions.ApplySnapshot(snap)
		res.LastSeq, res.LastEventTs = snap.LastSeq, snap.LastEventTs
	}

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             cfg.JournalDir,
		FilePrefix:      cfg.FilePrefix,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
	})
	if err != nil {
		return RecoverResult{}, errors.Wrap(err, "open journal").With("dir", cfg.JournalDir)
	}
	after := res.LastSeq
	if err := pb.Run(ctx, func(h schema.EventHeader, payload []byte) error {
		if h.Seq <= after && after > 0 {
			return nil
		}
		return res.apply(h, payload)
	}); err != nil {
		return RecoverResult{}, errors.Wrap(err, "replay journal").With("dir", cfg.JournalDir)
	}
	return res, nil
}

func (res *RecoverResult) apply(h schema.EventHeader, payload []byte) error {
	res.LastSeq = max(res.LastSeq, h.Seq)
	res.LastEventTs = max(res.LastEventTs, h.TsEvent)
	if h.Type != schema.EventOrderEvent {
		return nil
	}
	ev, ok := codec.DecodeOrderEvent(payload)
	if !ok {
		return errors.Errorf("undecodable order event at seq %d", h.Seq)
	}
	res.Positions.ApplyEvent(ev)
	res.Events++
	return nil
}
