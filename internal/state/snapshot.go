package state

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradecore/internal/schema"
)

// SnapshotVersion is bumped when the snapshot layout changes.
const SnapshotVersion = 1

var (
	ErrSnapshotVersion  = stderrors.New("state: unsupported snapshot version")
	ErrSnapshotMismatch = stderrors.New("state: snapshots differ")
)

// Snapshot is the persisted form of a PositionReducer. LastSeq and
// LastEventTs locate it in the run journal so recovery replays only what
// came after.
type Snapshot struct {
	Version     int             `json:"version"`
	TakenAt     int64           `json:"takenAt"`
	LastSeq     uint64          `json:"lastSeq"`
	LastEventTs int64           `json:"lastEventTs"`
	Positions   []PositionEntry `json:"positions"`
}

// PositionEntry is the position of one symbol.
type PositionEntry struct {
	SymbolID schema.SymbolID `json:"symbolId"`
	Position
}

func (r *PositionReducer) Snapshot() Snapshot {
	return r.SnapshotWithMeta(0, 0)
}

// SnapshotWithMeta captures positions ordered by symbol.
func (r *PositionReducer) SnapshotWithMeta(lastSeq uint64, lastEventTs int64) Snapshot {
	entries := make([]PositionEntry, 0, len(r.positions))
	for id, pos := range r.positions {
		entries = append(entries, PositionEntry{SymbolID: id, Position: pos})
	}
	slices.SortFunc(entries, func(a, b PositionEntry) int {
		return int(a.SymbolID) - int(b.SymbolID)
	})
	return Snapshot{
		Version:     SnapshotVersion,
		TakenAt:     time.Now().UTC().UnixNano(),
		LastSeq:     lastSeq,
		LastEventTs: lastEventTs,
		Positions:   entries,
	}
}

// Validate checks the version and that every symbol appears once in order.
func (s Snapshot) Validate() error {
	if s.Version != SnapshotVersion {
		return errors.Wrapf(ErrSnapshotVersion, "version %d", s.Version)
	}
	for i := 1; i < len(s.Positions); i++ {
		if s.Positions[i-1].SymbolID >= s.Positions[i].SymbolID {
			return errors.Errorf("state: snapshot symbol %d out of order", s.Positions[i].SymbolID)
		}
	}
	return nil
}

// WriteSnapshot replaces path atomically, so a crash leaves either the old
// or the new snapshot.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create snapshot dir").With("dir", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create snapshot").With("path", path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write snapshot").With("path", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync snapshot").With("path", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close snapshot").With("path", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "replace snapshot").With("path", path)
	}
	return nil
}

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "read snapshot").With("path", path)
	}
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode snapshot").With("path", path)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, errors.Wrap(err, "validate snapshot").With("path", path)
	}
	return snap, nil
}

// CompareSnapshots reports every symbol whose position differs, ignoring
// metadata. The result wraps ErrSnapshotMismatch.
func CompareSnapshots(expected, actual Snapshot) error {
	want := make(map[schema.SymbolID]Position, len(expected.Positions))
	for _, e := range expected.Positions {
		want[e.SymbolID] = e.Position
	}

	var diffs []error
	for _, e := range actual.Positions {
		w, ok := want[e.SymbolID]
		delete(want, e.SymbolID)
		switch {
		case !ok:
			diffs = append(diffs, fmt.Errorf("symbol %d: unexpected %+v", e.SymbolID, e.Position))
		case w != e.Position:
			diffs = append(diffs, fmt.Errorf("symbol %d: want %+v, got %+v", e.SymbolID, w, e.Position))
		}
	}
	for id, w := range want {
		diffs = append(diffs, fmt.Errorf("symbol %d: missing %+v", id, w))
	}
	if len(diffs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSnapshotMismatch, stderrors.Join(diffs...))
}
