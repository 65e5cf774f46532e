package store

import (
	"context"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradecore/internal/schema"
)

const defaultBatchSize = 500

// Store persists historical bars and run results through gorm.
type Store struct {
	db        *gorm.DB
	batchSize int
}

// New wraps an open gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db, batchSize: defaultBatchSize}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&BarRecord{}, &OrderEventRecord{}, &SliceRecord{}); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return nil
}

// InsertBars stores bar points. Rows already present for the same key are left untouched.
func (s *Store) InsertBars(ctx context.Context, points []schema.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	rows := make([]BarRecord, 0, len(points))
	for _, p := range points {
		if p.Kind != schema.DataBar {
			continue
		}
		rows = append(rows, BarRecordOf(p))
	}
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, s.batchSize).Error
	if err != nil {
		return errors.Wrap(err, "insert bars").With("rows", len(rows))
	}
	return nil
}

// Bars returns up to limit bars with end time strictly after the given time,
// ordered by end time.
func (s *Store) Bars(ctx context.Context, symbol schema.SymbolID, res schema.Resolution, after int64, limit int) ([]BarRecord, error) {
	var rows []BarRecord
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND resolution = ? AND end_time > ?", uint32(symbol), uint8(res), after).
		Order("end_time ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query bars").With("symbol", symbol).With("after", after)
	}
	return rows, nil
}

// InsertOrderEvents stores order events of a run.
func (s *Store) InsertOrderEvents(ctx context.Context, runID string, events []schema.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]OrderEventRecord, 0, len(events))
	for _, ev := range events {
		rec, err := OrderEventRecordOf(runID, ev)
		if err != nil {
			return errors.Wrap(err, "encode order event").With("order_id", ev.OrderID)
		}
		rows = append(rows, rec)
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, s.batchSize).Error; err != nil {
		return errors.Wrap(err, "insert order events").With("run_id", runID)
	}
	return nil
}

// InsertSlices stores slice summaries of a run.
func (s *Store) InsertSlices(ctx context.Context, rows []SliceRecord) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, s.batchSize).Error; err != nil {
		return errors.Wrap(err, "insert slices")
	}
	return nil
}

// OrderEvents returns the events of a run in insertion order.
func (s *Store) OrderEvents(ctx context.Context, runID string) ([]OrderEventRecord, error) {
	var rows []OrderEventRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query order events").With("run_id", runID)
	}
	return rows, nil
}

// SliceCount returns the number of slices stored for a run.
func (s *Store) SliceCount(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&SliceRecord{}).Where("run_id = ?", runID).Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "count slices").With("run_id", runID)
	}
	return n, nil
}
