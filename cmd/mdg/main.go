package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/mdg"
	"tradecore/internal/ops"
	"tradecore/internal/schema"
	"tradecore/internal/source"
	"tradecore/internal/store"
	"tradecore/pkg/conn"
)

// mdg seeds historical bars for the subscriptions of a config, either as WAL
// segments a backtest replays or as rows of the SQL store.
func main() {
	configPath := flag.String("config", "", "Path to JSON or YAML config (default: built-in paper config)")
	walDir := flag.String("wal-dir", "", "WAL output directory (default: data.walDir, then testdata/wal)")
	toStore := flag.Bool("store", false, "Write bars into data.database instead of WAL segments")
	bars := flag.Int("bars", 0, "Bars per instrument (default: synthetic.bars)")
	start := flag.String("start", "2024-01-02T14:30:00Z", "Open time of the first bar (RFC3339)")
	flag.Parse()

	if err := run(*configPath, *walDir, *toStore, *bars, *start); err != nil {
		logs.Errorf("mdg: %+v", err)
		os.Exit(1)
	}
}

func run(configPath, walDir string, toStore bool, bars int, start string) error {
	loaded, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	base, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return err
	}
	spec := loaded.Data.Synthetic
	if bars > 0 {
		spec.Bars = bars
	}

	points, err := generate(loaded.Registry, spec, loaded.Subscriptions, base.UTC())
	if err != nil {
		return err
	}

	ctx := context.Background()
	if toStore {
		if loaded.Data.Database == nil {
			return errors.New("store output needs data.database")
		}
		return writeStore(ctx, *loaded.Data.Database, points)
	}
	if walDir == "" {
		walDir = loaded.Data.WALDir
	}
	if walDir == "" {
		walDir = "testdata/wal"
	}
	return writeWAL(ctx, walDir, loaded, points)
}

// generate walks one generator per subscription. Subscriptions without a bar
// period are skipped.
func generate(reg *schema.Registry, spec ops.SyntheticSpec, subs []schema.Subscription, base time.Time) ([][]schema.DataPoint, error) {
	norm := mdg.NewNormalizer(reg)
	out := make([][]schema.DataPoint, len(subs))
	for i, sub := range subs {
		period := sub.Resolution.Duration()
		if period == 0 {
			logs.Infof("mdg: skip %s %s, no bar period", reg.NameOf(sub.Symbol), sub.Resolution)
			continue
		}
		seed := spec.Seed
		if seed != 0 {
			seed += int64(i)
		}
		gen, err := mdg.NewGenerator(mdg.Config{
			Seed:       seed,
			BasePrice:  spec.BasePrice,
			Volume:     spec.Volume,
			StepBps:    spec.StepBps,
			Resolution: sub.Resolution,
			Start:      base.Add(period),
		}, reg.NameOf(sub.Symbol))
		if err != nil {
			return nil, err
		}
		series := make([]schema.DataPoint, 0, spec.Bars)
		for range spec.Bars {
			for _, bar := range gen.Next() {
				p, err := norm.Normalize(bar)
				if err != nil {
					return nil, err
				}
				series = append(series, p)
			}
		}
		out[i] = series
	}
	return out, nil
}

func writeWAL(ctx context.Context, dir string, loaded ops.Loaded, points [][]schema.DataPoint) error {
	for i, sub := range loaded.Subscriptions {
		series := points[i]
		if len(series) == 0 {
			continue
		}
		prefix := source.WALPrefix(loaded.Registry.NameOf(sub.Symbol), sub.Resolution)
		w, err := source.CreateWAL(ctx, dir, prefix, uint16(i+1))
		if err != nil {
			return err
		}
		for _, p := range series {
			if err := w.Write(ctx, p); err != nil {
				_ = w.Close()
				return err
			}
		}
		if err := w.Close(); err != nil {
			return err
		}
		logs.Infof("mdg: wrote %d bars to %s/%s", len(series), dir, prefix)
	}
	return nil
}

func writeStore(ctx context.Context, opt conn.Option, points [][]schema.DataPoint) error {
	client, err := conn.New(opt)
	if err != nil {
		return err
	}
	defer client.Close()

	st := store.New(client.DB())
	if err := st.Migrate(); err != nil {
		return err
	}
	total := 0
	for _, series := range points {
		if err := st.InsertBars(ctx, series); err != nil {
			return err
		}
		total += len(series)
	}
	logs.Infof("mdg: stored %d bars", total)
	return nil
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Default().Resolve()
	}
	return ops.Load(path)
}
