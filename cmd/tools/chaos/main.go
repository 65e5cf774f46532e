package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradecore/internal/chaos"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
)

type options struct {
	src, dst        recorder.PlaybackConfig
	chaos           chaos.Config
	maxSegmentBytes int64
}

// chaos copies a WAL directory while dropping, duplicating, reordering,
// delaying and corrupting records, so replay can be tested against it.
func main() {
	var opt options
	flag.StringVar(&opt.src.Dir, "in", "testdata/wal", "source WAL directory")
	flag.StringVar(&opt.src.FilePrefix, "in-prefix", "", "source segment prefix, wal when empty")
	flag.BoolVar(&opt.src.DisableChecksum, "skip-crc", false, "read records without checking the crc")
	flag.IntVar(&opt.src.MaxPayloadSize, "payload-limit", 0, "largest payload accepted, 0 keeps the default")
	flag.StringVar(&opt.dst.Dir, "out", "testdata/wal_chaos", "destination WAL directory")
	flag.StringVar(&opt.dst.FilePrefix, "out-prefix", "", "destination segment prefix, same as source when empty")
	flag.Int64Var(&opt.maxSegmentBytes, "segment-bytes", 0, "destination segment size, 0 keeps the default")
	flag.Int64Var(&opt.chaos.Seed, "seed", 0, "random seed, 0 seeds from the clock")
	flag.Float64Var(&opt.chaos.DropRate, "drop", 0, "probability a record is dropped")
	flag.Float64Var(&opt.chaos.DuplicateRate, "dup", 0, "probability a record is written twice")
	flag.Float64Var(&opt.chaos.CorruptRate, "corrupt", 0, "probability a payload byte is flipped")
	flag.IntVar(&opt.chaos.ReorderWindow, "reorder", 1, "records shuffled together, 1 keeps order")
	flag.DurationVar(&opt.chaos.MaxDelay, "delay", 0, "largest receive time delay added")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opt); err != nil {
		logs.Errorf("chaos: failed, err: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opt options) error {
	pb, err := recorder.NewPlayback(opt.src)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	engine, err := chaos.NewRecordEngine(opt.chaos)
	if err != nil {
		return errors.Wrap(err, "chaos config")
	}

	cfg := recorder.DefaultConfig(opt.dst.Dir)
	switch {
	case opt.dst.FilePrefix != "":
		cfg.FilePrefix = opt.dst.FilePrefix
	case opt.src.FilePrefix != "":
		cfg.FilePrefix = opt.src.FilePrefix
	}
	if opt.maxSegmentBytes > 0 {
		cfg.MaxSegmentBytes = opt.maxSegmentBytes
	}
	w, err := recorder.NewWriter(cfg)
	if err != nil {
		return errors.Wrap(err, "open destination")
	}
	if err := w.Start(ctx); err != nil {
		return errors.Wrap(err, "start writer")
	}

	var read, seq uint64
	emit := func(records []chaos.Record) error {
		for _, r := range records {
			seq++
			r.Header.Seq = seq
			if err := w.Append(ctx, r.Header, r.Payload); err != nil {
				return err
			}
		}
		return nil
	}

	err = pb.Run(ctx, func(h schema.EventHeader, payload []byte) error {
		read++
		return emit(engine.Process(chaos.Record{Header: h, Payload: bytes.Clone(payload)}))
	})
	if err == nil {
		err = emit(engine.Flush())
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	st := w.Stats()
	logs.Infof("chaos: done, read=%d written=%d segments=%d dir=%s", read, st.Records, st.Segments, opt.dst.Dir)
	return nil
}
