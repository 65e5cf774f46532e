package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yanun0323/logs"

	"tradecore/internal/codec"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
	"tradecore/internal/state"
)

// replay prints the records of data or journal WAL segments and optionally
// verifies a position snapshot against the order events of a journal.
func main() {
	var (
		cfg           recorder.PlaybackConfig
		decode, quiet bool
		snapshotPath  string
	)
	flag.StringVar(&cfg.Dir, "dir", "testdata/wal", "directory holding the segments")
	flag.StringVar(&cfg.FilePrefix, "prefix", "", "segment prefix such as journal, wal when empty")
	flag.Float64Var(&cfg.Speed, "speed", 0, "pacing factor, 1 replays in real time and 0 disables pacing")
	flag.BoolVar(&cfg.UseRecvTime, "pace-by-recv", false, "pace on receive time instead of event time")
	flag.BoolVar(&cfg.DisableChecksum, "skip-crc", false, "read records without checking the crc")
	flag.IntVar(&cfg.MaxPayloadSize, "payload-limit", 0, "largest payload accepted, 0 keeps the default")
	flag.BoolVar(&cfg.SkipCorrupt, "skip-corrupt", false, "continue with the next segment after damage")
	flag.BoolVar(&decode, "decode", false, "print decoded payloads")
	flag.BoolVar(&quiet, "quiet", false, "print the summary only")
	flag.StringVar(&snapshotPath, "verify", "", "snapshot compared against the replayed positions")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, decode, quiet, snapshotPath); err != nil {
		logs.Errorf("replay: failed, err: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg recorder.PlaybackConfig, decode, quiet bool, snapshotPath string) error {
	pb, err := recorder.NewPlayback(cfg)
	if err != nil {
		return err
	}

	positions := state.NewPositionReducer()
	counts := make(map[schema.EventType]int)
	var index int
	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		index++
		counts[header.Type]++
		if !quiet {
			fmt.Printf("%06d seq=%d stream=%d type=%s ts_event=%d ts_recv=%d len=%d\n",
				index, header.Seq, header.Stream, header.Type, header.TsEvent, header.TsRecv, len(payload))
			if decode {
				printDecoded(header.Type, payload)
			}
		}
		if header.Type != schema.EventOrderEvent {
			return nil
		}
		ev, ok := codec.DecodeOrderEvent(payload)
		if !ok {
			return fmt.Errorf("decode order event failed: seq=%d", header.Seq)
		}
		positions.ApplyEvent(ev)
		return nil
	})
	if err != nil {
		return err
	}
	logs.Infof("replay: records=%d counts=%v corrupt_skipped=%d positions=%d", index, counts, pb.Corrupt(), positions.Count())

	if snapshotPath == "" {
		return nil
	}
	expected, err := state.ReadSnapshot(snapshotPath)
	if err != nil {
		return err
	}
	actual := positions.Snapshot()
	if err := state.CompareSnapshots(expected, actual); err != nil {
		return err
	}
	logs.Infof("replay: snapshot verified, positions=%d", len(actual.Positions))
	return nil
}

func printDecoded(t schema.EventType, payload []byte) {
	switch {
	case t.IsMarketData():
		p, ok := codec.DecodeDataPoint(payload)
		if !ok {
			fmt.Println("  decode data point failed")
			return
		}
		switch p.Kind {
		case schema.DataBar:
			fmt.Printf("  bar symbol=%d res=%s o=%d h=%d l=%d c=%d v=%d ff=%t\n",
				p.Symbol, p.Resolution, p.Bar.Open, p.Bar.High, p.Bar.Low, p.Bar.Close, p.Bar.Volume, p.FillForward)
		case schema.DataTrade:
			fmt.Printf("  trade symbol=%d %+v\n", p.Symbol, p.Trade)
		default:
			fmt.Printf("  quote symbol=%d %+v\n", p.Symbol, p.Quote)
		}
	case t == schema.EventOrderEvent:
		ev, ok := codec.DecodeOrderEvent(payload)
		if !ok {
			fmt.Println("  decode order event failed")
			return
		}
		fmt.Printf("  order id=%d seq=%d symbol=%d side=%s status=%s fill=%d@%d fee=%d legs=%d\n",
			ev.OrderID, ev.Seq, ev.Symbol, ev.Side, ev.Status, ev.FillQty, ev.FillPrice, ev.Fee, len(ev.Legs))
	case t == schema.EventSliceMark:
		m, ok := codec.DecodeSliceMark(payload)
		if !ok {
			fmt.Println("  decode slice mark failed")
			return
		}
		fmt.Printf("  slice time=%d points=%d fresh=%d\n", m.Time, m.Points, m.Fresh)
	}
}
