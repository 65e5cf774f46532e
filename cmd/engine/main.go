package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/app"
	"tradecore/internal/obs"
	"tradecore/internal/ops"
	"tradecore/internal/state"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON or YAML config (default: paper run on a synthetic feed)")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	runID := flag.String("run-id", "", "Run identifier (default: random)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address, e.g. :9090 (empty=disable)")
	pyroscopeAddr := flag.String("pyroscope", "", "Pyroscope server address (empty=disable)")
	recoverEnabled := flag.Bool("recover", false, "Recover positions from snapshot + journal before the run")
	recoverSnapshot := flag.String("recover-snapshot", "", "Snapshot path for recovery (default: sinks.snapshotPath)")
	recoverNoChecksum := flag.Bool("recover-no-checksum", false, "Disable checksum validation for recovery")
	flag.Parse()

	if err := run(*configPath, *configReload, *runID, *metricsAddr, *pyroscopeAddr, *recoverEnabled, *recoverSnapshot, *recoverNoChecksum); err != nil {
		logs.Errorf("engine: %+v", err)
		os.Exit(1)
	}
}

func run(configPath string, reload time.Duration, runID, metricsAddr, pyroscopeAddr string, recoverEnabled bool, recoverSnapshot string, recoverNoChecksum bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("engine: shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if pyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "tradecore.engine",
			ServerAddress:   pyroscopeAddr,
			Logger:          pyroscope.StandardLogger,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	loaded, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	deps := app.Deps{RunID: runID, Metrics: obs.NewMetrics()}
	if recoverEnabled {
		if loaded.Sinks.JournalDir == "" {
			return errors.New("recover needs sinks.journalDir")
		}
		snapshot := recoverSnapshot
		if snapshot == "" {
			snapshot = loaded.Sinks.SnapshotPath
		}
		if _, err := os.Stat(snapshot); snapshot != "" && err != nil {
			logs.Infof("engine: no snapshot at %s, recovering from the journal only", snapshot)
			snapshot = ""
		}
		recovered, err := state.RecoverPositions(ctx, state.RecoverConfig{
			JournalDir:      loaded.Sinks.JournalDir,
			SnapshotPath:    snapshot,
			FilePrefix:      app.JournalPrefix,
			DisableChecksum: recoverNoChecksum,
		})
		if err != nil {
			return err
		}
		deps.Positions = recovered.Positions
		logs.Infof("engine: recovered positions=%d last_seq=%d events=%d", recovered.Positions.Count(), recovered.LastSeq, recovered.Events)
	}

	a, err := app.Build(ctx, loaded, deps)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := obs.Register(reg, a.Metrics()); err != nil {
			_ = a.Close()
			return err
		}
		srv := &http.Server{Addr: metricsAddr, Handler: obs.Handler(reg)}
		eg.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
		logs.Infof("engine: metrics on %s", metricsAddr)
	}
	if configPath != "" && reload > 0 {
		eg.Go(func() error {
			ops.Watch(ctx, configPath, reload, func(next ops.Loaded) {
				if a.Risk() == nil || next.Risk == nil {
					return
				}
				a.Risk().SetKillSwitch(next.Risk.KillSwitch)
				logs.Infof("engine: kill switch set to %t", next.Risk.KillSwitch)
			})
			return nil
		})
	}
	eg.Go(func() error {
		defer cancel()
		return a.Run(ctx)
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	st := a.Stats()
	snap := a.Metrics().Snapshot()
	logs.Infof("engine: run %s %s, slices=%d points=%d requests=%d suppressed=%d late=%d drops=%d",
		a.RunID(), st.Phase, st.Slices, st.Points, st.Requests, snap.Suppressed, snap.LatePoints, snap.LiveDrops)
	return nil
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Default().Resolve()
	}
	return ops.Load(path)
}
