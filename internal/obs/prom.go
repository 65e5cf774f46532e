package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradecore/internal/risk"
	"tradecore/internal/schema"
)

const namespace = "tradecore"

// Register exposes the counters of m on reg. Values are read lazily at scrape time.
func Register(reg prometheus.Registerer, m *Metrics) error {
	counter := func(name, help string, read func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read()) })
	}
	gauge := func(name, help string, read func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, read)
	}

	collectors := []prometheus.Collector{
		counter("slices_total", "Time slices emitted.", func() uint64 { return m.Snapshot().Slices }),
		counter("points_total", "Fresh data points emitted.", func() uint64 { return m.Snapshot().Points }),
		counter("fill_forward_points_total", "Fill-forward copies emitted.", func() uint64 { return m.Snapshot().FillForward }),
		counter("late_points_total", "Live points that arrived behind the frontier.", func() uint64 { return m.Snapshot().LatePoints }),
		counter("live_dropped_points_total", "Live points dropped on queue overflow.", func() uint64 { return m.Snapshot().LiveDrops }),
		counter("corrupt_records_skipped_total", "Corrupt historical records skipped.", func() uint64 { return m.Snapshot().CorruptSkips }),
		counter("no_progress_iterations_total", "Iterations that did not advance the frontier.", func() uint64 { return m.Snapshot().NoProgress }),
		counter("warmup_suppressed_requests_total", "Order requests discarded during warmup.", func() uint64 { return m.Snapshot().Suppressed }),
		counter("sink_dropped_total", "Result notifications dropped by a full sink queue.", func() uint64 { return m.Snapshot().QueueDrops }),
		gauge("callback_latency_max_seconds", "Slowest strategy callback.", func() float64 { return m.Snapshot().CallbackLatency.Max.Seconds() }),
		gauge("callback_latency_avg_seconds", "Average strategy callback.", func() float64 { return m.Snapshot().CallbackLatency.Avg.Seconds() }),
		gauge("feed_latency_avg_seconds", "Average live feed delay.", func() float64 { return m.Snapshot().FeedLatency.Avg.Seconds() }),
	}
	for status := schema.OrderStatusNew; status <= schema.OrderStatusExpired; status++ {
		idx := int(status)
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "order_events_total",
			Help:        "Order events by status.",
			ConstLabels: prometheus.Labels{"status": status.String()},
		}, func() float64 { return float64(m.loadOrderEvents(idx)) }))
	}
	for reason := risk.ReasonKillSwitch; reason <= risk.MaxReason; reason++ {
		idx := int(reason)
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "risk_denials_total",
			Help:        "Pre-trade risk denials by reason.",
			ConstLabels: prometheus.Labels{"reason": reason.String()},
		}, func() float64 { return float64(m.loadRiskReason(idx)) }))
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
