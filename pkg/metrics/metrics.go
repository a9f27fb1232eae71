// Package metrics republishes the engine's lock-free stats counters as
// Prometheus gauges, polled on an interval rather than wired to every
// increment site — the counters in pkg/stats stay the single source of
// truth and Prometheus is a read-only consumer of Snapshot().
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/havenwall/dpifrag/pkg/stats"
)

// Exporter polls a *stats.Stats on an interval and keeps a registered set
// of Prometheus gauges in sync with its latest Snapshot.
type Exporter struct {
	stats    *stats.Stats
	registry *prometheus.Registry
	interval time.Duration

	gauges map[string]prometheus.Gauge
}

var gaugeNames = []string{
	"packets_in", "packets_out", "bytes_in", "bytes_out",
	"packets_dropped", "packets_matched", "packets_transformed",
	"transform_errors", "active_flows", "flows_created", "flows_evicted",
	"queue_overflows", "fragments_generated", "total_jitter_ms", "decoys_sent",
}

// NewExporter builds an Exporter and registers its gauges with a fresh
// Prometheus registry.
func NewExporter(st *stats.Stats, interval time.Duration) *Exporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	e := &Exporter{
		stats:    st,
		registry: prometheus.NewRegistry(),
		interval: interval,
		gauges:   make(map[string]prometheus.Gauge, len(gaugeNames)),
	}

	for _, name := range gaugeNames {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dpifrag",
			Name:      name,
			Help:      "dpifrag engine counter: " + name,
		})
		e.registry.MustRegister(g)
		e.gauges[name] = g
	}

	return e
}

// Handler returns the promhttp.Handler serving this Exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Run polls Snapshot every interval and updates the gauges until ctx is
// canceled.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.poll()
		}
	}
}

func (e *Exporter) poll() {
	snap := e.stats.Snapshot()
	e.gauges["packets_in"].Set(float64(snap.PacketsIn))
	e.gauges["packets_out"].Set(float64(snap.PacketsOut))
	e.gauges["bytes_in"].Set(float64(snap.BytesIn))
	e.gauges["bytes_out"].Set(float64(snap.BytesOut))
	e.gauges["packets_dropped"].Set(float64(snap.PacketsDropped))
	e.gauges["packets_matched"].Set(float64(snap.PacketsMatched))
	e.gauges["packets_transformed"].Set(float64(snap.PacketsTransformed))
	e.gauges["transform_errors"].Set(float64(snap.TransformErrors))
	e.gauges["active_flows"].Set(float64(snap.ActiveFlows))
	e.gauges["flows_created"].Set(float64(snap.FlowsCreated))
	e.gauges["flows_evicted"].Set(float64(snap.FlowsEvicted))
	e.gauges["queue_overflows"].Set(float64(snap.QueueOverflows))
	e.gauges["fragments_generated"].Set(float64(snap.FragmentsGenerated))
	e.gauges["total_jitter_ms"].Set(float64(snap.TotalJitterMS))
	e.gauges["decoys_sent"].Set(float64(snap.DecoysSent))
}

// ListenAndServe binds addr and serves the Prometheus handler until ctx is
// canceled.
func (e *Exporter) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go e.Run(ctx)

	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
