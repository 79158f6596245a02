// Package observability — metrics.go
//
// Prometheus metrics for sandboxcore.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: sandboxcore_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for sandboxcore.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Bootstrap ────────────────────────────────────────────────────────────

	// BootstrapStageDuration records how long each ordered bootstrap step
	// took. Labels: stage (the step's name, e.g. "pivot_filesystem").
	BootstrapStageDuration *prometheus.HistogramVec

	// BootstrapFailuresTotal counts bootstrap aborts, by the stage that
	// failed.
	BootstrapFailuresTotal *prometheus.CounterVec

	// ─── Kernel-call filter ───────────────────────────────────────────────────

	// FilterInstallTotal counts filter installs, by role and outcome
	// (success, failure).
	FilterInstallTotal *prometheus.CounterVec

	// ─── Redirector ───────────────────────────────────────────────────────────

	// RelayConnectFailuresTotal counts failed outbound connects to the
	// frozen proxy endpoint.
	RelayConnectFailuresTotal prometheus.Counter

	// RelayAcceptFailuresTotal counts failed accepts on the redirector's
	// local-domain listener.
	RelayAcceptFailuresTotal prometheus.Counter

	// RelayPairsOpenGauge is the number of currently active relay pairs.
	RelayPairsOpenGauge prometheus.Gauge

	// RelayPairsTotal counts relay pairs opened over the process's
	// lifetime.
	RelayPairsTotal prometheus.Counter

	// RelayBytesForwardedTotal counts bytes shuttled between the contained
	// process and the proxy, in either direction.
	RelayBytesForwardedTotal prometheus.Counter

	// ─── Control channel ──────────────────────────────────────────────────────

	// ControlAuthTotal counts token handshakes, by outcome (success,
	// failure).
	ControlAuthTotal *prometheus.CounterVec

	// ControlSessionsClosedTotal counts control sessions that completed
	// their command loop and closed.
	ControlSessionsClosedTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerEntries is the current number of ledger entries.
	StorageLedgerEntries prometheus.Gauge

	// ─── Process ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the process started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the process started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all sandboxcore Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BootstrapStageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxcore",
			Subsystem: "bootstrap",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each ordered bootstrap step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),

		BootstrapFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxcore",
			Subsystem: "bootstrap",
			Name:      "failures_total",
			Help:      "Total bootstrap aborts, by the stage that failed.",
		}, []string{"stage"}),

		FilterInstallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxcore",
			Subsystem: "filter",
			Name:      "install_total",
			Help:      "Kernel-call filter install attempts, by role and outcome.",
		}, []string{"role", "outcome"}),

		RelayConnectFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxcore",
			Subsystem: "redirector",
			Name:      "connect_failures_total",
			Help:      "Total failed outbound connects to the frozen proxy endpoint.",
		}),

		RelayAcceptFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxcore",
			Subsystem: "redirector",
			Name:      "accept_failures_total",
			Help:      "Total failed accepts on the redirector's local-domain listener.",
		}),

		RelayPairsOpenGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxcore",
			Subsystem: "redirector",
			Name:      "relay_pairs_open",
			Help:      "Number of currently active relay pairs.",
		}),

		RelayPairsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxcore",
			Subsystem: "redirector",
			Name:      "relay_pairs_total",
			Help:      "Total relay pairs opened over the process's lifetime.",
		}),

		RelayBytesForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxcore",
			Subsystem: "redirector",
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes shuttled between the contained process and the proxy.",
		}),

		ControlAuthTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxcore",
			Subsystem: "control",
			Name:      "auth_total",
			Help:      "Total control-channel token handshakes, by outcome.",
		}, []string{"outcome"}),

		ControlSessionsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxcore",
			Subsystem: "control",
			Name:      "sessions_closed_total",
			Help:      "Total control sessions that completed their command loop.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandboxcore",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxcore",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxcore",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.BootstrapStageDuration,
		m.BootstrapFailuresTotal,
		m.FilterInstallTotal,
		m.RelayConnectFailuresTotal,
		m.RelayAcceptFailuresTotal,
		m.RelayPairsOpenGauge,
		m.RelayPairsTotal,
		m.RelayBytesForwardedTotal,
		m.ControlAuthTotal,
		m.ControlSessionsClosedTotal,
		m.StorageWriteLatency,
		m.StorageLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ConnectFailure, AcceptFailure, RelayOpened, RelayClosed, and
// BytesForwarded implement internal/redirector's Metrics interface.

func (m *Metrics) ConnectFailure() { m.RelayConnectFailuresTotal.Inc() }
func (m *Metrics) AcceptFailure()  { m.RelayAcceptFailuresTotal.Inc() }

func (m *Metrics) RelayOpened() {
	m.RelayPairsTotal.Inc()
	m.RelayPairsOpenGauge.Inc()
}

func (m *Metrics) RelayClosed() {
	m.RelayPairsOpenGauge.Dec()
}

func (m *Metrics) BytesForwarded(n int) {
	m.RelayBytesForwardedTotal.Add(float64(n))
}

// AuthSuccess, AuthFailure, and SessionClosed implement internal/control's
// Metrics interface.

func (m *Metrics) AuthSuccess()   { m.ControlAuthTotal.WithLabelValues("success").Inc() }
func (m *Metrics) AuthFailure()   { m.ControlAuthTotal.WithLabelValues("failure").Inc() }
func (m *Metrics) SessionClosed() { m.ControlSessionsClosedTotal.Inc() }

// FilterInstalled records a kernel-call filter install outcome for the
// given role.
func (m *Metrics) FilterInstalled(role string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.FilterInstallTotal.WithLabelValues(role, outcome).Inc()
}

// BootstrapStage records how long a named bootstrap step took.
func (m *Metrics) BootstrapStage(stage string, d time.Duration) {
	m.BootstrapStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// BootstrapFailed records that the named bootstrap step aborted the
// sequence.
func (m *Metrics) BootstrapFailed(stage string) {
	m.BootstrapFailuresTotal.WithLabelValues(stage).Inc()
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. Binds to
// addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
