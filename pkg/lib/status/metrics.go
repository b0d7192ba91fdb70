package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SanjoDeundiak/cluster-harness/pkg/lib"
	"github.com/SanjoDeundiak/cluster-harness/pkg/lib/runner"
)

const defaultNamespace = "clusterharness"

// Metrics collects harness metrics in a dedicated registry.
type Metrics struct {
	launches      *prometheus.CounterVec
	spawnFailures *prometheus.CounterVec
	nodeState     *prometheus.GaugeVec
	nodeExits     *prometheus.CounterVec
	lines         *prometheus.CounterVec
	cleanups      *prometheus.CounterVec
	cleanupTime   prometheus.Histogram

	registry *prometheus.Registry
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_launches_total",
			Help:      "Total number of node processes launched",
		},
		[]string{"node", "role"},
	)
	m.spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_spawn_failures_total",
			Help:      "Total number of node launches that failed",
		},
		[]string{"node", "role"},
	)
	m.nodeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_state",
			Help:      "Lifecycle state of each node process (1 starting, 2 running, 3 terminated)",
		},
		[]string{"node"},
	)
	m.nodeExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_exits_total",
			Help:      "Total number of node process exits by exit code",
		},
		[]string{"node", "code"},
	)
	m.lines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Total number of log lines aggregated per node",
		},
		[]string{"node"},
	)
	m.cleanups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanups_total",
			Help:      "Total number of cleanups by trigger reason",
		},
		[]string{"reason"},
	)
	m.cleanupTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Duration of process group cleanup",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	m.registry.MustRegister(
		m.launches,
		m.spawnFailures,
		m.nodeState,
		m.nodeExits,
		m.lines,
		m.cleanups,
		m.cleanupTime,
	)
	return m
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) NodeStateChanged(spec lib.NodeSpec, st lib.ProcessStatus) {
	m.nodeState.WithLabelValues(spec.Name).Set(float64(st.State))
	switch st.State {
	case lib.ProcessStateRunning:
		m.launches.WithLabelValues(spec.Name, string(spec.Role)).Inc()
	case lib.ProcessStateTerminated:
		code := "unknown"
		if st.ExitCode != nil {
			code = strconv.Itoa(*st.ExitCode)
		}
		m.nodeExits.WithLabelValues(spec.Name, code).Inc()
	}
}

func (m *Metrics) SpawnFailed(spec lib.NodeSpec, _ error) {
	m.spawnFailures.WithLabelValues(spec.Name, string(spec.Role)).Inc()
}

func (m *Metrics) LineAggregated(line lib.LogLine) {
	m.lines.WithLabelValues(line.Source).Inc()
}

func (m *Metrics) CleanupDone(reason string, d time.Duration) {
	m.cleanups.WithLabelValues(reason).Inc()
	m.cleanupTime.Observe(d.Seconds())
}

// Hooks feeds node lifecycle events into the metrics.
func (m *Metrics) Hooks() runner.Hooks {
	return runner.Hooks{
		OnStateChange:  m.NodeStateChanged,
		OnSpawnFailure: m.SpawnFailed,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsServer serves /metrics over HTTP.
type MetricsServer struct {
	lis    net.Listener
	srv    *http.Server
	logger *slog.Logger
}

func NewMetricsServer(addr string, m *Metrics, logger *slog.Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &MetricsServer{
		lis: lis,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

// Serve blocks until Shutdown; a shut down server returns nil.
func (s *MetricsServer) Serve() error {
	if err := s.srv.Serve(s.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *MetricsServer) Addr() net.Addr { return s.lis.Addr() }

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.logger.Debug("stopping metrics endpoint", "addr", s.Addr())
	return s.srv.Shutdown(ctx)
}
