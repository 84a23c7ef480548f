// Package metrics exposes collector counters in Prometheus format.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally and tests pass nil.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dcollector/internal/logging"
)

const namespace = "dcollector"

// File results recorded by FileDone.
const (
	ResultDelivered = "delivered"
	ResultPartial   = "partial"
	ResultFailed    = "failed"
)

// Segment outcomes recorded by Segment.
const (
	OutcomeDelivered = "delivered"
	OutcomeStaged    = "staged"
	OutcomeLost      = "lost"
)

// Metrics holds the collector's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	files        *prometheus.CounterVec
	segments     *prometheus.CounterVec
	payloadBytes prometheus.Counter
	duration     prometheus.Histogram
	inflight     prometheus.Gauge
	queued       prometheus.Gauge
}

// New registers the collector metrics for datatype on a fresh registry.
func New(datatype string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"datatype": datatype}
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		files: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "files_total",
			Help:        "Files processed, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		segments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "segments_total",
			Help:        "Segments attempted, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		payloadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "delivered_bytes_total",
			Help:        "Payload bytes acknowledged by the broker.",
			ConstLabels: labels,
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "publish_duration_seconds",
			Help:        "Time to convert, partition and publish one file.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "tasks_inflight",
			Help:        "Publish tasks currently running.",
			ConstLabels: labels,
		}),
		queued: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "tasks_queued",
			Help:        "Publish tasks waiting for a worker.",
			ConstLabels: labels,
		}),
	}

	cpu := newCPUSampler()
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_cpu_percent",
		Help:      "Process CPU usage since the previous scrape.",
	}, cpu.Percent)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_memory_inuse_bytes",
		Help:      "Heap and stack memory in use.",
	}, memoryInuse)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// FileDone records one finished file and how long it took.
func (m *Metrics) FileDone(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
}

// Segment records the outcome of one segment. bytes counts only for
// delivered segments.
func (m *Metrics) Segment(outcome string, bytes int) {
	if m == nil {
		return
	}
	m.segments.WithLabelValues(outcome).Inc()
	if outcome == OutcomeDelivered {
		m.payloadBytes.Add(float64(bytes))
	}
}

// TaskQueued, TaskStarted and TaskDone track pool occupancy.
func (m *Metrics) TaskQueued() {
	if m != nil {
		m.queued.Inc()
	}
}

func (m *Metrics) TaskStarted() {
	if m != nil {
		m.queued.Dec()
		m.inflight.Inc()
	}
}

func (m *Metrics) TaskDone() {
	if m != nil {
		m.inflight.Dec()
	}
}

// Server serves the registry on /metrics.
type Server struct {
	addr   string
	logger *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer returns a stopped server for m.
func NewServer(addr string, m *Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	return &Server{
		addr:   addr,
		logger: logging.Default(logger).With("component", "metrics"),
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	s.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	s.listener = nil
	return s.srv.Shutdown(ctx)
}
