// Package metrics holds the Prometheus collectors of the instrument client.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vnac"

// Poll tick outcomes.
const (
	TickRun         = "run"
	TickSkippedIdle = "skipped_idle"
	TickSkippedBusy = "skipped_busy"
	TickStale       = "skipped_stale"
)

// Metrics is a set of collectors registered on a dedicated registry. All methods are safe to call
// on a nil *Metrics, doing nothing.
type Metrics struct {
	registry *prometheus.Registry

	connected          prometheus.Gauge
	connections        prometheus.Counter
	connectionFailures prometheus.Counter
	commandsSent       *prometheus.CounterVec
	repliesReceived    *prometheus.CounterVec
	commandTimeouts    *prometheus.CounterVec
	completionTimeouts prometheus.Counter
	parseErrors        *prometheus.CounterVec
	errorEvents        *prometheus.CounterVec
	pollTicks          *prometheus.CounterVec
	replyDuration      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether the instrument connection is open.",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Instrument connections established.",
		}),
		connectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Failed instrument connection attempts.",
		}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "SCPI commands written to the instrument.",
		}, []string{"kind"}),
		repliesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_received_total",
			Help:      "SCPI replies received from the instrument.",
		}, []string{"kind"}),
		commandTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_timeouts_total",
			Help:      "Queries not answered within their timeout.",
		}, []string{"kind"}),
		completionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_timeouts_total",
			Help:      "Operation complete waits that expired.",
		}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Replies with unparseable numeric payloads.",
		}, []string{"kind"}),
		errorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_events_total",
			Help:      "Error events delivered to observers.",
		}, []string{"code"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Poll ticks, by outcome.",
		}, []string{"outcome"}),
		replyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_duration_seconds",
			Help:      "Time from writing a query to receiving its reply.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connected,
		m.connections,
		m.connectionFailures,
		m.commandsSent,
		m.repliesReceived,
		m.commandTimeouts,
		m.completionTimeouts,
		m.parseErrors,
		m.errorEvents,
		m.pollTicks,
		m.replyDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.connected.Set(1)
	m.connections.Inc()
}

func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) ConnectionFailed() {
	if m == nil {
		return
	}
	m.connectionFailures.Inc()
}

func (m *Metrics) CommandSent(kind string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReplyReceived(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.repliesReceived.WithLabelValues(kind).Inc()
	m.replyDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) CommandTimeout(kind string) {
	if m == nil {
		return
	}
	m.commandTimeouts.WithLabelValues(kind).Inc()
}

func (m *Metrics) CompletionTimeout() {
	if m == nil {
		return
	}
	m.completionTimeouts.Inc()
}

func (m *Metrics) ParseError(kind string) {
	if m == nil {
		return
	}
	m.parseErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ErrorEvent(code string) {
	if m == nil {
		return
	}
	m.errorEvents.WithLabelValues(code).Inc()
}

// PollTick counts a poll tick with one of the Tick* outcomes.
func (m *Metrics) PollTick(outcome string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics and /health at address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, address string) error {
	ctx, logger := log.MustWithAttrs(ctx, "address", address)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Debug("Health response write failed", "err", err)
		}
	})
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics: serve: %w", err)
		}
		return nil
	}
}
