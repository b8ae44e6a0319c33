// Package observability collects Prometheus metrics for the message
// pipeline: channel traffic, dispatch outcomes, LLM and tool latency,
// gate decisions, and cron run results.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the registered metric set. All methods are safe on a nil
// receiver so callers can run without metrics wired.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction
	// (inbound|outbound).
	MessageCounter *prometheus.CounterVec

	// DispatchCounter counts pipeline outcomes.
	// Labels: channel, outcome (ok|duplicate|rate_limited|filtered|command|error)
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures end-to-end message handling latency.
	DispatchDuration *prometheus.HistogramVec

	// LLMRequestCounter counts completions by provider and status.
	LLMRequestCounter *prometheus.CounterVec

	// LoopIterations observes how many iterations each agent run took.
	LoopIterations prometheus.Histogram

	// ToolExecutionCounter counts tool invocations by name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// GateCounter counts confirmation outcomes.
	// Labels: outcome (confirmed|denied|timeout|cancelled|channel_error)
	GateCounter *prometheus.CounterVec

	// CronRunCounter counts cron job runs by target and status.
	CronRunCounter *prometheus.CounterVec
}

// NewMetrics registers the metric set with reg (use
// prometheus.DefaultRegisterer in production).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Messages by channel and direction",
			},
			[]string{"channel", "direction"},
		),
		DispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dispatch_total",
				Help: "Dispatch pipeline outcomes by channel",
			},
			[]string{"channel", "outcome"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_dispatch_duration_seconds",
				Help:    "End-to-end message handling latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"channel"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "LLM completions by provider and status",
			},
			[]string{"provider", "status"},
		),
		LoopIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_loop_iterations",
				Help:    "Iterations per agent run",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),
		GateCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_gate_confirmations_total",
				Help: "Write-gate confirmation outcomes",
			},
			[]string{"outcome"},
		),
		CronRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cron_runs_total",
				Help: "Cron job runs by target and status",
			},
			[]string{"target", "status"},
		),
	}
}

// MessageReceived increments the inbound counter for channel.
func (m *Metrics) MessageReceived(channel string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the outbound counter for channel.
func (m *Metrics) MessageSent(channel string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// RecordDispatch records one pipeline outcome with its latency.
func (m *Metrics) RecordDispatch(channel, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchCounter.WithLabelValues(channel, outcome).Inc()
	m.DispatchDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordLLMRequest counts one completion attempt.
func (m *Metrics) RecordLLMRequest(provider, status string) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, status).Inc()
}

// RecordLoopIterations observes the iteration count of one agent run.
func (m *Metrics) RecordLoopIterations(n int) {
	if m == nil {
		return
	}
	m.LoopIterations.Observe(float64(n))
}

// RecordToolExecution counts one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
}

// RecordGateOutcome counts one confirmation resolution.
func (m *Metrics) RecordGateOutcome(outcome string) {
	if m == nil {
		return
	}
	m.GateCounter.WithLabelValues(outcome).Inc()
}

// RecordCronRun counts one cron job run.
func (m *Metrics) RecordCronRun(target, status string) {
	if m == nil {
		return
	}
	m.CronRunCounter.WithLabelValues(target, status).Inc()
}

// Server exposes /metrics over HTTP.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds a metrics server for addr, serving the given
// gatherer (use prometheus.DefaultGatherer in production).
func NewServer(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
