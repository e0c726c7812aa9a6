package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry, so several engines
// can live in one process (and in one test binary).
type Metrics struct {
	Registry *prometheus.Registry

	NodeExecutions *prometheus.CounterVec
	NodeDuration   *prometheus.HistogramVec
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram

	ToolCalls       *prometheus.CounterVec
	ToolCacheEvents *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec

	LLMTokens *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		NodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_node_executions_total",
				Help: "Node executions by final status",
			},
			[]string{"node", "kind", "status"},
		),
		NodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeflow_node_duration_seconds",
				Help:    "Node wall time in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"node"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_runs_total",
				Help: "Completed runs by status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradeflow_run_duration_seconds",
				Help:    "Run wall time in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_tool_calls_total",
				Help: "Tool gateway invocations by outcome",
			},
			[]string{"capability", "outcome"}, // outcome: ok|error|unavailable
		),
		ToolCacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_tool_cache_total",
				Help: "Tool cache lookups",
			},
			[]string{"capability", "result"}, // result: hit|miss|shared
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeflow_provider_latency_seconds",
				Help:    "Provider fetch latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"provider"},
		),
		LLMTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeflow_llm_tokens_total",
				Help: "Tokens reported by the generation backend",
			},
			[]string{"node", "type"}, // type: prompt|completion
		),
	}
	m.Registry.MustRegister(
		m.NodeExecutions,
		m.NodeDuration,
		m.RunsTotal,
		m.RunDuration,
		m.ToolCalls,
		m.ToolCacheEvents,
		m.ProviderLatency,
		m.LLMTokens,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) RecordNode(node, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.NodeExecutions.WithLabelValues(node, kind, status).Inc()
	if d > 0 {
		m.NodeDuration.WithLabelValues(node).Observe(d.Seconds())
	}
}

func (m *Metrics) RecordRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordToolCall(capability, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(capability, outcome).Inc()
}

func (m *Metrics) RecordCache(capability, result string) {
	if m == nil {
		return
	}
	m.ToolCacheEvents.WithLabelValues(capability, result).Inc()
}

func (m *Metrics) ObserveProvider(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordTokens(node string, prompt, completion int) {
	if m == nil {
		return
	}
	m.LLMTokens.WithLabelValues(node, "prompt").Add(float64(prompt))
	m.LLMTokens.WithLabelValues(node, "completion").Add(float64(completion))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
