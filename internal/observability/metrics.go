package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prompt outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeEmpty     = "empty"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// Metrics records session and prompt activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessionsCreated prometheus.Counter
	sessionsEvicted prometheus.Counter
	prompts         *prometheus.CounterVec
	promptDuration  *prometheus.HistogramVec
	runsActive      prometheus.Gauge
	chunksStreamed  prometheus.Counter
	imagesDropped   prometheus.Counter
	registry        prometheus.Gatherer
}

// NewMetrics registers collectors on reg. A nil reg uses a private registry,
// which keeps repeated construction in tests from colliding.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ollama_acp",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions created, including sessions adopted from an unknown client id",
		}),
		sessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ollama_acp",
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Sessions dropped from the registry because the capacity was reached",
		}),
		prompts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ollama_acp",
			Subsystem: "prompt",
			Name:      "total",
			Help:      "Prompts handled by outcome",
		}, []string{"outcome"}),
		promptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ollama_acp",
			Subsystem: "prompt",
			Name:      "duration_seconds",
			Help:      "Wall time from submit to outcome",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		runsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ollama_acp",
			Subsystem: "prompt",
			Name:      "runs_active",
			Help:      "Prompt runs currently streaming",
		}),
		chunksStreamed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ollama_acp",
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Non-empty increments delivered to clients",
		}),
		imagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ollama_acp",
			Subsystem: "content",
			Name:      "images_dropped_total",
			Help:      "Image blocks skipped because they could not be decoded",
		}),
		registry: reg,
	}
}

// Gatherer exposes the registry for the /metrics handler.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// RecordSessionCreated increments the session counter.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionEvicted increments the eviction counter.
func (m *Metrics) RecordSessionEvicted() {
	if m == nil {
		return
	}
	m.sessionsEvicted.Inc()
}

// RunStarted marks a run as streaming.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished records the outcome of a run started with RunStarted.
func (m *Metrics) RunFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.RecordPrompt(outcome, elapsed)
}

// RecordPrompt counts a prompt without touching the active gauge.
func (m *Metrics) RecordPrompt(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.prompts.WithLabelValues(outcome).Inc()
	m.promptDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordChunk counts one streamed increment.
func (m *Metrics) RecordChunk() {
	if m == nil {
		return
	}
	m.chunksStreamed.Inc()
}

// RecordImagesDropped adds n skipped images.
func (m *Metrics) RecordImagesDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.imagesDropped.Add(float64(n))
}
