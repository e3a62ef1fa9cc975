package observability

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Config bundles the metrics and tracing settings.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// DefaultConfig enables metrics and leaves tracing off.
func DefaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4318",
			SampleRate:   1.0,
			ServiceName:  tracerName,
		},
	}
}

// Observability owns the process metrics and tracer.
type Observability struct {
	Metrics *Metrics
	Tracing *TracerProvider
}

// New wires metrics and tracing from config. Disabled metrics yield a nil
// *Metrics, whose methods are no-ops.
func New(ctx context.Context, config Config) (*Observability, error) {
	obs := &Observability{}
	if config.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		obs.Metrics = NewMetrics(reg)
	}
	tp, err := NewTracerProvider(ctx, config.Tracing)
	if err != nil {
		return nil, err
	}
	obs.Tracing = tp
	return obs, nil
}

// Shutdown flushes exporters.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return errors.Join(o.Tracing.Shutdown(ctx))
}
