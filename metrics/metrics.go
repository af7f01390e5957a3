package metrics

import (
	"errors"

	"github.com/thiratt/nekoshare-gateway/prometheus"

	prom "github.com/prometheus/client_golang/prometheus"
)

type (
	// VectorOption defines options for creating metric vectors.
	VectorOption struct {
		Namespace string
		Subsystem string
		Name      string
		Help      string
		Labels    []string
	}
	// HistogramVecOpts adds bucket boundaries to VectorOption.
	HistogramVecOpts struct {
		VectorOption
		Buckets []float64
	}
	// Metrics defines the interface for metrics collection and reporting.
	Metrics interface {
		// Close closes the metrics instance.
		Close() error
	}
	// Counter defines the interface for a counter metric.
	Counter interface {
		Metrics
		Inc(labels ...string)
		Add(delta float64, labels ...string)
	}
	// Gauge defines the interface for a gauge metric.
	Gauge interface {
		Metrics
		Set(value float64, labels ...string)
		Inc(labels ...string)
		Dec(labels ...string)
	}
	// Histogram defines the interface for a histogram metric.
	Histogram interface {
		Metrics
		Observe(value float64, labels ...string)
	}
)

func update(fn func()) {
	if !prometheus.Enabled() {
		return
	}
	fn()
}

// register registers c with the default registry. A collector with the same
// descriptor that is already registered is reused, so building two gateways in
// one process does not panic.
func register[C prom.Collector](c C) C {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func unregister(c prom.Collector, kind string) error {
	if prom.Unregister(c) {
		return nil
	}
	return errors.New("failed to unregister " + kind + " metric")
}
