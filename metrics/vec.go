package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

type (
	promCounter struct {
		counter *prom.CounterVec
	}
	promGauge struct {
		gauge *prom.GaugeVec
	}
	promHistogram struct {
		histogram *prom.HistogramVec
	}
)

var (
	_ Counter   = (*promCounter)(nil)
	_ Gauge     = (*promGauge)(nil)
	_ Histogram = (*promHistogram)(nil)
)

func NewCounter(conf *VectorOption) Counter {
	if conf == nil {
		return nil
	}
	vec := register(prom.NewCounterVec(prom.CounterOpts{
		Namespace: conf.Namespace,
		Subsystem: conf.Subsystem,
		Name:      conf.Name,
		Help:      conf.Help,
	}, conf.Labels))
	return &promCounter{counter: vec}
}

// Add implements Counter.
func (p *promCounter) Add(delta float64, labels ...string) {
	update(func() {
		p.counter.WithLabelValues(labels...).Add(delta)
	})
}

// Inc implements Counter.
func (p *promCounter) Inc(labels ...string) {
	update(func() {
		p.counter.WithLabelValues(labels...).Inc()
	})
}

// Close implements Counter.
func (p *promCounter) Close() error {
	return unregister(p.counter, "counter")
}

func NewGauge(conf *VectorOption) Gauge {
	if conf == nil {
		return nil
	}
	vec := register(prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: conf.Namespace,
		Subsystem: conf.Subsystem,
		Name:      conf.Name,
		Help:      conf.Help,
	}, conf.Labels))
	return &promGauge{gauge: vec}
}

// Set implements Gauge.
func (p *promGauge) Set(value float64, labels ...string) {
	update(func() {
		p.gauge.WithLabelValues(labels...).Set(value)
	})
}

// Inc implements Gauge.
func (p *promGauge) Inc(labels ...string) {
	update(func() {
		p.gauge.WithLabelValues(labels...).Inc()
	})
}

// Dec implements Gauge.
func (p *promGauge) Dec(labels ...string) {
	update(func() {
		p.gauge.WithLabelValues(labels...).Dec()
	})
}

// Close implements Gauge.
func (p *promGauge) Close() error {
	return unregister(p.gauge, "gauge")
}

func NewHistogram(conf *HistogramVecOpts) Histogram {
	if conf == nil {
		return nil
	}
	vec := register(prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: conf.Namespace,
		Subsystem: conf.Subsystem,
		Name:      conf.Name,
		Help:      conf.Help,
		Buckets:   conf.Buckets,
	}, conf.Labels))
	return &promHistogram{histogram: vec}
}

// Observe implements Histogram.
func (p *promHistogram) Observe(value float64, labels ...string) {
	update(func() {
		p.histogram.WithLabelValues(labels...).Observe(value)
	})
}

// Close implements Histogram.
func (p *promHistogram) Close() error {
	return unregister(p.histogram, "histogram")
}
