package metrics

import (
	"time"

	"github.com/thiratt/nekoshare-gateway/metrics"
	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/prometheus"
)

const namespace = "nekoshare"

type (
	// SvrMetrics is the prometheus backed network.ServerMetrics of one transport.
	SvrMetrics struct {
		activeConns  metrics.Gauge
		totalConns   metrics.Counter
		connDuration metrics.Histogram

		receivedBytes metrics.Counter
		sentBytes     metrics.Counter

		errors metrics.Counter
	}
	// SvrMetricsConf selects the metric family names. Subsystem is the
	// transport ("tcp", "ws") so both servers can share a registry.
	SvrMetricsConf struct {
		Namespace string
		Subsystem string
	}
)

var _ network.ServerMetrics = (*SvrMetrics)(nil)

// New returns prometheus metrics when the exporter is enabled and a no-op
// implementation otherwise.
func New(conf SvrMetricsConf) network.ServerMetrics {
	if !prometheus.Enabled() {
		return network.NoopServerMetrics{}
	}
	return NewSvrMetrics(conf)
}

// NewSvrMetrics registers the connection, traffic and error families for one transport.
func NewSvrMetrics(conf SvrMetricsConf) *SvrMetrics {
	if conf.Namespace == "" {
		conf.Namespace = namespace
	}
	opt := func(name, help string, labels ...string) *metrics.VectorOption {
		return &metrics.VectorOption{
			Namespace: conf.Namespace,
			Subsystem: conf.Subsystem,
			Name:      name,
			Help:      help,
			Labels:    labels,
		}
	}

	return &SvrMetrics{
		activeConns:   metrics.NewGauge(opt("active_connections", "current number of open device connections")),
		totalConns:    metrics.NewCounter(opt("connections_total", "total number of accepted device connections")),
		receivedBytes: metrics.NewCounter(opt("received_bytes_total", "total bytes received")),
		sentBytes:     metrics.NewCounter(opt("sent_bytes_total", "total bytes sent")),
		connDuration: metrics.NewHistogram(&metrics.HistogramVecOpts{
			VectorOption: *opt("connection_duration_seconds", "device connection lifetime in seconds"),
			Buckets:      []float64{1, 10, 60, 300, 600, 1800, 3600, 21600},
		}),
		// connect/read/write/protocol
		errors: metrics.NewCounter(opt("errors_total", "transport errors by type", "type")),
	}
}

func (s *SvrMetrics) AddReceivedBytes(bytes int) { s.receivedBytes.Add(float64(bytes)) }
func (s *SvrMetrics) AddSentBytes(bytes int)     { s.sentBytes.Add(float64(bytes)) }
func (s *SvrMetrics) IncConns()                  { s.activeConns.Inc() }
func (s *SvrMetrics) DecConns()                  { s.activeConns.Dec() }
func (s *SvrMetrics) IncTotalConns()             { s.totalConns.Inc() }
func (s *SvrMetrics) IncFailedConns()            { s.errors.Inc("connect") }
func (s *SvrMetrics) IncReadErrors()             { s.errors.Inc("read") }
func (s *SvrMetrics) IncWriteErrors()            { s.errors.Inc("write") }
func (s *SvrMetrics) IncProtocolErrors()         { s.errors.Inc("protocol") }

func (s *SvrMetrics) ObserveConnDuration(duration time.Duration) {
	s.connDuration.Observe(duration.Seconds())
}

// Close unregisters nothing: the families are shared by every server of the
// same transport in this process.
func (s *SvrMetrics) Close() error {
	return nil
}
