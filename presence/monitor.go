package presence

import (
	"sync/atomic"
	"time"

	"github.com/thiratt/nekoshare-gateway/metrics"
)

var defaultMonitorInterval = 15 * time.Second

type (
	// Registry is the part of session.Manager the monitor samples.
	Registry interface {
		Count() int
		OnlineUserIDs() []string
	}

	// Monitor periodically publishes connection and online-user gauges.
	Monitor struct {
		registry Registry
		interval time.Duration
		ticker   *time.Ticker
		stop     chan struct{}
		running  atomic.Bool

		sessions metrics.Gauge
		online   metrics.Gauge
	}
)

func NewMonitor(registry Registry, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		sessions: metrics.NewGauge(&metrics.VectorOption{
			Namespace: "nekoshare",
			Subsystem: "presence",
			Name:      "sessions",
			Help:      "live connections across all transports",
		}),
		online: metrics.NewGauge(&metrics.VectorOption{
			Namespace: "nekoshare",
			Subsystem: "presence",
			Name:      "online_users",
			Help:      "users with a connection active within the online threshold",
		}),
	}
}

// Start samples the registry every interval until Stop.
func (m *Monitor) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	m.stop = make(chan struct{})
	m.ticker = time.NewTicker(m.interval)
	go func(ticker *time.Ticker, stop chan struct{}) {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Sample()
			case <-stop:
				return
			}
		}
	}(m.ticker, m.stop)
}

// Sample publishes the gauges once and returns the online user count.
func (m *Monitor) Sample() int {
	online := len(m.registry.OnlineUserIDs())
	m.sessions.Set(float64(m.registry.Count()))
	m.online.Set(float64(online))
	return online
}

// Stop ends the sampling loop.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stop)
}
