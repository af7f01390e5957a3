package network

import "time"

// ServerMetrics is what a transport server reports about its connections.
// Implementations must be safe for concurrent use.
type ServerMetrics interface {
	// connection lifecycle
	IncConns()
	DecConns()
	IncTotalConns()
	// rejected accepts, failed upgrades, refused over capacity
	IncFailedConns()
	ObserveConnDuration(duration time.Duration)

	// traffic
	AddSentBytes(bytes int)
	AddReceivedBytes(bytes int)

	// errors
	IncReadErrors()
	IncWriteErrors()
	// frames whose declared length is out of bounds
	IncProtocolErrors()

	Close() error
}

// NoopServerMetrics is used when prometheus is disabled.
type NoopServerMetrics struct{}

var _ ServerMetrics = NoopServerMetrics{}

func (NoopServerMetrics) IncConns()                         {}
func (NoopServerMetrics) DecConns()                         {}
func (NoopServerMetrics) IncTotalConns()                    {}
func (NoopServerMetrics) IncFailedConns()                   {}
func (NoopServerMetrics) ObserveConnDuration(time.Duration) {}
func (NoopServerMetrics) AddSentBytes(int)                  {}
func (NoopServerMetrics) AddReceivedBytes(int)              {}
func (NoopServerMetrics) IncReadErrors()                    {}
func (NoopServerMetrics) IncWriteErrors()                   {}
func (NoopServerMetrics) IncProtocolErrors()                {}
func (NoopServerMetrics) Close() error                      { return nil }
