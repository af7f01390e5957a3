package tcp

import (
	"context"
	"net"
	"time"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/protocol"
)

var defaultDialTimeout = 5 * time.Second

// TcpClientConf configures Dial.
type TcpClientConf struct {
	TcpConnConf
	// Server address
	Addr string
	// Dial timeout
	DialTimeout time.Duration
	// Largest accepted payload
	MaxFrameSize uint32
}

// Dial connects to a gateway and returns the framed connection. Probes and
// integration tests use it to speak the device protocol.
func Dial(ctx context.Context, conf TcpClientConf) (*TcpConn, error) {
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultDialTimeout
	}
	if conf.MaxFrameSize == 0 {
		conf.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	d := net.Dialer{Timeout: conf.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", conf.Addr)
	if err != nil {
		return nil, err
	}
	bounds := protocol.Bounds{Min: protocol.HeaderSize, Max: conf.MaxFrameSize}
	return NewTcpConn(conn, conf.TcpConnConf, bounds, network.NoopServerMetrics{}), nil
}
