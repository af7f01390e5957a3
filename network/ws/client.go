package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thiratt/nekoshare-gateway/network"
)

var defaultHandshakeTimeout = 5 * time.Second

// ClientConf configures Dial.
type ClientConf struct {
	WsConnConf
	// ws:// or wss:// endpoint
	URL              string
	HandshakeTimeout time.Duration
	// Extra handshake headers, typically Authorization
	Header http.Header
}

// Dial opens a websocket to a gateway. The handshake response is returned so
// callers can inspect rejections.
func Dial(ctx context.Context, conf ClientConf) (*WsConn, *http.Response, error) {
	if conf.HandshakeTimeout <= 0 {
		conf.HandshakeTimeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: conf.HandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, conf.URL, conf.Header)
	if err != nil {
		return nil, resp, err
	}
	return NewConn(conn, conf.WsConnConf, network.NoopServerMetrics{}), resp, nil
}
