package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

var ErrMessageTooLong = errors.New("message too long")

var defaultPendingWriteNum = 256

type (
	WsConns    map[*websocket.Conn]struct{}
	WsConnConf struct {
		MaxMsgSize      uint32
		PendingWriteNum int
		// Close the connection after this long without inbound messages, 0 disables
		IdleTimeout time.Duration
	}

	// WsConn maps one payload to one binary websocket message. Writes go
	// through writeChan so only the writer goroutine touches the socket.
	WsConn struct {
		mu      sync.Mutex
		opt     WsConnConf
		conn    *websocket.Conn
		metrics network.ServerMetrics
		// nil means flush and close
		writeChan  chan []byte
		closeFlag  bool
		clientAddr network.ClientAddrMessage
	}
)

var _ network.Conn = (*WsConn)(nil)

func NewConn(conn *websocket.Conn, opt WsConnConf, m network.ServerMetrics) *WsConn {
	if opt.MaxMsgSize == 0 {
		opt.MaxMsgSize = protocol.DefaultMaxFrameSize
	}
	if opt.PendingWriteNum <= 0 {
		opt.PendingWriteNum = defaultPendingWriteNum
	}
	if m == nil {
		m = network.NoopServerMetrics{}
	}
	conn.SetReadLimit(int64(opt.MaxMsgSize))

	wsConn := &WsConn{
		opt:        opt,
		conn:       conn,
		metrics:    m,
		writeChan:  make(chan []byte, opt.PendingWriteNum),
		clientAddr: network.ClientAddrFromNet(conn.RemoteAddr()),
	}
	go wsConn.writeLoop()

	return wsConn
}

func (w *WsConn) writeLoop() {
	defer func() {
		w.conn.Close()

		w.mu.Lock()
		w.closeFlag = true
		w.mu.Unlock()
	}()

	for v := range w.writeChan {
		if v == nil {
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			break
		}

		if err := w.conn.WriteMessage(websocket.BinaryMessage, v); err != nil {
			w.metrics.IncWriteErrors()
			xlog.Write().Debug("ws conn write error", zap.Error(err))
			break
		}
		w.metrics.AddSentBytes(len(v))
	}
}

// Close implements network.Conn.
func (w *WsConn) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closeFlag {
		return
	}

	w.doWrite(nil)
	w.closeFlag = true
}

func (w *WsConn) doWrite(b []byte) bool {
	if len(w.writeChan) == cap(w.writeChan) {
		w.doDestroy()
		return false
	}

	w.writeChan <- b
	return true
}

// Destroy implements network.Conn.
func (w *WsConn) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.doDestroy()
}

func (w *WsConn) doDestroy() {
	if tc, ok := w.conn.UnderlyingConn().(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	w.conn.Close()

	if !w.closeFlag {
		close(w.writeChan)
		w.closeFlag = true
	}
}

// LocalAddr implements network.Conn.
func (w *WsConn) LocalAddr() net.Addr {
	return w.conn.LocalAddr()
}

// RemoteAddr implements network.Conn.
func (w *WsConn) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

// ClientAddr implements network.Conn.
func (w *WsConn) ClientAddr() network.ClientAddrMessage {
	return w.clientAddr
}

func (w *WsConn) withClientAddr(msg network.ClientAddrMessage) {
	w.clientAddr = msg
}

// ReadMessage implements network.Conn. Text messages are skipped; a message
// over the read limit is reported as an invalid frame.
func (w *WsConn) ReadMessage() ([]byte, error) {
	for {
		if w.opt.IdleTimeout > 0 {
			_ = w.conn.SetReadDeadline(time.Now().Add(w.opt.IdleTimeout))
		}
		mt, b, err := w.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				w.metrics.IncProtocolErrors()
				return nil, fmt.Errorf("%w: %v", protocol.ErrFrameTooLong, err)
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				w.metrics.IncReadErrors()
			}
			return nil, err
		}
		w.metrics.AddReceivedBytes(len(b))
		if mt != websocket.BinaryMessage {
			continue
		}
		return b, nil
	}
}

// WriteMessage implements network.Conn.
func (w *WsConn) WriteMessage(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closeFlag {
		return network.ErrConnClosed
	}
	if uint32(len(payload)) > w.opt.MaxMsgSize {
		return ErrMessageTooLong
	}
	if !w.doWrite(payload) {
		return network.ErrWriteQueueFull
	}
	return nil
}
