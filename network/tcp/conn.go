package tcp

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/protocol"
)

var (
	defaultPendingWrite   = 256
	defaultReadBufferSize = 4096
)

type (
	TcpConnConf struct {
		// Number of frames that may wait for the writer goroutine
		PendingWrite int `json:",default=256"`
		// Size of a single socket read
		ReadBufferSize int `json:",default=4096"`
		// Close the connection after this long without inbound bytes, 0 disables
		IdleTimeout time.Duration `json:",optional"`
	}

	// TcpConn is a length-prefixed framed connection. Reads happen on the
	// agent goroutine, writes are serialized through writeQueue.
	TcpConn struct {
		sync.Mutex
		conf    TcpConnConf
		conn    net.Conn
		metrics network.ServerMetrics

		// Queue for outgoing frames, nil means flush and close
		writeQueue chan []byte
		done       bool

		acc     *protocol.Accumulator
		buf     []byte
		pending [][]byte
		readErr error
	}
)

var _ network.Conn = (*TcpConn)(nil)

func NewTcpConn(conn net.Conn, conf TcpConnConf, bounds protocol.Bounds, m network.ServerMetrics) *TcpConn {
	if conf.PendingWrite <= 0 {
		conf.PendingWrite = defaultPendingWrite
	}
	if conf.ReadBufferSize <= 0 {
		conf.ReadBufferSize = defaultReadBufferSize
	}
	if m == nil {
		m = network.NoopServerMetrics{}
	}

	tcpconn := &TcpConn{
		conf:       conf,
		conn:       conn,
		metrics:    m,
		writeQueue: make(chan []byte, conf.PendingWrite),
		acc:        protocol.NewAccumulator(bounds),
		buf:        make([]byte, conf.ReadBufferSize),
	}
	go tcpconn.writeLoop()

	return tcpconn
}

func (c *TcpConn) writeLoop() {
	for b := range c.writeQueue {
		if b == nil {
			break
		}
		n, err := c.conn.Write(b)
		c.metrics.AddSentBytes(n)
		if err != nil {
			c.metrics.IncWriteErrors()
			break
		}
	}

	c.conn.Close()
	c.Lock()
	c.done = true
	c.Unlock()
}

// ReadMessage implements network.Conn. Frames already complete when an
// invalid length prefix arrives are returned before the error.
func (c *TcpConn) ReadMessage() ([]byte, error) {
	for {
		if len(c.pending) > 0 {
			frame := c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]
			return frame, nil
		}
		if c.readErr != nil {
			return nil, c.readErr
		}

		if c.conf.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.conf.IdleTimeout))
		}
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.metrics.AddReceivedBytes(n)
			ferr := c.acc.Feed(c.buf[:n], func(frame []byte) {
				c.pending = append(c.pending, frame)
			})
			if ferr != nil {
				c.metrics.IncProtocolErrors()
				c.readErr = ferr
			}
		}
		if err != nil && c.readErr == nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.metrics.IncReadErrors()
			}
			c.readErr = err
		}
	}
}

// WriteMessage implements network.Conn.
func (c *TcpConn) WriteMessage(payload []byte) error {
	c.Lock()
	defer c.Unlock()

	if c.done {
		return network.ErrConnClosed
	}
	if len(c.writeQueue) == cap(c.writeQueue) {
		c.doDestroy()
		return network.ErrWriteQueueFull
	}
	c.writeQueue <- protocol.Encode(payload)
	return nil
}

// Close implements network.Conn.
func (c *TcpConn) Close() {
	c.Lock()
	defer c.Unlock()

	if c.done {
		return
	}
	if len(c.writeQueue) == cap(c.writeQueue) {
		c.doDestroy()
		return
	}
	c.writeQueue <- nil
	c.done = true
}

// Destroy implements network.Conn.
func (c *TcpConn) Destroy() {
	c.Lock()
	defer c.Unlock()

	c.doDestroy()
}

func (c *TcpConn) doDestroy() {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	c.conn.Close()

	if !c.done {
		close(c.writeQueue)
		c.done = true
	}
}

// LocalAddr implements network.Conn.
func (c *TcpConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr implements network.Conn.
func (c *TcpConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ClientAddr implements network.Conn.
func (c *TcpConn) ClientAddr() network.ClientAddrMessage {
	return network.ClientAddrFromNet(c.conn.RemoteAddr())
}
