package tcp

import (
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

var defaultMaxConn = 10000

type (
	// Conns is the set of accepted sockets
	Conns map[net.Conn]struct{}

	TcpServerConf struct {
		TcpConnConf
		// TCP listen address
		Addr string `json:",default=0.0.0.0:8080"`
		// Maximum number of connections
		MaxConn int `json:",default=10000"`
		// Largest accepted payload, 0 means protocol.DefaultMaxFrameSize
		MaxFrameSize uint32 `json:",optional"`
	}

	TcpServer struct {
		sync.Mutex
		connWait sync.WaitGroup
		lnWait   sync.WaitGroup
		conf     TcpServerConf
		bounds   protocol.Bounds
		// Map of connections
		conns Conns
		ln    net.Listener

		agent   func(*TcpConn) network.Agent
		metrics network.ServerMetrics
		log     *zap.Logger
	}
)

func NewServer(conf TcpServerConf) *TcpServer {
	defaultConf(&conf)

	return &TcpServer{
		conf:    conf,
		bounds:  protocol.Bounds{Min: protocol.HeaderSize, Max: conf.MaxFrameSize},
		conns:   make(Conns),
		metrics: network.NoopServerMetrics{},
		log:     xlog.Transport("TCP"),
	}
}

// WithAgent sets the factory that drives every accepted connection.
func (srv *TcpServer) WithAgent(agent func(*TcpConn) network.Agent) *TcpServer {
	srv.agent = agent
	return srv
}

func (srv *TcpServer) WithMetrics(m network.ServerMetrics) *TcpServer {
	if m != nil {
		srv.metrics = m
	}
	return srv
}

// Start listens on the configured address and accepts in the background.
func (srv *TcpServer) Start() error {
	if srv.agent == nil {
		return errors.New("tcp: agent factory not set")
	}
	ln, err := net.Listen("tcp", srv.conf.Addr)
	if err != nil {
		return err
	}

	srv.ln = ln
	srv.lnWait.Add(1)
	go srv.run()

	srv.log.Info("tcp server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, useful with port 0.
func (srv *TcpServer) Addr() net.Addr {
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

func (srv *TcpServer) run() {
	defer srv.lnWait.Done()

	// Delay for retrying connection acceptance
	var delay time.Duration

	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				delay = min(delay, time.Second)

				srv.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				srv.log.Error("accept failed", zap.Error(err))
			}
			return
		}

		delay = 0

		srv.Lock()
		if len(srv.conns) >= srv.conf.MaxConn {
			srv.Unlock()
			srv.metrics.IncFailedConns()
			srv.log.Warn("too many connections", zap.String("remote", conn.RemoteAddr().String()))
			rejectFull(conn)
			continue
		}
		srv.conns[conn] = struct{}{}
		srv.Unlock()
		srv.connWait.Add(1)

		srv.metrics.IncTotalConns()
		srv.metrics.IncConns()

		tcpconn := NewTcpConn(conn, srv.conf.TcpConnConf, srv.bounds, srv.metrics)
		agent := srv.agent(tcpconn)

		go func() {
			start := time.Now()
			agent.Run()

			tcpconn.Close()
			srv.Lock()
			delete(srv.conns, conn)
			srv.Unlock()
			agent.OnClose()

			srv.metrics.DecConns()
			srv.metrics.ObserveConnDuration(time.Since(start))
			srv.connWait.Done()
		}()
	}
}

// rejectFull tells the peer the server is at capacity before closing.
func rejectFull(conn net.Conn) {
	if payload, err := protocol.NewPacket(protocol.ErrorServerFull, 0, nil); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = conn.Write(protocol.Encode(payload))
	}
	conn.Close()
}

// Stop closes the listener and every connection, then waits for their agents.
func (srv *TcpServer) Stop() {
	if srv.ln == nil {
		return
	}
	srv.ln.Close()
	srv.lnWait.Wait()

	srv.Lock()
	for conn := range srv.conns {
		conn.Close()
	}
	srv.conns = make(Conns)
	srv.Unlock()

	srv.connWait.Wait()
	srv.log.Info("tcp server stopped")
}

func defaultConf(conf *TcpServerConf) {
	if conf.MaxConn <= 0 {
		conf.MaxConn = defaultMaxConn
	}
	if conf.PendingWrite <= 0 {
		conf.PendingWrite = defaultPendingWrite
	}
	if conf.MaxFrameSize == 0 {
		conf.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if conf.Addr == "" {
		conf.Addr = "0.0.0.0:8080"
	}
}
