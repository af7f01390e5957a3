package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

type (
	WsServerConf struct {
		Addr     string `json:",default=0.0.0.0:8081"`
		Path     string `json:",default=/ws"`
		CertFile string `json:",optional"`
		KeyFile  string `json:",optional"`
		MaxConn  int    `json:",default=10000"`
		// Pending outbound messages per connection
		PendingWriteNum int `json:",default=256"`
		// HTTP handshake timeout
		Timeout     time.Duration `json:",default=10s"`
		IdleTimeout time.Duration `json:",optional"`
		// 0 means protocol.DefaultMaxFrameSize
		MaxMsgSize uint32 `json:",optional"`
		// Empty allows every origin
		AllowedOrigins []string `json:",optional"`
		// Drop queued messages instead of flushing them when a session ends
		ImmediateRelease bool `json:",optional"`
	}

	// AgentFunc builds the agent of an upgraded connection. r is the
	// handshake request, after every middleware has run.
	AgentFunc func(conn *WsConn, r *http.Request) network.Agent

	WsHandler struct {
		opt      WsServerConf
		mu       sync.Mutex
		wg       sync.WaitGroup
		upgrader websocket.Upgrader
		conns    WsConns
		agent    AgentFunc
		metrics  network.ServerMetrics
		log      *zap.Logger
	}

	WsServer struct {
		opt        WsServerConf
		ln         net.Listener
		httpServer *http.Server
		router     chi.Router
		handler    *WsHandler
	}
)

// NewServer mounts the upgrade endpoint at opt.Path behind mws. A middleware
// that rejects the request prevents the upgrade.
func NewServer(opt WsServerConf, agent AgentFunc, m network.ServerMetrics, mws ...func(http.Handler) http.Handler) *WsServer {
	defaultConf(&opt)
	if m == nil {
		m = network.NoopServerMetrics{}
	}

	handler := &WsHandler{
		opt:     opt,
		agent:   agent,
		conns:   make(WsConns),
		metrics: m,
		log:     xlog.Transport("WebSocket"),
	}
	handler.upgrader = websocket.Upgrader{
		HandshakeTimeout: opt.Timeout,
		CheckOrigin:      handler.checkOrigin,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(mws...).Get(opt.Path, handler.ServeHTTP)

	return &WsServer{
		opt:     opt,
		router:  r,
		handler: handler,
	}
}

func (handler *WsHandler) checkOrigin(r *http.Request) bool {
	if len(handler.opt.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(handler.opt.AllowedOrigins, r.Header.Get("Origin"))
}

func (handler *WsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler.mu.Lock()
	if handler.conns == nil || len(handler.conns) >= handler.opt.MaxConn {
		handler.mu.Unlock()
		handler.log.Warn("too many connections", zap.Int("max", handler.opt.MaxConn))
		handler.metrics.IncFailedConns()
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	handler.mu.Unlock()

	conn, err := handler.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		handler.metrics.IncFailedConns()
		handler.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	handler.mu.Lock()
	if handler.conns == nil {
		handler.mu.Unlock()
		conn.Close()
		return
	}
	handler.conns[conn] = struct{}{}
	handler.wg.Add(1)
	handler.mu.Unlock()

	start := time.Now()
	handler.metrics.IncConns()
	handler.metrics.IncTotalConns()
	defer func() {
		handler.metrics.DecConns()
		handler.metrics.ObserveConnDuration(time.Since(start))
		handler.wg.Done()
	}()

	wsconn := NewConn(conn, WsConnConf{
		MaxMsgSize:      handler.opt.MaxMsgSize,
		PendingWriteNum: handler.opt.PendingWriteNum,
		IdleTimeout:     handler.opt.IdleTimeout,
	}, handler.metrics)
	wsconn.withClientAddr(network.GetClientIP(r))

	agent := handler.agent(wsconn, r)
	agent.Run()

	if handler.opt.ImmediateRelease {
		wsconn.Destroy()
	} else {
		wsconn.Close()
	}

	handler.mu.Lock()
	delete(handler.conns, conn)
	handler.mu.Unlock()
	agent.OnClose()
}

// Start listens on opt.Addr, with TLS when a certificate is configured.
func (server *WsServer) Start() error {
	ln, err := net.Listen("tcp", server.opt.Addr)
	if err != nil {
		return err
	}

	if len(server.opt.CertFile) > 0 || len(server.opt.KeyFile) > 0 {
		cert, err := tls.LoadX509KeyPair(server.opt.CertFile, server.opt.KeyFile)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			NextProtos:   []string{"http/1.1"},
			Certificates: []tls.Certificate{cert},
		})
	}

	server.ln = ln
	server.httpServer = &http.Server{
		Handler:           server.router,
		ReadHeaderTimeout: server.opt.Timeout,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		if err := server.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.handler.log.Error("websocket server stopped", zap.Error(err))
		}
	}()

	server.handler.log.Info("websocket server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", server.opt.Path))
	return nil
}

// Addr returns the bound listen address, useful with port 0.
func (server *WsServer) Addr() net.Addr {
	if server.ln == nil {
		return nil
	}
	return server.ln.Addr()
}

// Handler exposes the router, mainly for httptest.
func (server *WsServer) Handler() http.Handler {
	return server.router
}

// Stop stops accepting, closes every websocket and waits for their agents.
func (server *WsServer) Stop() {
	if server.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.httpServer.Shutdown(ctx)
		cancel()
	}

	server.handler.mu.Lock()
	for conn := range server.handler.conns {
		conn.Close()
	}
	// nil rejects upgrades that race with Stop
	server.handler.conns = nil
	server.handler.mu.Unlock()

	server.handler.wg.Wait()
	server.handler.log.Info("websocket server stopped")
}

func defaultConf(opt *WsServerConf) {
	if opt.Addr == "" {
		opt.Addr = "0.0.0.0:8081"
	}
	if opt.Path == "" {
		opt.Path = "/ws"
	}
	if opt.MaxConn <= 0 {
		opt.MaxConn = 10000
	}
	if opt.PendingWriteNum <= 0 {
		opt.PendingWriteNum = defaultPendingWriteNum
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
}
