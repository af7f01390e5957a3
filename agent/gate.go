// Package agent composes the transports, the shared session registry and the
// packet handlers into one gateway.
package agent

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thiratt/nekoshare-gateway/events"
	"github.com/thiratt/nekoshare-gateway/handler"
	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/network/metrics"
	"github.com/thiratt/nekoshare-gateway/network/tcp"
	"github.com/thiratt/nekoshare-gateway/network/ws"
	"github.com/thiratt/nekoshare-gateway/peer"
	"github.com/thiratt/nekoshare-gateway/presence"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
	"github.com/thiratt/nekoshare-gateway/xlog"
	"github.com/thiratt/nekoshare-gateway/xnats"
)

var ErrNoTransport = errors.New("agent: no transport enabled")

type (
	TcpConf struct {
		Enabled bool `json:",default=true"`
		tcp.TcpServerConf
	}

	WsConf struct {
		Enabled bool `json:",default=true"`
		ws.WsServerConf
	}

	GateConf struct {
		// Largest accepted packet on either transport
		MaxFrameSize uint32 `json:",default=16777216"`
		Session      session.ManagerConf
		Presence     presence.Conf
		Peer         peer.Conf `json:",optional"`
		TCP          TcpConf
		WS           WsConf
		// Events published by services outside the gateway
		Relay xnats.NatsConf `json:",optional"`
	}

	// Gate owns both transports. Their connections share one Manager so a
	// user's devices see each other whatever they connect with.
	Gate struct {
		conf    GateConf
		store   store.Store
		manager *session.Manager

		devices  *events.Devices
		friends  *events.Friends
		presence *presence.Service
		monitor  *presence.Monitor
		peer     *peer.Service

		tcpSrv *tcp.TcpServer
		wsSrv  *ws.WsServer

		nats  *xnats.XNats
		relay *xnats.Relay

		stopOnce sync.Once
		log      *zap.Logger
	}
)

// NewGate wires the handlers of every enabled transport. Routers are sealed
// before any connection is accepted.
func NewGate(conf GateConf, s store.Store, opts ...session.ManagerOption) (*Gate, error) {
	if !conf.TCP.Enabled && !conf.WS.Enabled {
		return nil, ErrNoTransport
	}
	if conf.MaxFrameSize == 0 {
		conf.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	manager := session.NewManager(conf.Session, opts...)
	b := events.NewBroadcaster(manager)
	notifier := events.NewPresenceNotifier(b, s)

	g := &Gate{
		conf:     conf,
		store:    s,
		manager:  manager,
		devices:  events.NewDevices(b),
		friends:  events.NewFriends(b),
		presence: presence.NewService(conf.Presence, s, manager, notifier, manager.Now),
		monitor:  presence.NewMonitor(manager, conf.Presence.MonitorInterval),
		peer:     peer.NewService(conf.Peer, s, manager, manager.Now),
		log:      xlog.Write().Named("gate"),
	}
	g.presence.OnDisconnect(g.peer.DeviceDisconnected)
	if conf.Relay.Enabled {
		g.relay = xnats.NewRelay(g.devices, g.friends)
	}

	if conf.TCP.Enabled {
		router, err := g.router(session.TransportTCP, store.LoginAuthenticator(s))
		if err != nil {
			return nil, err
		}
		srvConf := conf.TCP.TcpServerConf
		if srvConf.MaxFrameSize == 0 {
			srvConf.MaxFrameSize = conf.MaxFrameSize
		}
		connConf := session.ConnectionConf{
			Transport:   session.TransportTCP,
			Bounds:      protocol.Bounds{Min: protocol.HeaderSize, Max: srvConf.MaxFrameSize},
			RequireAuth: true,
		}
		g.tcpSrv = tcp.NewServer(srvConf).
			WithMetrics(metrics.New(metrics.SvrMetricsConf{Subsystem: "tcp"})).
			WithAgent(func(conn *tcp.TcpConn) network.Agent {
				return g.connection(conn, router, connConf)
			})
	}

	if conf.WS.Enabled {
		router, err := g.router(session.TransportWS, nil)
		if err != nil {
			return nil, err
		}
		srvConf := conf.WS.WsServerConf
		if srvConf.MaxMsgSize == 0 {
			srvConf.MaxMsgSize = conf.MaxFrameSize
		}
		connConf := session.ConnectionConf{
			Transport: session.TransportWS,
			Bounds:    protocol.Bounds{Min: protocol.HeaderSize, Max: srvConf.MaxMsgSize},
		}
		g.wsSrv = ws.NewServer(srvConf,
			func(conn *ws.WsConn, r *http.Request) network.Agent {
				id, _ := session.IdentityFromContext(r.Context())
				return g.connection(conn, router, connConf, session.WithIdentity(id))
			},
			metrics.New(metrics.SvrMetricsConf{Subsystem: "ws"}),
			Authenticate(store.AccessAuthenticator(s)),
		)
	}

	return g, nil
}

func (g *Gate) router(t session.Transport, login session.Authenticator) (*session.Router, error) {
	r := session.NewRouter(t)
	err := handler.Register(r, handler.Deps{
		Presence: g.presence,
		Devices:  g.store,
		Events:   g.devices,
		Sessions: g.manager,
		Login:    login,
		Peer:     g.peer,
	})
	if err != nil {
		return nil, err
	}
	r.Seal()
	return r, nil
}

func (g *Gate) connection(raw network.Conn, r *session.Router, conf session.ConnectionConf, opts ...session.ConnOption) *session.Connection {
	c := session.NewConnection(raw, r, g.manager, conf, opts...)
	c.OnAuthenticatedHook(g.presence.Connected)
	c.OnCloseHook(g.presence.Disconnected)
	return c
}

// Start brings up every enabled transport. If one fails the others are
// stopped again.
func (g *Gate) Start() error {
	var eg errgroup.Group
	if g.tcpSrv != nil {
		eg.Go(g.tcpSrv.Start)
	}
	if g.wsSrv != nil {
		eg.Go(g.wsSrv.Start)
	}
	if err := eg.Wait(); err != nil {
		g.stopServers()
		return err
	}
	if err := g.startRelay(); err != nil {
		g.stopServers()
		return err
	}

	g.monitor.Start()
	g.peer.Start()
	g.log.Info("gate started")
	return nil
}

// Stop closes every transport and waits for the connections to drain.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		g.monitor.Stop()
		g.peer.Stop()
		if g.relay != nil {
			g.relay.Stop()
		}
		if g.nats != nil {
			g.nats.Close()
		}
		g.stopServers()
		g.log.Info("gate stopped", zap.Int("sessions", g.manager.Count()))
	})
}

func (g *Gate) startRelay() error {
	if g.relay == nil {
		return nil
	}
	n, err := xnats.NewNats(g.conf.Relay)
	if err != nil {
		return err
	}
	if err := g.relay.Start(n); err != nil {
		n.Close()
		return err
	}
	g.nats = n
	return nil
}

func (g *Gate) stopServers() {
	var wg sync.WaitGroup
	if g.tcpSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.tcpSrv.Stop()
		}()
	}
	if g.wsSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.wsSrv.Stop()
		}()
	}
	wg.Wait()
}

// Manager is the registry shared by both transports.
func (g *Gate) Manager() *session.Manager {
	return g.manager
}

// Devices is the port business modules push device events through.
func (g *Gate) Devices() events.DevicesEventsPort {
	return g.devices
}

// Friends is the port business modules push friend events through.
func (g *Gate) Friends() events.FriendsEventsPort {
	return g.friends
}

// OnDeviceDisconnect registers a hook run when a device's connection closes.
// Call before Start.
func (g *Gate) OnDeviceDisconnect(h presence.DisconnectHook) {
	g.presence.OnDisconnect(h)
}

// TcpAddr is the bound TCP address, nil when TCP is disabled or not started.
func (g *Gate) TcpAddr() net.Addr {
	if g.tcpSrv == nil {
		return nil
	}
	return g.tcpSrv.Addr()
}

// WsAddr is the bound websocket address, nil when disabled or not started.
func (g *Gate) WsAddr() net.Addr {
	if g.wsSrv == nil {
		return nil
	}
	return g.wsSrv.Addr()
}

// Init implements nekoshare.Module.
func (g *Gate) Init() {
	if err := g.Start(); err != nil {
		xlog.Write().Fatal("gate start failed", zap.Error(err))
	}
}

// Run implements nekoshare.Module.
func (g *Gate) Run(done chan struct{}) {
	<-done
}

// Destroy implements nekoshare.Module.
func (g *Gate) Destroy() {
	g.Stop()
}
