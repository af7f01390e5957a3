package session

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session/sessiontest"
)

func TestConnectionOpenSendsHandshake(t *testing.T) {
	m := NewManager(ManagerConf{})
	c, raw := newTestConn(m)
	c.Open()
	c.Open()

	packets := raw.Packets()
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want exactly one handshake", len(packets))
	}
	if p := packets[0]; p.Type != protocol.SystemHandshake || p.RequestID != 0 || len(p.Body) != 0 {
		t.Fatalf("handshake = %+v", p)
	}
	if _, ok := m.Session(c.ID()); !ok {
		t.Fatal("Open did not register the connection")
	}
}

func TestConnectionIDs(t *testing.T) {
	m := NewManager(ManagerConf{})
	tcp := NewConnection(sessiontest.NewConn(), NewRouter(TransportTCP), m, ConnectionConf{Transport: TransportTCP})
	ws := NewConnection(sessiontest.NewConn(), NewRouter(TransportWS), m, ConnectionConf{Transport: TransportWS})

	if tcp.ID()[:4] != "tcp-" || ws.ID()[:3] != "ws-" {
		t.Fatalf("ids = %s, %s", tcp.ID(), ws.ID())
	}
	if tcp.ID() == NewConnection(sessiontest.NewConn(), nil, m, ConnectionConf{Transport: TransportTCP}).ID() {
		t.Fatal("connection ids collide")
	}
}

func TestConnectionCloseIdempotent(t *testing.T) {
	m := NewManager(ManagerConf{})
	c, raw := newTestConn(m, WithIdentity(Identity{UserID: "u1", SessionID: "s1"}))

	var closes atomic.Int32
	var lastSeen atomic.Bool
	c.OnCloseHook(func(_ *Connection, last bool) {
		closes.Add(1)
		lastSeen.Store(last)
	})
	c.OnCloseHook(func(*Connection, bool) { panic("hook panic is contained") })
	c.Open()

	c.Close()
	c.Shutdown()
	c.OnClose()
	c.Close()

	if n := closes.Load(); n != 1 {
		t.Fatalf("close hook ran %d times, want 1", n)
	}
	if !lastSeen.Load() {
		t.Fatal("closing the only session should report last")
	}
	if m.Count() != 0 || m.HasSessions("u1") {
		t.Fatal("connection still registered after close")
	}
	if !raw.Closed() {
		t.Fatal("transport not released")
	}
	if c.Context().Err() == nil {
		t.Fatal("connection context not cancelled")
	}

	raw.Reset()
	if err := c.SendPacket(protocol.DeviceAdded, 0, nil); err != nil {
		t.Fatalf("send after close = %v, want nil", err)
	}
	if len(raw.Packets()) != 0 {
		t.Fatal("send after close reached the transport")
	}
}

func TestConnectionAuthHooks(t *testing.T) {
	m := NewManager(ManagerConf{})

	var firsts []bool
	hook := func(_ *Connection, first bool) { firsts = append(firsts, first) }

	a, _ := newTestConn(m)
	a.OnAuthenticatedHook(hook)
	a.Open()
	if err := a.SetAuthenticated(Identity{UserID: "u1", SessionID: "sa"}); err != nil {
		t.Fatal(err)
	}

	b, _ := newTestConn(m, WithIdentity(Identity{UserID: "u1", SessionID: "sb"}))
	b.OnAuthenticatedHook(hook)
	b.Open()

	if len(firsts) != 2 || !firsts[0] || firsts[1] {
		t.Fatalf("first flags = %v, want [true false]", firsts)
	}

	var last []bool
	for _, c := range []*Connection{a, b} {
		c.OnCloseHook(func(_ *Connection, l bool) { last = append(last, l) })
	}
	a.Close()
	b.Close()
	if len(last) != 2 || last[0] || !last[1] {
		t.Fatalf("last flags = %v, want [false true]", last)
	}
}

func TestConnectionPreAuthGate(t *testing.T) {
	m := NewManager(ManagerConf{})
	r := NewRouter(TransportTCP)
	var handled atomic.Int32
	for _, typ := range []protocol.PacketType{protocol.SystemHeartbeat, protocol.UserUpdateDevice} {
		r.MustRegister(typ, func(context.Context, *Connection, *protocol.Reader, int32) error {
			handled.Add(1)
			return nil
		})
	}

	raw := sessiontest.NewConn()
	c := NewConnection(raw, r, m, ConnectionConf{Transport: TransportTCP, RequireAuth: true})
	c.Open()
	raw.Reset()

	c.HandleMessage(context.Background(), sessiontest.Build(t, protocol.SystemHeartbeat, 0, nil))
	if handled.Load() != 1 || c.Closed() {
		t.Fatal("heartbeat should pass the gate")
	}

	c.HandleMessage(context.Background(), sessiontest.Build(t, protocol.UserUpdateDevice, 2, func(w *protocol.Writer) {
		w.WriteString("x")
	}))
	if handled.Load() != 1 {
		t.Fatal("unauthenticated packet reached its handler")
	}
	if !c.Closed() {
		t.Fatal("gate did not close the connection")
	}

	packets := sessiontest.Of(raw.Packets(), protocol.ErrorPermission)
	if len(packets) != 1 {
		t.Fatalf("got %d ERROR_PERMISSION packets", len(packets))
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(packets[0].Text()), &body); err != nil || body["message"] == "" {
		t.Fatalf("permission payload = %q (%v)", packets[0].Text(), err)
	}
}

func TestConnectionUnknownType(t *testing.T) {
	const unknown = protocol.PacketType(0x7E)
	m := NewManager(ManagerConf{})
	r := NewRouter(TransportTCP)
	r.Seal()

	t.Run("before authentication", func(t *testing.T) {
		raw := sessiontest.NewConn()
		c := NewConnection(raw, r, m, ConnectionConf{Transport: TransportTCP, RequireAuth: true})
		c.Open()
		raw.Reset()

		c.HandleMessage(context.Background(), sessiontest.Build(t, unknown, 4, nil))
		p := sessiontest.Of(raw.Packets(), protocol.ErrorPermission)
		if len(p) != 1 || p[0].Text() != `{"message":"Authentication required"}` {
			t.Fatalf("reply = %+v", raw.Packets())
		}
		if !c.Closed() {
			t.Fatal("unknown packet before login left the connection open")
		}
	})

	t.Run("after authentication", func(t *testing.T) {
		raw := sessiontest.NewConn()
		c := NewConnection(raw, r, m, ConnectionConf{Transport: TransportTCP, RequireAuth: true},
			WithIdentity(Identity{UserID: "u1", SessionID: "s1"}))
		c.Open()
		raw.Reset()

		c.HandleMessage(context.Background(), sessiontest.Build(t, unknown, 4, nil))
		if c.Closed() {
			t.Fatal("unregistered type closed an authenticated connection")
		}
		if n := len(sessiontest.Of(raw.Packets(), protocol.ErrorPermission)); n != 0 {
			t.Fatalf("got %d ERROR_PERMISSION packets", n)
		}
		if p := sessiontest.Of(raw.Packets(), protocol.ErrorGeneric); len(p) != 1 || p[0].RequestID != 4 {
			t.Fatalf("reply = %+v", raw.Packets())
		}
	})
}

func TestConnectionFrameBounds(t *testing.T) {
	m := NewManager(ManagerConf{})
	raw := sessiontest.NewConn()
	c := NewConnection(raw, NewRouter(TransportWS), m, ConnectionConf{
		Transport: TransportWS,
		Bounds:    protocol.Bounds{Min: protocol.HeaderSize, Max: 64},
	})
	c.Open()
	raw.Reset()

	c.HandleMessage(context.Background(), []byte{1, 0})
	if c.Closed() || len(raw.Packets()) != 0 {
		t.Fatal("short payload should be dropped silently")
	}

	c.HandleMessage(context.Background(), make([]byte, 65))
	if !raw.Destroyed() {
		t.Fatal("oversized payload should hard close the transport")
	}
	if len(raw.Packets()) != 0 {
		t.Fatal("oversized payload must not get a reply")
	}
}

func TestConnectionRun(t *testing.T) {
	m := NewManager(ManagerConf{})
	r := NewRouter(TransportWS)
	r.MustRegister(protocol.SystemHeartbeat, func(_ context.Context, c *Connection, _ *protocol.Reader, _ int32) error {
		return c.SendPacket(protocol.SystemHeartbeat, 0, nil)
	})

	raw := sessiontest.NewConn()
	c := NewConnection(raw, r, m, ConnectionConf{Transport: TransportWS})
	done := make(chan struct{})
	go func() {
		c.Run()
		c.OnClose()
		close(done)
	}()

	raw.Feed(sessiontest.Build(t, protocol.SystemHeartbeat, 0, nil))
	packets := raw.WaitPackets(t, 2, time.Second)
	if packets[0].Type != protocol.SystemHandshake || packets[1].Type != protocol.SystemHeartbeat {
		t.Fatalf("packets = %v, %v", packets[0].Type, packets[1].Type)
	}

	raw.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the transport closed")
	}
	if m.Count() != 0 {
		t.Fatal("connection still registered after Run returned")
	}
}
