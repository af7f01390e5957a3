package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/thiratt/nekoshare-gateway/events"
	"github.com/thiratt/nekoshare-gateway/presence"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/session/sessiontest"
	"github.com/thiratt/nekoshare-gateway/store"
	"github.com/thiratt/nekoshare-gateway/store/memory"
)

type fixture struct {
	manager *session.Manager
	store   *memory.Store
	router  *session.Router
	now     time.Time
}

func newFixture(t *testing.T, transport session.Transport) *fixture {
	t.Helper()
	f := &fixture{
		manager: session.NewManager(session.ManagerConf{}),
		store:   memory.New(),
		router:  session.NewRouter(transport),
		now:     time.UnixMilli(1_700_000_000_000),
	}
	b := events.NewBroadcaster(f.manager)
	svc := presence.NewService(presence.Conf{}, f.store, f.manager, events.NewPresenceNotifier(b, f.store), func() time.Time { return f.now })

	deps := Deps{
		Presence: svc,
		Devices:  f.store,
		Events:   events.NewDevices(b),
		Sessions: f.manager,
	}
	if transport == session.TransportTCP {
		deps.Login = store.LoginAuthenticator(f.store)
	}
	if err := Register(f.router, deps); err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.router.Seal()
	return f
}

func (f *fixture) connect(opts ...session.ConnOption) (*session.Connection, *sessiontest.Conn) {
	raw := sessiontest.NewConn()
	c := session.NewConnection(raw, f.router, f.manager, session.ConnectionConf{
		Transport:   f.router.Transport(),
		RequireAuth: f.router.Transport() == session.TransportTCP,
	}, opts...)
	c.Open()
	raw.Reset()
	return c, raw
}

func TestRegisterTwice(t *testing.T) {
	f := newFixture(t, session.TransportWS)
	r := session.NewRouter(session.TransportWS)
	deps := Deps{Presence: presence.NewService(presence.Conf{}, f.store, f.manager, nil, nil), Devices: f.store, Events: events.NewDevices(events.NewBroadcaster(f.manager)), Sessions: f.manager}
	if err := Register(r, deps); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(r, deps); err == nil {
		t.Fatal("second Register should fail on duplicates")
	}
	if r.Handles(protocol.AuthLoginRequest) {
		t.Fatal("login served without an authenticator")
	}
	if err := Register(session.NewRouter(session.TransportWS), Deps{}); err == nil {
		t.Fatal("Register without dependencies should fail")
	}
}

func TestHeartbeatScenario(t *testing.T) {
	f := newFixture(t, session.TransportTCP)
	ctx := context.Background()
	id := session.Identity{UserID: "u1", SessionID: "s1", UserName: "alice"}
	_ = f.store.PutDevice(ctx, store.Device{ID: "d1", UserID: "u1", SessionID: "s1", Name: "pc"})
	_ = f.store.PutLoginToken(ctx, "one-time", id, time.Minute)

	c, raw := f.connect()

	t.Run("heartbeat before login is ignored", func(t *testing.T) {
		c.HandleMessage(ctx, sessiontest.Build(t, protocol.SystemHeartbeat, 0, nil))
		if len(raw.Packets()) != 0 || c.Closed() {
			t.Fatal("pre-auth heartbeat should be a silent no-op")
		}
	})

	t.Run("login", func(t *testing.T) {
		c.HandleMessage(ctx, sessiontest.Build(t, protocol.AuthLoginRequest, 11, func(w *protocol.Writer) {
			w.WriteString("one-time")
		}))
		p := raw.Packets()
		if len(p) != 1 || p[0].Type != protocol.AuthLoginResponse || p[0].RequestID != 11 {
			t.Fatalf("login reply = %+v", p)
		}
		r := p[0].Reader()
		ok, _ := r.ReadUint8()
		body, _ := r.ReadString()
		var user LoginUser
		if ok != 1 || json.Unmarshal([]byte(body), &user) != nil || user.ID != "u1" || user.Name != "alice" {
			t.Fatalf("login reply ok=%d body=%q", ok, body)
		}
		if !c.Authenticated() || len(f.manager.GetSessionsByUserID("u1")) != 1 {
			t.Fatal("login did not bind the connection")
		}
		raw.Reset()
	})

	for _, tc := range []struct {
		name string
		fill func(*protocol.Writer)
	}{
		{"empty heartbeat", nil},
		{"heartbeat with legacy status", func(w *protocol.Writer) { w.WriteString("online") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f.now = f.now.Add(time.Second)
			c.HandleMessage(ctx, sessiontest.Build(t, protocol.SystemHeartbeat, 0, tc.fill))

			p := raw.Packets()
			if len(p) != 1 || p[0].Type != protocol.SystemHeartbeat || p[0].RequestID != 0 || len(p[0].Body) != 0 {
				t.Fatalf("heartbeat reply = %+v", p)
			}
			d, _ := f.store.DeviceBySession(ctx, "s1")
			if !d.LastActiveAt.Equal(f.now) {
				t.Fatalf("device lastActiveAt = %v, want %v", d.LastActiveAt, f.now)
			}
			u, _ := f.store.GetUser(ctx, "u1")
			if !u.LastActiveAt.Equal(f.now) {
				t.Fatalf("user lastActiveAt = %v", u.LastActiveAt)
			}
			raw.Reset()
		})
	}
}

func TestLoginRejected(t *testing.T) {
	f := newFixture(t, session.TransportTCP)
	c, raw := f.connect()

	c.HandleMessage(context.Background(), sessiontest.Build(t, protocol.AuthLoginRequest, 2, func(w *protocol.Writer) {
		w.WriteString("forged")
	}))

	p := raw.Packets()
	if len(p) != 1 || p[0].Type != protocol.AuthLoginResponse {
		t.Fatalf("reply = %+v", p)
	}
	r := p[0].Reader()
	ok, _ := r.ReadUint8()
	msg, _ := r.ReadString()
	if ok != 0 || msg != msgInvalidToken {
		t.Fatalf("reply ok=%d msg=%q", ok, msg)
	}
	if !c.Closed() {
		t.Fatal("failed login should close the connection")
	}
}

func TestUpdateDevice(t *testing.T) {
	f := newFixture(t, session.TransportWS)
	ctx := context.Background()
	_ = f.store.PutDevice(ctx, store.Device{ID: "d1", UserID: "u1", SessionID: "s1", Name: "old"})

	c, raw := f.connect(session.WithIdentity(session.Identity{UserID: "u1", SessionID: "s1"}))
	_, sibling := f.connect(session.WithIdentity(session.Identity{UserID: "u1", SessionID: "s2"}))

	cases := []struct {
		name     string
		payload  string
		wantType protocol.PacketType
		wantName string
		wantErr  string
	}{
		{name: "plain name", payload: "  desk  ", wantType: protocol.UserUpdateDevice, wantName: "desk"},
		{name: "json body", payload: `{"deviceName":"studio"}`, wantType: protocol.UserUpdateDevice, wantName: "studio"},
		{name: "empty name", payload: "   ", wantType: protocol.ErrorGeneric, wantErr: "invalid device name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw.Reset()
			sibling.Reset()
			c.HandleMessage(ctx, sessiontest.Build(t, protocol.UserUpdateDevice, 8, func(w *protocol.Writer) {
				w.WriteString(tc.payload)
			}))

			p := sessiontest.Of(raw.Packets(), tc.wantType)
			if len(p) != 1 || p[0].RequestID != 8 {
				t.Fatalf("reply = %+v", raw.Packets())
			}
			if tc.wantErr != "" {
				if p[0].Text() != tc.wantErr {
					t.Fatalf("error = %q, want %q", p[0].Text(), tc.wantErr)
				}
				return
			}

			var view DeviceView
			if err := json.Unmarshal([]byte(p[0].Text()), &view); err != nil || view.Name != tc.wantName {
				t.Fatalf("reply body = %q (%v)", p[0].Text(), err)
			}
			if n := len(sessiontest.Of(sibling.Packets(), protocol.DeviceUpdated)); n != 1 {
				t.Fatalf("sibling DEVICE_UPDATED count = %d", n)
			}
			d, _ := f.store.DeviceBySession(ctx, "s1")
			if d.Name != tc.wantName {
				t.Fatalf("stored name = %q", d.Name)
			}
		})
	}

	t.Run("session without device", func(t *testing.T) {
		other, otherRaw := f.connect(session.WithIdentity(session.Identity{UserID: "u1", SessionID: "nodevice"}))
		other.HandleMessage(ctx, sessiontest.Build(t, protocol.UserUpdateDevice, 3, func(w *protocol.Writer) {
			w.WriteString("x")
		}))
		p := sessiontest.Of(otherRaw.Packets(), protocol.ErrorGeneric)
		if len(p) != 1 || p[0].Text() != "device not found" {
			t.Fatalf("reply = %+v", otherRaw.Packets())
		}
	})
}

func TestLogout(t *testing.T) {
	f := newFixture(t, session.TransportWS)
	c, raw := f.connect(session.WithIdentity(session.Identity{UserID: "u1", SessionID: "s1"}))

	c.HandleMessage(context.Background(), sessiontest.Build(t, protocol.AuthLogout, 0, nil))
	if !c.Closed() || !raw.Closed() {
		t.Fatal("logout should close the connection")
	}
	if f.manager.HasSessions("u1") {
		t.Fatal("logged out connection still registered")
	}
}
