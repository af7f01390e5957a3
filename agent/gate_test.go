package agent

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/network/tcp"
	"github.com/thiratt/nekoshare-gateway/network/ws"
	"github.com/thiratt/nekoshare-gateway/presence"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
	"github.com/thiratt/nekoshare-gateway/store/memory"
)

const waitTimeout = 2 * time.Second

type received struct {
	protocol.Header
	body *protocol.Reader
}

// client is a device speaking the gateway protocol over a real socket.
type client struct {
	t       *testing.T
	conn    network.Conn
	packets chan received
	closed  chan struct{}
}

func newClient(t *testing.T, conn network.Conn) *client {
	t.Helper()
	c := &client{
		t:       t,
		conn:    conn,
		packets: make(chan received, 64),
		closed:  make(chan struct{}),
	}
	go func() {
		defer close(c.closed)
		for {
			payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			r := protocol.NewReader(payload)
			h, err := protocol.ReadHeader(r)
			if err != nil {
				return
			}
			c.packets <- received{Header: h, body: r}
		}
	}()
	t.Cleanup(conn.Destroy)
	return c
}

func (c *client) send(typ protocol.PacketType, reqID int32, fill func(*protocol.Writer)) {
	c.t.Helper()
	payload, err := protocol.NewPacket(typ, reqID, fill)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteMessage(payload); err != nil {
		c.t.Fatal(err)
	}
}

// expect returns the next packet of type typ, skipping unrelated pushes.
func (c *client) expect(typ protocol.PacketType) received {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case p := <-c.packets:
			if p.Type == typ {
				return p
			}
		case <-c.closed:
			c.t.Fatalf("connection closed while waiting for %s", typ)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (c *client) expectNone(within time.Duration) {
	c.t.Helper()
	select {
	case p := <-c.packets:
		c.t.Fatalf("unexpected packet %s", p.Type)
	case <-time.After(within):
	}
}

func (c *client) expectClosed() {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		c.t.Fatal("connection still open")
	}
}

type fixture struct {
	gate  *Gate
	store *memory.Store
}

// newGate starts a gateway on loopback ports. setup runs before Start.
func newGate(t *testing.T, setup ...func(*Gate)) *fixture {
	t.Helper()
	conf := GateConf{
		TCP: TcpConf{Enabled: true, TcpServerConf: tcp.TcpServerConf{Addr: "127.0.0.1:0"}},
		WS:  WsConf{Enabled: true, WsServerConf: ws.WsServerConf{Addr: "127.0.0.1:0"}},
	}

	s := memory.New()
	g, err := NewGate(conf, s)
	if err != nil {
		t.Fatal(err)
	}
	for _, fn := range setup {
		fn(g)
	}
	if err := g.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(g.Stop)
	return &fixture{gate: g, store: s}
}

// user registers a user, a device bound to sessionID and token for both
// login flows.
func (f *fixture) user(t *testing.T, userID, sessionID, token string) session.Identity {
	t.Helper()
	ctx := context.Background()
	id := session.Identity{UserID: userID, UserName: userID + "-name", SessionID: sessionID}
	if err := f.store.PutUser(ctx, store.User{ID: userID, Name: id.UserName}); err != nil {
		t.Fatal(err)
	}
	err := f.store.PutDevice(ctx, store.Device{ID: "dev-" + sessionID, UserID: userID, SessionID: sessionID, Name: "phone"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.PutLoginToken(ctx, token, id, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := f.store.PutAccessToken(ctx, token, id, time.Minute); err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) dialTCP(t *testing.T) *client {
	t.Helper()
	conn, err := tcp.Dial(context.Background(), tcp.TcpClientConf{Addr: f.gate.TcpAddr().String()})
	if err != nil {
		t.Fatal(err)
	}
	c := newClient(t, conn)
	c.expect(protocol.SystemHandshake)
	return c
}

func (f *fixture) login(t *testing.T, token string) *client {
	t.Helper()
	c := f.dialTCP(t)
	c.send(protocol.AuthLoginRequest, 1, func(w *protocol.Writer) { w.WriteString(token) })
	p := c.expect(protocol.AuthLoginResponse)
	if ok, _ := p.body.ReadUint8(); ok != 1 {
		t.Fatalf("login %q rejected", token)
	}
	return c
}

func (f *fixture) dialWS(t *testing.T, token string) (*client, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := ws.Dial(context.Background(), ws.ClientConf{
		URL:    "ws://" + f.gate.WsAddr().String() + "/ws",
		Header: header,
	})
	if err != nil {
		return nil, resp, err
	}
	c := newClient(t, conn)
	c.expect(protocol.SystemHandshake)
	return c, resp, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewGateRequiresTransport(t *testing.T) {
	_, err := NewGate(GateConf{}, memory.New())
	if !errors.Is(err, ErrNoTransport) {
		t.Errorf("expected ErrNoTransport, got %v", err)
	}
}

func TestTcpHeartbeatScenario(t *testing.T) {
	f := newGate(t)
	f.user(t, "u1", "s1", "tok-1")

	c := f.dialTCP(t)

	// heartbeat before login is ignored
	c.send(protocol.SystemHeartbeat, 0, nil)
	c.expectNone(100 * time.Millisecond)

	// login
	c.send(protocol.AuthLoginRequest, 7, func(w *protocol.Writer) { w.WriteString("tok-1") })
	p := c.expect(protocol.AuthLoginResponse)
	if p.RequestID != 7 {
		t.Errorf("expected request id 7, got %d", p.RequestID)
	}
	if ok, _ := p.body.ReadUint8(); ok != 1 {
		t.Fatal("login rejected")
	}
	raw, _ := p.body.ReadString()
	var user struct{ ID, Name string }
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		t.Fatal(err)
	}
	if user.ID != "u1" || user.Name != "u1-name" {
		t.Errorf("unexpected user %+v", user)
	}

	// heartbeat is echoed
	c.send(protocol.SystemHeartbeat, 3, func(w *protocol.Writer) { w.WriteString("online") })
	p = c.expect(protocol.SystemHeartbeat)
	if p.RequestID != 0 {
		t.Errorf("expected request id 0, got %d", p.RequestID)
	}
	if !f.gate.Manager().IsUserOnline("u1") {
		t.Error("expected u1 online")
	}

	// token is single use
	other := f.dialTCP(t)
	other.send(protocol.AuthLoginRequest, 1, func(w *protocol.Writer) { w.WriteString("tok-1") })
	p = other.expect(protocol.AuthLoginResponse)
	if ok, _ := p.body.ReadUint8(); ok != 0 {
		t.Fatal("expected rejection")
	}
	if msg, _ := p.body.ReadString(); msg != "Invalid or expired token" {
		t.Errorf("unexpected message %q", msg)
	}
	other.expectClosed()

	// logout closes
	c.send(protocol.AuthLogout, 0, nil)
	c.expectClosed()
	waitFor(t, func() bool { return !f.gate.Manager().HasSessions("u1") })
}

func TestTcpRejectsPacketsBeforeLogin(t *testing.T) {
	f := newGate(t)
	c := f.dialTCP(t)

	c.send(protocol.UserUpdateDevice, 4, func(w *protocol.Writer) { w.WriteString("laptop") })
	p := c.expect(protocol.ErrorPermission)
	raw, _ := p.body.ReadString()
	if raw != `{"message":"Authentication required"}` {
		t.Errorf("unexpected body %s", raw)
	}
	c.expectClosed()
}

func rawDial(t *testing.T, f *fixture) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", f.gate.TcpAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(waitTimeout))

	// handshake: 4 byte length then type and request id
	buf := make([]byte, 4+protocol.HeaderSize)
	if _, err := readFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if protocol.PacketType(buf[4]) != protocol.SystemHandshake {
		t.Fatalf("expected handshake, got %x", buf[4])
	}
	return conn
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestTcpOversizedFrameClosesWithoutReply(t *testing.T) {
	f := newGate(t)
	conn := rawDial(t, f)

	prefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(prefix, 999999999)
	if _, err := conn.Write(prefix); err != nil {
		t.Fatal(err)
	}

	n, err := conn.Read(make([]byte, 64))
	if n != 0 || err == nil {
		t.Fatalf("expected close without data, got %d bytes, err %v", n, err)
	}
	waitFor(t, func() bool { return f.gate.Manager().Count() == 0 })
}

func TestTcpChunkedFrames(t *testing.T) {
	f := newGate(t)
	f.user(t, "u1", "s1", "tok-1")
	conn := rawDial(t, f)

	payload, _ := protocol.NewPacket(protocol.AuthLoginRequest, 9, func(w *protocol.Writer) { w.WriteString("tok-1") })
	frame := protocol.Encode(payload)
	for _, part := range [][]byte{frame[:2], frame[2:7], frame[7:]} {
		if _, err := conn.Write(part); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	head := make([]byte, 4+protocol.HeaderSize+1)
	if _, err := readFull(conn, head); err != nil {
		t.Fatal(err)
	}
	if protocol.PacketType(head[4]) != protocol.AuthLoginResponse {
		t.Fatalf("expected login response, got %x", head[4])
	}
	if id := int32(binary.LittleEndian.Uint32(head[5:9])); id != 9 {
		t.Errorf("expected request id 9, got %d", id)
	}
	if head[9] != 1 {
		t.Error("login rejected")
	}
}

func TestWsRequiresToken(t *testing.T) {
	f := newGate(t)

	for name, token := range map[string]string{"missing": "", "unknown": "nope"} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := f.dialWS(t, token)
			if err == nil {
				t.Fatal("expected upgrade to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %v", resp)
			}
		})
	}
	if n := f.gate.Manager().Count(); n != 0 {
		t.Errorf("expected no sessions, got %d", n)
	}
}

func TestWsAndTcpShareRegistry(t *testing.T) {
	f := newGate(t)
	f.user(t, "u1", "s-ws", "tok-ws")
	f.user(t, "u1", "s-tcp", "tok-tcp")

	web, _, err := f.dialWS(t, "tok-ws")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.gate.Manager().HasSessions("u1") })

	phone := f.login(t, "tok-tcp")

	// device online reaches the other device
	p := web.expect(protocol.DeviceOnline)
	raw, _ := p.body.ReadString()
	var st presence.DeviceStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		t.Fatal(err)
	}
	if st.ID != "dev-s-tcp" {
		t.Errorf("unexpected device %q", st.ID)
	}

	// device events fan out to both transports
	f.gate.Devices().EmitDeviceAdded("u1", map[string]string{"id": "dev-new"})
	for _, c := range []*client{web, phone} {
		p := c.expect(protocol.DeviceAdded)
		if raw, _ := p.body.ReadString(); raw != `{"id":"dev-new"}` {
			t.Errorf("unexpected body %s", raw)
		}
	}

	// device offline on close
	phone.send(protocol.AuthLogout, 0, nil)
	phone.expectClosed()
	web.expect(protocol.DeviceOffline)
	if got := len(f.gate.Manager().GetSessionsByUserID("u1")); got != 1 {
		t.Errorf("expected 1 session left, got %d", got)
	}
}

func TestFriendPresence(t *testing.T) {
	f := newGate(t)
	f.user(t, "alice", "s-a", "tok-a")
	f.user(t, "bob", "s-b", "tok-b")
	if err := f.store.AddFriendship(context.Background(), "alice", "bob"); err != nil {
		t.Fatal(err)
	}

	alice, _, err := f.dialWS(t, "tok-a")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.gate.Manager().HasSessions("alice") })

	bob := f.login(t, "tok-b")
	p := alice.expect(protocol.FriendOnline)
	if raw, _ := p.body.ReadString(); raw != `{"userId":"bob"}` {
		t.Errorf("unexpected body %s", raw)
	}

	bob.send(protocol.AuthLogout, 0, nil)
	p = alice.expect(protocol.FriendOffline)
	if raw, _ := p.body.ReadString(); raw != `{"userId":"bob"}` {
		t.Errorf("unexpected body %s", raw)
	}
}

func TestDeviceDisconnectHook(t *testing.T) {
	got := make(chan string, 1)
	f := newGate(t, func(g *Gate) {
		g.OnDeviceDisconnect(func(_ context.Context, d store.Device) {
			got <- d.ID
		})
	})
	f.user(t, "u1", "s1", "tok-1")

	c := f.login(t, "tok-1")
	c.send(protocol.AuthLogout, 0, nil)

	select {
	case id := <-got:
		if id != "dev-s1" {
			t.Errorf("unexpected device %q", id)
		}
	case <-time.After(waitTimeout):
		t.Fatal("disconnect hook not called")
	}
}

func TestPeerSignalingAcrossTransports(t *testing.T) {
	f := newGate(t)
	f.user(t, "u1", "s-ws", "tok-ws")
	f.user(t, "u1", "s-tcp", "tok-tcp")

	web, _, err := f.dialWS(t, "tok-ws")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.gate.Manager().HasSessions("u1") })
	phone := f.login(t, "tok-tcp")

	web.send(protocol.PeerConnectRequest, 3, func(w *protocol.Writer) {
		w.WriteString(`{"targetDeviceId":"dev-s-tcp"}`)
	})
	p := web.expect(protocol.PeerConnectResponse)
	raw, _ := p.body.ReadString()
	var resp struct {
		Success   bool   `json:"success"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil || !resp.Success || p.RequestID != 3 {
		t.Fatalf("connect response %s (%v)", raw, err)
	}

	p = phone.expect(protocol.PeerIncomingRequest)
	raw, _ = p.body.ReadString()
	var incoming struct {
		RequestID      string `json:"requestId"`
		SourceDeviceID string `json:"sourceDeviceId"`
	}
	if err := json.Unmarshal([]byte(raw), &incoming); err != nil {
		t.Fatal(err)
	}
	if incoming.RequestID != resp.RequestID || incoming.SourceDeviceID != "dev-s-ws" {
		t.Errorf("unexpected incoming request %s", raw)
	}

	// the pairing ends with the target's connection
	phone.send(protocol.AuthLogout, 0, nil)
	phone.expectClosed()
	waitFor(t, func() bool { return len(f.gate.peer.Registry().Active("dev-s-ws")) == 0 })
}
