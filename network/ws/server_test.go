package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/protocol"
)

type echoAgent struct {
	conn    *WsConn
	err     chan error
	onClose *atomic.Int32
}

func (a *echoAgent) Run() {
	for {
		payload, err := a.conn.ReadMessage()
		if err != nil {
			a.err <- err
			return
		}
		if err := a.conn.WriteMessage(payload); err != nil {
			a.err <- err
			return
		}
	}
}

func (a *echoAgent) OnClose() {
	a.onClose.Add(1)
}

type echoServer struct {
	srv     *WsServer
	http    *httptest.Server
	errs    chan error
	onClose atomic.Int32
}

func newEchoServer(t *testing.T, opt WsServerConf, mws ...func(http.Handler) http.Handler) *echoServer {
	t.Helper()
	es := &echoServer{errs: make(chan error, 16)}
	es.srv = NewServer(opt, func(conn *WsConn, _ *http.Request) network.Agent {
		return &echoAgent{conn: conn, err: es.errs, onClose: &es.onClose}
	}, nil, mws...)
	es.http = httptest.NewServer(es.srv.Handler())
	t.Cleanup(func() {
		es.srv.Stop()
		es.http.Close()
	})
	return es
}

func (es *echoServer) url(path string) string {
	return "ws" + strings.TrimPrefix(es.http.URL, "http") + path
}

func (es *echoServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(es.url("/ws"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBinaryEcho(t *testing.T) {
	es := newEchoServer(t, WsServerConf{})
	conn := es.dial(t)

	payload, _ := protocol.NewPacket(protocol.SystemHeartbeat, 3, nil)
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatal(err)
	}
	mt, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || string(got) != string(payload) {
		t.Errorf("unexpected echo: type %d, %x", mt, got)
	}
}

func TestTextMessagesSkipped(t *testing.T) {
	es := newEchoServer(t, WsServerConf{})
	conn := es.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	payload, _ := protocol.NewPacket(protocol.UserGetProfile, 4, nil)
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatal(err)
	}

	// the binary message is the first and only echo
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("expected the binary payload, got %q", got)
	}
}

func TestMessageOverLimitCloses(t *testing.T) {
	es := newEchoServer(t, WsServerConf{MaxMsgSize: 64})
	conn := es.dial(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 65)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-es.errs:
		if !errors.Is(err, protocol.ErrFrameTooLong) {
			t.Errorf("expected ErrFrameTooLong, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}
	waitFor(t, func() bool { return es.onClose.Load() == 1 })
}

func TestHTTPResponses(t *testing.T) {
	reject := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	t.Run("healthz", func(t *testing.T) {
		es := newEchoServer(t, WsServerConf{}, reject)
		resp, err := http.Get(es.http.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("middleware rejects before upgrade", func(t *testing.T) {
		es := newEchoServer(t, WsServerConf{}, reject)
		_, resp, err := websocket.DefaultDialer.Dial(es.url("/ws"), nil)
		if err == nil {
			t.Fatal("expected the handshake to fail")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %v", resp)
		}
	})

	t.Run("middleware passes", func(t *testing.T) {
		es := newEchoServer(t, WsServerConf{}, reject)
		conn, _, err := Dial(context.Background(), ClientConf{
			URL:    es.url("/ws"),
			Header: http.Header{"Authorization": []string{"Bearer x"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Destroy()

		payload, _ := protocol.NewPacket(protocol.SystemHeartbeat, 8, nil)
		if err := conn.WriteMessage(payload); err != nil {
			t.Fatal(err)
		}
		got, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(payload) {
			t.Errorf("echo mismatch: %x", got)
		}
	})

	t.Run("full", func(t *testing.T) {
		es := newEchoServer(t, WsServerConf{MaxConn: 1})
		first := es.dial(t)

		ping, _ := protocol.NewPacket(protocol.SystemHeartbeat, 0, nil)
		if err := first.WriteMessage(websocket.BinaryMessage, ping); err != nil {
			t.Fatal(err)
		}
		if _, _, err := first.ReadMessage(); err != nil {
			t.Fatal(err)
		}

		_, resp, err := websocket.DefaultDialer.Dial(es.url("/ws"), nil)
		if err == nil {
			t.Fatal("expected the second handshake to fail")
		}
		if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %v", resp)
		}
	})
}

func TestStopClosesConnections(t *testing.T) {
	es := newEchoServer(t, WsServerConf{})
	conn := es.dial(t)

	ping, _ := protocol.NewPacket(protocol.SystemHeartbeat, 0, nil)
	if err := conn.WriteMessage(websocket.BinaryMessage, ping); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatal(err)
	}

	es.srv.Stop()
	if es.onClose.Load() != 1 {
		t.Errorf("expected OnClose once after Stop, got %d", es.onClose.Load())
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the client to observe the close")
	}
}
