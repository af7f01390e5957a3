// Package sessiontest provides an in-memory network.Conn for exercising
// connections, handlers and event ports without sockets.
package sessiontest

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/protocol"
)

// Packet is a decoded outbound packet.
type Packet struct {
	Type      protocol.PacketType
	RequestID int32
	Body      []byte
}

// Reader returns a reader positioned after the header.
func (p Packet) Reader() *protocol.Reader {
	return protocol.NewReader(p.Body)
}

// Text reads the first string field of the body.
func (p Packet) Text() string {
	s, _ := p.Reader().ReadString()
	return s
}

var addr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

// Conn records every payload written to it and replays queued inbound payloads.
type Conn struct {
	mu        sync.Mutex
	written   [][]byte
	closed    bool
	destroyed bool
	writeErr  error
	notify    chan struct{}

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

var _ network.Conn = (*Conn)(nil)

func NewConn() *Conn {
	return &Conn{
		notify:  make(chan struct{}, 1),
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// Feed queues one inbound payload for ReadMessage.
func (c *Conn) Feed(payload []byte) {
	c.inbound <- payload
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case p := <-c.inbound:
		return p, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *Conn) WriteMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return network.ErrConnClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), payload...))
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return addr }
func (c *Conn) RemoteAddr() net.Addr { return addr }

func (c *Conn) ClientAddr() network.ClientAddrMessage {
	return network.ClientAddrFromNet(addr)
}

func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) Destroy() {
	c.mu.Lock()
	c.closed = true
	c.destroyed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// FailWrites makes every following WriteMessage return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Closed reports whether Close or Destroy was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Destroyed reports whether Destroy was called.
func (c *Conn) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Packets decodes everything written so far.
func (c *Conn) Packets() []Packet {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Packet, 0, len(c.written))
	for _, b := range c.written {
		r := protocol.NewReader(b)
		h, err := protocol.ReadHeader(r)
		if err != nil {
			continue
		}
		out = append(out, Packet{Type: h.Type, RequestID: h.RequestID, Body: r.ReadRemaining()})
	}
	return out
}

// Reset forgets the written packets.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = nil
}

// WaitPackets waits until at least n packets were written.
func (c *Conn) WaitPackets(t testing.TB, n int, timeout time.Duration) []Packet {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if p := c.Packets(); len(p) >= n {
			return p
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("waited %v for %d packets, got %d", timeout, n, len(c.Packets()))
			return nil
		}
	}
}

// Of returns the packets of type t.
func Of(packets []Packet, t protocol.PacketType) []Packet {
	var out []Packet
	for _, p := range packets {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// Build serializes a packet for Feed or HandleMessage.
func Build(t testing.TB, typ protocol.PacketType, requestID int32, fill func(*protocol.Writer)) []byte {
	t.Helper()
	b, err := protocol.NewPacket(typ, requestID, fill)
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}
	return b
}
