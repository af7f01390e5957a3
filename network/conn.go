package network

import (
	"errors"
	"net"
)

var (
	// ErrConnClosed is returned when writing to a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrWriteQueueFull is returned when a peer does not drain its write queue
	// fast enough. The connection is destroyed when this happens.
	ErrWriteQueueFull = errors.New("write queue full")
)

// Conn is the raw transport under one device session. TCP implementations
// frame payloads with a length prefix; WebSocket implementations map one
// payload to one binary message.
type Conn interface {
	// ReadMessage blocks until the next complete payload arrives.
	ReadMessage() ([]byte, error)
	// WriteMessage queues one payload for sending. It never waits for the peer.
	WriteMessage(payload []byte) error
	// LocalAddr returns the local address of the connection.
	LocalAddr() net.Addr
	// RemoteAddr returns the remote address of the connection.
	RemoteAddr() net.Addr
	// ClientAddr returns the resolved client address (proxy headers applied).
	ClientAddr() ClientAddrMessage
	// Close flushes queued writes and closes the connection.
	Close()
	// Destroy drops queued writes and closes the connection immediately.
	Destroy()
}
