package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

var _ network.Agent = (*Connection)(nil)

type (
	// ConnectionConf is the per-transport behavior of a Connection.
	ConnectionConf struct {
		Transport Transport
		Bounds    protocol.Bounds
		// RequireAuth rejects every packet except login and heartbeat until
		// the connection authenticates.
		RequireAuth bool
	}

	// AuthHook runs once when a registered connection becomes authenticated.
	// first is true when no other connection of the user was live.
	AuthHook func(c *Connection, first bool)

	// CloseHook runs once when a connection leaves the registry. last is true
	// when it was the final live connection of an authenticated user.
	CloseHook func(c *Connection, last bool)

	// ConnOption customizes a Connection before it is registered.
	ConnOption func(*Connection)

	// Connection is one logical device session on top of a raw transport.
	Connection struct {
		id      string
		conf    ConnectionConf
		raw     network.Conn
		router  *Router
		manager *Manager
		log     *zap.Logger

		mu         sync.RWMutex
		identity   *Identity
		authHooks  []AuthHook
		closeHooks []CloseHook
		authed     bool

		lastActive atomic.Int64
		closed     atomic.Bool
		openOnce   sync.Once
		closeOnce  sync.Once

		ctx    context.Context
		cancel context.CancelFunc
	}
)

// WithIdentity presets the identity of a connection authenticated before it
// was accepted, such as a websocket upgraded behind auth middleware.
func WithIdentity(id Identity) ConnOption {
	return func(c *Connection) {
		if id.UserID != "" {
			c.identity = &id
		}
	}
}

func NewConnection(raw network.Conn, router *Router, manager *Manager, conf ConnectionConf, opts ...ConnOption) *Connection {
	if conf.Bounds == (protocol.Bounds{}) {
		conf.Bounds = protocol.DefaultBounds()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      GenerateConnectionID(conf.Transport),
		conf:    conf,
		raw:     raw,
		router:  router,
		manager: manager,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.log = xlog.Transport(conf.Transport.String()).With(zap.String("conn", c.id))
	c.Touch(manager.Now())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Transport() Transport {
	return c.conf.Transport
}

// ClientAddr is the peer address with proxy headers applied.
func (c *Connection) ClientAddr() network.ClientAddrMessage {
	return c.raw.ClientAddr()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) Logger() *zap.Logger {
	return c.log
}

// Identity returns the bound identity, if any.
func (c *Connection) Identity() (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.SessionID
}

func (c *Connection) Authenticated() bool {
	return c.UserID() != ""
}

// SetAuthenticated binds id to the connection and indexes it under id.UserID.
func (c *Connection) SetAuthenticated(id Identity) error {
	if id.UserID == "" {
		return ErrUnauthenticated
	}
	if c.Closed() {
		return network.ErrConnClosed
	}

	c.mu.Lock()
	c.identity = &id
	c.mu.Unlock()

	c.log.Debug("authenticated", zap.String("user", id.UserID), zap.String("session", id.SessionID))
	c.Touch(c.manager.Now())
	ok, first := c.manager.bind(c)
	if !ok {
		return network.ErrConnClosed
	}
	c.authenticated(first)
	return nil
}

// authenticated runs the auth hooks the first time c is indexed under a user.
func (c *Connection) authenticated(first bool) {
	c.mu.Lock()
	if c.authed {
		c.mu.Unlock()
		return
	}
	c.authed = true
	hooks := c.authHooks
	c.mu.Unlock()

	for _, h := range hooks {
		c.runHook(func() { h(c, first) })
	}
}

// Touch records activity at t.
func (c *Connection) Touch(t time.Time) {
	c.lastActive.Store(t.UnixNano())
}

func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// OnAuthenticatedHook registers a hook run once the connection is
// authenticated and registered. Register hooks before Run.
func (c *Connection) OnAuthenticatedHook(h AuthHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authHooks = append(c.authHooks, h)
}

// OnCloseHook registers a hook run once after the connection is deregistered.
// Register hooks before Run.
func (c *Connection) OnCloseHook(h CloseHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHooks = append(c.closeHooks, h)
}

// Open registers the connection and sends SYSTEM_HANDSHAKE. Run calls it
// before reading.
func (c *Connection) Open() {
	c.openOnce.Do(func() {
		first := c.manager.add(c)
		if c.Closed() {
			return
		}
		_ = c.SendPacket(protocol.SystemHandshake, 0, nil)
		if c.Authenticated() {
			c.authenticated(first)
		}
	})
}

// SendPacket serializes and queues one packet. Sending on a closed
// connection is a no-op.
func (c *Connection) SendPacket(t protocol.PacketType, requestID int32, fill func(*protocol.Writer)) error {
	if c.Closed() {
		return nil
	}
	payload, err := protocol.NewPacket(t, requestID, fill)
	if err != nil {
		return err
	}
	if t != protocol.SystemHeartbeat {
		c.log.Debug("send packet", zap.Stringer("type", t), zap.Int32("request", requestID), zap.Int("size", len(payload)))
	}
	if err := c.raw.WriteMessage(payload); err != nil {
		if errors.Is(err, network.ErrConnClosed) {
			return nil
		}
		return err
	}
	return nil
}

// SendError sends ERROR_GENERIC carrying msg.
func (c *Connection) SendError(requestID int32, msg string) error {
	return c.SendPacket(protocol.ErrorGeneric, requestID, func(w *protocol.Writer) {
		w.WriteString(msg)
	})
}

// SendJSON sends t with v encoded as a single JSON string field.
func (c *Connection) SendJSON(t protocol.PacketType, requestID int32, v any) error {
	return c.SendJSONWith(t, requestID, v, nil)
}

// SendJSONWith writes the fields of prefix, then v as a JSON string.
func (c *Connection) SendJSONWith(t protocol.PacketType, requestID int32, v any, prefix func(*protocol.Writer)) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendPacket(t, requestID, func(w *protocol.Writer) {
		if prefix != nil {
			prefix(w)
		}
		w.WriteString(string(body))
	})
}

// HandleMessage validates one inbound payload and hands it to the router.
func (c *Connection) HandleMessage(ctx context.Context, payload []byte) {
	if len(payload) == 0 || c.Closed() {
		return
	}

	n := uint32(len(payload))
	if n < c.conf.Bounds.Min {
		c.log.Warn("payload below minimum size", zap.Int("size", len(payload)))
		return
	}
	if n > c.conf.Bounds.Max {
		c.log.Warn("payload above maximum size", zap.Int("size", len(payload)))
		c.Shutdown()
		return
	}

	t := protocol.PacketType(payload[0])
	if c.conf.RequireAuth && !c.Authenticated() && !preAuthAllowed(t) {
		c.log.Warn("packet before authentication", zap.Stringer("type", t))
		_ = c.SendJSON(protocol.ErrorPermission, 0, map[string]string{"message": "Authentication required"})
		c.Close()
		return
	}

	c.router.Dispatch(ctx, c, payload)
}

func preAuthAllowed(t protocol.PacketType) bool {
	return t == protocol.AuthLoginRequest || t == protocol.SystemHeartbeat
}

// Run implements network.Agent.
func (c *Connection) Run() {
	c.Open()
	for {
		payload, err := c.raw.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrInvalidFrame):
				c.log.Warn("invalid frame, closing", zap.Error(err))
				c.Shutdown()
			case c.Closed(), errors.Is(err, io.EOF), errors.Is(err, network.ErrConnClosed):
			default:
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.HandleMessage(c.ctx, payload)
	}
}

// OnClose implements network.Agent.
func (c *Connection) OnClose() {
	c.release()
}

// Close flushes queued packets and closes the transport.
func (c *Connection) Close() {
	c.release()
	c.raw.Close()
}

// Shutdown closes the transport without flushing.
func (c *Connection) Shutdown() {
	c.release()
	c.raw.Destroy()
}

func (c *Connection) release() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		hooks := c.closeHooks
		c.closeHooks = nil
		c.mu.Unlock()

		last := c.manager.remove(c.id)
		c.cancel()
		c.log.Debug("connection closed")
		for _, h := range hooks {
			c.runHook(func() { h(c, last) })
		}
	})
}

func (c *Connection) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("connection hook panic", zap.Any("panic", r))
		}
	}()
	fn()
}
