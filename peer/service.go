package peer

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/metrics"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

const noAddr = "0.0.0.0"

var errInvalid = errors.New("peer: invalid payload")

type (
	// Sessions is the part of session.Manager signaling needs.
	Sessions interface {
		GetSessionsByUserID(userID string) []*session.Connection
		Session(connID string) (*session.Connection, bool)
	}

	ConnectRequest struct {
		TargetDeviceID string `json:"targetDeviceId"`
	}

	ConnectResponse struct {
		Success   bool   `json:"success"`
		Status    string `json:"status"`
		RequestID string `json:"requestId,omitempty"`
		Message   string `json:"message"`
	}

	IncomingRequest struct {
		RequestID        string `json:"requestId"`
		SourceDeviceID   string `json:"sourceDeviceId"`
		SourceDeviceName string `json:"sourceDeviceName"`
		SourceIP         string `json:"sourceIp"`
		Fingerprint      string `json:"fingerprint"`
	}

	SocketReady struct {
		RequestID string `json:"requestId"`
		Port      int    `json:"port"`
	}

	ConnectionInfo struct {
		RequestID   string `json:"requestId"`
		IP          string `json:"ip"`
		Port        int    `json:"port"`
		DeviceName  string `json:"deviceName"`
		Fingerprint string `json:"fingerprint"`
	}

	ConnectionConfirm struct {
		RequestID string `json:"requestId"`
	}

	DisconnectRequest struct {
		TargetDeviceID string `json:"targetDeviceId"`
		Reason         string `json:"reason,omitempty"`
	}

	Disconnected struct {
		DeviceID string `json:"deviceId"`
		Reason   string `json:"reason"`
	}

	// Result is the payload of PEER_SOCKET_READY replies and ACK.
	Result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}

	// Service relays peer signaling between the devices of one user.
	Service struct {
		registry *Registry
		devices  store.DeviceStore
		sessions Sessions
		interval time.Duration

		ticker  *time.Ticker
		stop    chan struct{}
		running atomic.Bool

		pairs metrics.Gauge
		log   *zap.Logger
	}
)

func NewService(conf Conf, devices store.DeviceStore, sessions Sessions, now func() time.Time) *Service {
	r := NewRegistry(conf, now)
	return &Service{
		registry: r,
		devices:  devices,
		sessions: sessions,
		interval: r.conf.SweepInterval,
		pairs: metrics.NewGauge(&metrics.VectorOption{
			Namespace: "nekoshare",
			Subsystem: "peer",
			Name:      "pairs",
			Help:      "peer pairings by state",
			Labels:    []string{"state"},
		}),
		log: xlog.Write().Named("peer"),
	}
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// Handlers maps each signaling packet to its handler.
func (s *Service) Handlers() map[protocol.PacketType]session.Handler {
	return map[protocol.PacketType]session.Handler{
		protocol.PeerConnectRequest:    s.Connect,
		protocol.PeerSocketReady:       s.SocketReady,
		protocol.PeerConnectionConfirm: s.ConnectionConfirm,
		protocol.PeerDisconnect:        s.Disconnect,
	}
}

func readJSON(r *protocol.Reader, v any) error {
	raw, err := r.ReadString()
	if err != nil {
		return err
	}
	if json.Unmarshal([]byte(raw), v) != nil {
		return errInvalid
	}
	return nil
}

// ipOf is the address the connection was accepted from.
func ipOf(c *session.Connection) string {
	if ip := c.ClientAddr().IP; ip != "" {
		return ip
	}
	return noAddr
}

// ownDevice is the device bound to the connection's session.
func (s *Service) ownDevice(ctx context.Context, c *session.Connection) (store.Device, error) {
	id, ok := c.Identity()
	if !ok {
		return store.Device{}, session.ErrUnauthenticated
	}
	if id.SessionID == "" {
		return store.Device{}, store.ErrNotFound
	}
	d, err := s.devices.DeviceBySession(ctx, id.SessionID)
	if err != nil {
		return store.Device{}, err
	}
	if d.UserID != id.UserID {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

// connOf finds the live connection of a device of userID.
func (s *Service) connOf(userID string, d store.Device) *session.Connection {
	if d.SessionID == "" {
		return nil
	}
	for _, c := range s.sessions.GetSessionsByUserID(userID) {
		if c.SessionID() == d.SessionID && !c.Closed() {
			return c
		}
	}
	return nil
}

func (s *Service) fail(c *session.Connection, t protocol.PacketType, reqID int32, v any, msg string) error {
	c.Logger().Debug("peer signaling failed", zap.Stringer("type", t), zap.String("reason", msg))
	return c.SendJSON(t, reqID, v)
}

func (s *Service) connectFailed(c *session.Connection, reqID int32, msg string) error {
	return s.fail(c, protocol.PeerConnectResponse, reqID, ConnectResponse{Status: "failed", Message: msg}, msg)
}

// Connect handles PEER_CONNECT_REQUEST: opens a pairing and forwards it to
// the target device as PEER_INCOMING_REQUEST.
func (s *Service) Connect(ctx context.Context, c *session.Connection, r *protocol.Reader, reqID int32) error {
	var req ConnectRequest
	if err := readJSON(r, &req); err != nil || req.TargetDeviceID == "" {
		if errors.Is(err, protocol.ErrShortBuffer) {
			return err
		}
		return s.connectFailed(c, reqID, "Invalid payload: targetDeviceId is required")
	}

	src, err := s.ownDevice(ctx, c)
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return s.connectFailed(c, reqID, "Unauthorized: User not authenticated")
	case errors.Is(err, store.ErrNotFound):
		return s.connectFailed(c, reqID, "Source device not found or not registered")
	case err != nil:
		return err
	}
	dst, err := s.devices.OwnedDevice(ctx, src.UserID, req.TargetDeviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.connectFailed(c, reqID, "Target device not found or does not belong to your account")
	case err != nil:
		return err
	}

	requestID, err := s.registry.Attempt(Request{Source: src.ID, Target: dst.ID, SourceConnID: c.ID()})
	if err != nil {
		var dup *DuplicateError
		switch {
		case errors.As(err, &dup):
			return s.fail(c, protocol.PeerConnectResponse, reqID, ConnectResponse{
				Status:    "duplicate",
				RequestID: dup.RequestID,
				Message:   "Connection already " + strings.ToLower(string(dup.State)),
			}, err.Error())
		case errors.Is(err, ErrSelf):
			return s.connectFailed(c, reqID, "Cannot connect to yourself")
		case errors.Is(err, ErrRateLimited):
			return s.connectFailed(c, reqID, "Rate limited: Please wait before sending another request")
		}
		return err
	}

	target := s.connOf(src.UserID, dst)
	if target == nil {
		s.registry.Disconnect(src.ID, dst.ID, ReasonDeviceOffline)
		return s.connectFailed(c, reqID, "Target device is offline")
	}

	c.Logger().Info("peer connect",
		zap.String("source", src.ID), zap.String("target", dst.ID), zap.String("request", requestID))
	if err := target.SendJSON(protocol.PeerIncomingRequest, 0, IncomingRequest{
		RequestID:        requestID,
		SourceDeviceID:   src.ID,
		SourceDeviceName: src.Name,
		SourceIP:         ipOf(c),
		Fingerprint:      src.Fingerprint,
	}); err != nil {
		s.registry.Disconnect(src.ID, dst.ID, ReasonDeviceOffline)
		return s.connectFailed(c, reqID, "Target device is offline")
	}
	return c.SendJSON(protocol.PeerConnectResponse, reqID, ConnectResponse{
		Success:   true,
		Status:    "pending",
		RequestID: requestID,
		Message:   "Connection request sent to target device",
	})
}

func (s *Service) readyFailed(c *session.Connection, reqID int32, msg string) error {
	return s.fail(c, protocol.PeerSocketReady, reqID, Result{Message: msg}, msg)
}

// SocketReady handles PEER_SOCKET_READY from the target once it listens, and
// relays its address to the source as PEER_CONNECTION_INFO.
func (s *Service) SocketReady(ctx context.Context, c *session.Connection, r *protocol.Reader, reqID int32) error {
	var req SocketReady
	if err := readJSON(r, &req); err != nil || req.RequestID == "" || req.Port == 0 {
		if errors.Is(err, protocol.ErrShortBuffer) {
			return err
		}
		return s.readyFailed(c, reqID, "Invalid payload: requestId and port are required")
	}
	if req.Port < 1 || req.Port > 65535 {
		return s.readyFailed(c, reqID, "Invalid port number")
	}

	pair, ok := s.registry.ByRequestID(req.RequestID)
	if !ok {
		return s.readyFailed(c, reqID, "No pending request found for this ID")
	}
	dev, err := s.ownDevice(ctx, c)
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return s.readyFailed(c, reqID, "Unauthorized")
	case errors.Is(err, store.ErrNotFound):
		return s.readyFailed(c, reqID, "Device not found")
	case err != nil:
		return err
	}
	if dev.ID != pair.DeviceA && dev.ID != pair.DeviceB {
		return s.readyFailed(c, reqID, "Device not part of this connection")
	}

	pair, err = s.registry.Accept(req.RequestID, c.ID(), req.Port)
	if err != nil {
		var st *StateError
		if errors.As(err, &st) {
			return s.readyFailed(c, reqID, "Request is already "+strings.ToLower(string(st.State)))
		}
		return s.readyFailed(c, reqID, "No pending request found for this ID")
	}

	source, ok := s.sessions.Session(pair.SourceConnID)
	if !ok || source.Closed() {
		c.Logger().Warn("peer source connection gone", zap.String("conn", pair.SourceConnID))
		s.registry.Disconnect(pair.DeviceA, pair.DeviceB, ReasonDeviceOffline)
		return s.readyFailed(c, reqID, "Source device is no longer connected")
	}

	ip := ipOf(c)
	c.Logger().Info("peer socket ready", zap.String("device", dev.ID), zap.String("addr", ip+":"+strconv.Itoa(req.Port)))
	if err := source.SendJSON(protocol.PeerConnectionInfo, 0, ConnectionInfo{
		RequestID:   req.RequestID,
		IP:          ip,
		Port:        req.Port,
		DeviceName:  dev.Name,
		Fingerprint: dev.Fingerprint,
	}); err != nil {
		s.registry.Disconnect(pair.DeviceA, pair.DeviceB, ReasonDeviceOffline)
		return s.readyFailed(c, reqID, "Source device is no longer connected")
	}
	return c.SendJSON(protocol.PeerSocketReady, reqID, Result{Success: true, Message: "Connection info relayed to source device"})
}

func (s *Service) ackFailed(c *session.Connection, reqID int32, msg string) error {
	return s.fail(c, protocol.Ack, reqID, Result{Message: msg}, msg)
}

// ConnectionConfirm handles PEER_CONNECTION_CONFIRM once the direct link is up.
func (s *Service) ConnectionConfirm(_ context.Context, c *session.Connection, r *protocol.Reader, reqID int32) error {
	var req ConnectionConfirm
	if err := readJSON(r, &req); err != nil || req.RequestID == "" {
		if errors.Is(err, protocol.ErrShortBuffer) {
			return err
		}
		return s.ackFailed(c, reqID, "Invalid payload: requestId is required")
	}
	if !s.registry.Confirm(req.RequestID) {
		return s.ackFailed(c, reqID, "Connection not found or already in different state")
	}
	c.Logger().Info("peer connection confirmed", zap.String("request", req.RequestID))
	return c.SendJSON(protocol.Ack, reqID, Result{Success: true, Message: "Connection confirmed"})
}

// Disconnect handles PEER_DISCONNECT and tells the other device with
// PEER_DISCONNECTED when it is online.
func (s *Service) Disconnect(ctx context.Context, c *session.Connection, r *protocol.Reader, reqID int32) error {
	var req DisconnectRequest
	if err := readJSON(r, &req); err != nil || req.TargetDeviceID == "" {
		if errors.Is(err, protocol.ErrShortBuffer) {
			return err
		}
		return s.ackFailed(c, reqID, "Invalid payload: targetDeviceId is required")
	}
	src, err := s.ownDevice(ctx, c)
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return s.ackFailed(c, reqID, "Unauthorized")
	case errors.Is(err, store.ErrNotFound):
		return s.ackFailed(c, reqID, "Source device not found")
	case err != nil:
		return err
	}

	if s.registry.Disconnect(src.ID, req.TargetDeviceID, ReasonExplicit) {
		c.Logger().Info("peer disconnected", zap.String("source", src.ID), zap.String("target", req.TargetDeviceID))
	}

	if dst, err := s.devices.OwnedDevice(ctx, src.UserID, req.TargetDeviceID); err == nil {
		if target := s.connOf(src.UserID, dst); target != nil {
			reason := req.Reason
			if reason == "" {
				reason = "Peer disconnected"
			}
			_ = target.SendJSON(protocol.PeerDisconnected, 0, Disconnected{DeviceID: src.ID, Reason: reason})
		}
	}
	return c.SendJSON(protocol.Ack, reqID, Result{Success: true, Message: "Disconnected"})
}

// DeviceDisconnected drops the pairings of a device whose connection closed.
func (s *Service) DeviceDisconnected(_ context.Context, d store.Device) {
	if n := s.registry.DeviceGone(d.ID); n > 0 {
		s.log.Info("peer pairings closed", zap.String("device", d.ID), zap.Int("count", n))
	}
}

// Sweep expires stale pairings and publishes the per-state gauge.
func (s *Service) Sweep() int {
	n := s.registry.Sweep()
	st := s.registry.Stats()
	s.pairs.Set(float64(st.Pending), string(StatePending))
	s.pairs.Set(float64(st.InProgress), string(StateInProgress))
	s.pairs.Set(float64(st.Connected), string(StateConnected))
	s.pairs.Set(float64(st.Disconnected), string(StateDisconnected))
	if n > 0 {
		s.log.Debug("peer pairings swept", zap.Int("removed", n), zap.Int("total", st.Total))
	}
	return n
}

// Start sweeps every SweepInterval until Stop.
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.interval)
	go func(ticker *time.Ticker, stop chan struct{}) {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}(s.ticker, s.stop)
}

func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
}
