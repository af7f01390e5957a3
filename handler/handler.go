// Package handler holds the packet handlers served on every transport.
package handler

import (
	"errors"

	"github.com/thiratt/nekoshare-gateway/events"
	"github.com/thiratt/nekoshare-gateway/peer"
	"github.com/thiratt/nekoshare-gateway/presence"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
)

// Deps are the collaborators handlers call into.
type Deps struct {
	Presence *presence.Service
	Devices  store.DeviceStore
	Events   events.DevicesEventsPort
	Sessions SessionLookup
	// Login authenticates AUTH_LOGIN_REQUEST tokens. Transports that
	// authenticate before accepting leave it nil and do not serve login.
	Login session.Authenticator
	// Peer serves PEER_* signaling when set.
	Peer *peer.Service
}

// Register installs every handler on r.
func Register(r *session.Router, d Deps) error {
	if d.Presence == nil || d.Devices == nil || d.Events == nil || d.Sessions == nil {
		return errors.New("handler: missing dependency")
	}

	sys := &System{presence: d.Presence}
	user := &User{devices: d.Devices, events: d.Events}
	auth := &Auth{auth: d.Login}
	dev := &Device{devices: d.Devices, events: d.Events, sessions: d.Sessions}

	table := map[protocol.PacketType]session.Handler{
		protocol.SystemHeartbeat:  sys.Heartbeat,
		protocol.AuthLogout:       auth.Logout,
		protocol.UserUpdateDevice: user.UpdateDevice,
		protocol.DeviceRename:     dev.Rename,
		protocol.DeviceDelete:     dev.Delete,
	}
	if d.Login != nil {
		table[protocol.AuthLoginRequest] = auth.Login
	}
	if d.Peer != nil {
		for t, h := range d.Peer.Handlers() {
			table[t] = h
		}
	}
	for t, h := range table {
		if err := r.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}
