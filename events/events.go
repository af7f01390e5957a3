// Package events lets business modules push notifications to a user's live
// devices without depending on the transports. Every push is best effort:
// users without sessions are a no-op and a failing recipient never stops the
// others.
package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

type (
	// SessionLookup is the part of session.Manager the ports need.
	SessionLookup interface {
		GetSessionsByUserID(userID string) []*session.Connection
		IsUserOnline(userID string) bool
	}

	DevicesEventsPort interface {
		EmitDeviceAdded(userID string, dto any)
		EmitDeviceUpdated(userID string, dto any)
		EmitDeviceRemoved(userID string, dto any)
	}

	FriendsEventsPort interface {
		IsUserOnline(userID string) bool
		EmitRequestReceived(userID string, dto any)
		EmitRequestAccepted(userID string, dto any)
		EmitRequestRejected(userID string, dto any)
		EmitRequestCancelled(userID string, dto any)
		EmitFriendRemoved(userID string, dto any)
	}

	// FriendLister resolves the friends a presence change is broadcast to.
	FriendLister interface {
		FriendIDs(ctx context.Context, userID string) ([]string, error)
	}

	// Broadcaster fans packets out to every session of a user.
	Broadcaster struct {
		sessions SessionLookup
		log      *zap.Logger
	}
)

func NewBroadcaster(sessions SessionLookup) *Broadcaster {
	return &Broadcaster{
		sessions: sessions,
		log:      xlog.Write().Named("events"),
	}
}

// Push sends t carrying dto as JSON to every session of userID except the
// connection named by exclude. It returns the number of sessions written.
func (b *Broadcaster) Push(userID string, t protocol.PacketType, dto any, exclude string) int {
	conns := b.sessions.GetSessionsByUserID(userID)
	if len(conns) == 0 {
		return 0
	}

	body, err := json.Marshal(dto)
	if err != nil {
		b.log.Error("encode event", zap.Stringer("type", t), zap.String("user", userID), zap.Error(err))
		return 0
	}

	sent := 0
	for _, c := range conns {
		if c.ID() == exclude {
			continue
		}
		err := c.SendPacket(t, 0, func(w *protocol.Writer) {
			w.WriteString(string(body))
		})
		if err != nil {
			b.log.Warn("push event",
				zap.Stringer("type", t),
				zap.String("user", userID),
				zap.String("conn", c.ID()),
				zap.Stringer("transport", c.Transport()),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Devices implements DevicesEventsPort.
type Devices struct {
	b *Broadcaster
}

var _ DevicesEventsPort = (*Devices)(nil)

func NewDevices(b *Broadcaster) *Devices {
	return &Devices{b: b}
}

func (d *Devices) EmitDeviceAdded(userID string, dto any) {
	d.b.Push(userID, protocol.DeviceAdded, dto, "")
}

func (d *Devices) EmitDeviceUpdated(userID string, dto any) {
	d.b.Push(userID, protocol.DeviceUpdated, dto, "")
}

func (d *Devices) EmitDeviceRemoved(userID string, dto any) {
	d.b.Push(userID, protocol.DeviceRemoved, dto, "")
}

// Friends implements FriendsEventsPort.
type Friends struct {
	b *Broadcaster
}

var _ FriendsEventsPort = (*Friends)(nil)

func NewFriends(b *Broadcaster) *Friends {
	return &Friends{b: b}
}

func (f *Friends) IsUserOnline(userID string) bool {
	return f.b.sessions.IsUserOnline(userID)
}

func (f *Friends) EmitRequestReceived(userID string, dto any) {
	f.b.Push(userID, protocol.FriendRequestReceived, dto, "")
}

func (f *Friends) EmitRequestAccepted(userID string, dto any) {
	f.b.Push(userID, protocol.FriendRequestAccepted, dto, "")
}

func (f *Friends) EmitRequestRejected(userID string, dto any) {
	f.b.Push(userID, protocol.FriendRequestRejected, dto, "")
}

func (f *Friends) EmitRequestCancelled(userID string, dto any) {
	f.b.Push(userID, protocol.FriendRequestCancelled, dto, "")
}

func (f *Friends) EmitFriendRemoved(userID string, dto any) {
	f.b.Push(userID, protocol.FriendRemoved, dto, "")
}
