package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/protocol"
)

// FriendPresence is the payload of FRIEND_ONLINE and FRIEND_OFFLINE.
type FriendPresence struct {
	UserID string `json:"userId"`
}

// PresenceNotifier announces connection level presence changes to the
// user's other devices and to their friends.
type PresenceNotifier struct {
	b       *Broadcaster
	friends FriendLister
}

func NewPresenceNotifier(b *Broadcaster, friends FriendLister) *PresenceNotifier {
	return &PresenceNotifier{b: b, friends: friends}
}

// UserOnline sends FRIEND_ONLINE to every friend of userID.
func (p *PresenceNotifier) UserOnline(ctx context.Context, userID string) {
	p.toFriends(ctx, userID, protocol.FriendOnline)
}

// UserOffline sends FRIEND_OFFLINE to every friend of userID.
func (p *PresenceNotifier) UserOffline(ctx context.Context, userID string) {
	p.toFriends(ctx, userID, protocol.FriendOffline)
}

func (p *PresenceNotifier) toFriends(ctx context.Context, userID string, t protocol.PacketType) {
	ids, err := p.friends.FriendIDs(ctx, userID)
	if err != nil {
		p.b.log.Warn("list friends", zap.String("user", userID), zap.Stringer("type", t), zap.Error(err))
		return
	}
	dto := FriendPresence{UserID: userID}
	for _, id := range ids {
		p.b.Push(id, t, dto, "")
	}
}

// DeviceOnline sends DEVICE_ONLINE to the user's sessions other than exclude.
func (p *PresenceNotifier) DeviceOnline(userID string, dto any, exclude string) {
	p.b.Push(userID, protocol.DeviceOnline, dto, exclude)
}

// DeviceOffline sends DEVICE_OFFLINE to the user's sessions other than exclude.
func (p *PresenceNotifier) DeviceOffline(userID string, dto any, exclude string) {
	p.b.Push(userID, protocol.DeviceOffline, dto, exclude)
}
