package xnats

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/events"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

// Event names carried in Envelope.Event.
const (
	DeviceAdded            = "device.added"
	DeviceUpdated          = "device.updated"
	DeviceRemoved          = "device.removed"
	FriendRequestReceived  = "friend.request.received"
	FriendRequestAccepted  = "friend.request.accepted"
	FriendRequestRejected  = "friend.request.rejected"
	FriendRequestCancelled = "friend.request.cancelled"
	FriendRemoved          = "friend.removed"
)

var (
	ErrUnknownEvent = errors.New("xnats: unknown event")
	ErrNoUser       = errors.New("xnats: event without user")
)

type (
	// Envelope is the message published on the event subject.
	Envelope struct {
		Event   string          `json:"event"`
		UserID  string          `json:"userId"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// Relay replays published events into the local ports.
	Relay struct {
		devices events.DevicesEventsPort
		friends events.FriendsEventsPort
		routes  map[string]func(userID string, dto any)
		sub     *nats.Subscription
		log     *zap.Logger
	}
)

func NewRelay(devices events.DevicesEventsPort, friends events.FriendsEventsPort) *Relay {
	r := &Relay{
		devices: devices,
		friends: friends,
		log:     xlog.Write().Named("relay"),
	}
	r.routes = map[string]func(string, any){
		DeviceAdded:            devices.EmitDeviceAdded,
		DeviceUpdated:          devices.EmitDeviceUpdated,
		DeviceRemoved:          devices.EmitDeviceRemoved,
		FriendRequestReceived:  friends.EmitRequestReceived,
		FriendRequestAccepted:  friends.EmitRequestAccepted,
		FriendRequestRejected:  friends.EmitRequestRejected,
		FriendRequestCancelled: friends.EmitRequestCancelled,
		FriendRemoved:          friends.EmitFriendRemoved,
	}
	return r
}

// Start subscribes to the event subject of n.
func (r *Relay) Start(n *XNats) error {
	sub, err := n.Subscribe(n.Subject(), r.Handle)
	if err != nil {
		return err
	}
	r.sub = sub
	r.log.Info("relaying events", zap.String("subject", n.Subject()))
	return nil
}

// Stop unsubscribes. Messages already delivered are still handled.
func (r *Relay) Stop() {
	if r.sub == nil {
		return
	}
	if err := r.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		r.log.Warn("unsubscribe", zap.Error(err))
	}
}

// Handle is the subscription callback. Bad messages are logged and dropped.
func (r *Relay) Handle(msg *nats.Msg) {
	if err := r.dispatch(msg.Data); err != nil {
		r.log.Warn("drop event", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (r *Relay) dispatch(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.UserID == "" {
		return ErrNoUser
	}
	emit, ok := r.routes[env.Event]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	var dto any = env.Payload
	if len(env.Payload) == 0 {
		dto = struct{}{}
	}
	emit(env.UserID, dto)
	return nil
}
