package xnats

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/events"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

// Conn is the publishing side of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher is a DevicesEventsPort for services running outside the gateway.
// Like the in-process ports, a failed publish is logged, never returned.
type Publisher struct {
	conn    Conn
	subject string
	log     *zap.Logger
}

var _ events.DevicesEventsPort = (*Publisher)(nil)

func NewPublisher(conn Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		log:     xlog.Write().Named("publisher"),
	}
}

// Publish wraps dto in an Envelope and sends it.
func (p *Publisher) Publish(event, userID string, dto any) error {
	payload, err := json.Marshal(dto)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Event: event, UserID: userID, Payload: payload})
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}

func (p *Publisher) emit(event, userID string, dto any) {
	if err := p.Publish(event, userID, dto); err != nil {
		p.log.Warn("publish event", zap.String("event", event), zap.String("user", userID), zap.Error(err))
	}
}

func (p *Publisher) EmitDeviceAdded(userID string, dto any)   { p.emit(DeviceAdded, userID, dto) }
func (p *Publisher) EmitDeviceUpdated(userID string, dto any) { p.emit(DeviceUpdated, userID, dto) }
func (p *Publisher) EmitDeviceRemoved(userID string, dto any) { p.emit(DeviceRemoved, userID, dto) }

func (p *Publisher) EmitRequestReceived(userID string, dto any) {
	p.emit(FriendRequestReceived, userID, dto)
}

func (p *Publisher) EmitRequestAccepted(userID string, dto any) {
	p.emit(FriendRequestAccepted, userID, dto)
}

func (p *Publisher) EmitRequestRejected(userID string, dto any) {
	p.emit(FriendRequestRejected, userID, dto)
}

func (p *Publisher) EmitRequestCancelled(userID string, dto any) {
	p.emit(FriendRequestCancelled, userID, dto)
}

func (p *Publisher) EmitFriendRemoved(userID string, dto any) {
	p.emit(FriendRemoved, userID, dto)
}
