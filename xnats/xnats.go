// Package xnats carries device and friend events between the business
// services and every gateway instance over NATS. Services publish with
// Publisher; each gateway runs a Relay that replays the events into its
// local event ports.
package xnats

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/xlog"
)

const DefaultSubject = "nekoshare.events"

type (
	NatsConf struct {
		Enabled bool `json:",optional"`
		// NATS server hosts
		Hosts   []string `json:",optional"`
		Subject string   `json:",default=nekoshare.events"`
		// -1 reconnects forever
		MaxReconnects int           `json:",default=-1"`
		ReconnectWait time.Duration `json:",default=2s"`
	}

	XNats struct {
		conf NatsConf
		conn *nats.Conn
	}
)

func NewNats(conf NatsConf, opts ...nats.Option) (*XNats, error) {
	if conf.Subject == "" {
		conf.Subject = DefaultSubject
	}
	log := xlog.Write().Named("nats")
	opts = append([]nats.Option{
		nats.Name("nekoshare-gateway"),
		nats.MaxReconnects(conf.MaxReconnects),
		nats.ReconnectWait(conf.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}, opts...)

	nc, err := nats.Connect(strings.Join(conf.Hosts, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &XNats{conf: conf, conn: nc}, nil
}

// GetConnection returns the underlying connection.
func (n *XNats) GetConnection() *nats.Conn {
	return n.conn
}

// Subject is the configured event subject.
func (n *XNats) Subject() string {
	return n.conf.Subject
}

// Publish sends data to subject.
func (n *XNats) Publish(subject string, data []byte) error {
	return n.conn.Publish(subject, data)
}

// Subscribe delivers every message on subject to handler.
func (n *XNats) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return n.conn.Subscribe(subject, handler)
}

func (n *XNats) IsConnected() bool {
	return n.conn.IsConnected()
}

// Close drains pending messages, then closes the connection.
func (n *XNats) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
