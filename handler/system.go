package handler

import (
	"context"

	"github.com/thiratt/nekoshare-gateway/presence"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
)

type System struct {
	presence *presence.Service
}

// Heartbeat handles SYSTEM_HEARTBEAT. Older clients append a status string
// which is read and ignored. Heartbeats before authentication get no reply.
func (s *System) Heartbeat(ctx context.Context, c *session.Connection, r *protocol.Reader, _ int32) error {
	if !r.IsEnd() {
		if _, err := r.ReadString(); err != nil {
			r.ReadRemaining()
		}
	}
	if !c.Authenticated() {
		return nil
	}

	if err := s.presence.Heartbeat(ctx, c); err != nil {
		return err
	}
	return c.SendPacket(protocol.SystemHeartbeat, 0, nil)
}
