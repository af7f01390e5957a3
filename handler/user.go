package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/thiratt/nekoshare-gateway/events"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
)

type User struct {
	devices store.DeviceStore
	events  events.DevicesEventsPort
}

// DeviceView is the device as sent to clients.
type DeviceView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Platform     string `json:"platform,omitempty"`
	LastActiveAt int64  `json:"lastActiveAt"`
}

func viewOf(d store.Device) DeviceView {
	v := DeviceView{ID: d.ID, Name: d.Name, Platform: d.Platform}
	if !d.LastActiveAt.IsZero() {
		v.LastActiveAt = d.LastActiveAt.UnixMilli()
	}
	return v
}

// deviceName accepts the bare name or the older {"deviceName": "..."} form.
func deviceName(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var body struct {
			DeviceName string `json:"deviceName"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err == nil {
			return strings.TrimSpace(body.DeviceName)
		}
	}
	return raw
}

// UpdateDevice handles USER_UPDATE_DEVICE: renames the device bound to the
// connection's session, replies with the device and pushes DEVICE_UPDATED to
// the user's sessions.
func (u *User) UpdateDevice(ctx context.Context, c *session.Connection, r *protocol.Reader, requestID int32) error {
	raw, err := r.ReadString()
	if err != nil {
		return err
	}
	id, ok := c.Identity()
	if !ok || id.SessionID == "" {
		return session.Reply("authentication required")
	}

	d, err := u.devices.UpdateDeviceName(ctx, id.SessionID, deviceName(raw))
	switch {
	case errors.Is(err, store.ErrInvalidName):
		return session.WrapReply(err, "invalid device name")
	case errors.Is(err, store.ErrNotFound):
		return session.WrapReply(err, "device not found")
	case err != nil:
		return err
	}

	view := viewOf(d)
	if err := c.SendJSON(protocol.UserUpdateDevice, requestID, view); err != nil {
		return err
	}
	u.events.EmitDeviceUpdated(id.UserID, view)
	return nil
}
