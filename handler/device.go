package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/events"
	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
)

const unknownDevice = "Unknown Device"

var errInvalidPayload = errors.New("invalid payload")

// SessionLookup finds the live connections of a user.
type SessionLookup interface {
	GetSessionsByUserID(userID string) []*session.Connection
}

type Device struct {
	devices  store.DeviceStore
	events   events.DevicesEventsPort
	sessions SessionLookup
}

type (
	deviceRef struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	}

	// DeviceRemoval is the payload of DEVICE_REMOVED.
	DeviceRemoval struct {
		ID           string  `json:"id"`
		Fingerprint  *string `json:"fingerprint"`
		TerminatedBy string  `json:"terminatedBy"`
	}
)

func readDeviceRef(r *protocol.Reader) (deviceRef, error) {
	raw, err := r.ReadString()
	if err != nil {
		return deviceRef{}, err
	}
	var ref deviceRef
	if json.Unmarshal([]byte(raw), &ref) != nil || ref.ID == "" {
		return deviceRef{}, errInvalidPayload
	}
	ref.Name = strings.TrimSpace(ref.Name)
	return ref, nil
}

// failure maps err to the public "<op> failed: ..." reply. Storage errors
// stay internal.
func failure(op string, err error) error {
	switch {
	case errors.Is(err, errInvalidPayload):
		return session.WrapReply(err, op+" failed: Invalid payload")
	case errors.Is(err, store.ErrNotFound):
		return session.WrapReply(err, op+" failed: Device not found")
	case errors.Is(err, store.ErrInvalidName):
		return session.WrapReply(err, op+" failed: Invalid device name")
	case errors.Is(err, session.ErrUnauthenticated):
		return session.WrapReply(err, op+" failed: Unauthorized")
	}
	return err
}

// Rename handles DEVICE_RENAME {"id","name"} for any device the user owns and
// pushes DEVICE_UPDATED to every session of the user.
func (h *Device) Rename(ctx context.Context, c *session.Connection, r *protocol.Reader, _ int32) error {
	ref, err := readDeviceRef(r)
	if err == nil && ref.Name == "" {
		err = errInvalidPayload
	}
	if err != nil {
		if errors.Is(err, protocol.ErrShortBuffer) {
			return err
		}
		return failure("Rename", err)
	}
	uid := c.UserID()
	if uid == "" {
		return failure("Rename", session.ErrUnauthenticated)
	}

	d, err := h.devices.RenameDevice(ctx, uid, ref.ID, ref.Name)
	if err != nil {
		return failure("Rename", err)
	}
	c.Logger().Debug("device renamed", zap.String("device", d.ID), zap.String("name", d.Name))
	h.events.EmitDeviceUpdated(uid, viewOf(d))
	return nil
}

// Delete handles DEVICE_DELETE {"id"}: removes the device, tells the user's
// sessions which device did it and closes the removed device's connections.
func (h *Device) Delete(ctx context.Context, c *session.Connection, r *protocol.Reader, _ int32) error {
	ref, err := readDeviceRef(r)
	if err != nil {
		if errors.Is(err, protocol.ErrShortBuffer) {
			return err
		}
		return failure("Delete", err)
	}
	id, ok := c.Identity()
	if !ok {
		return failure("Delete", session.ErrUnauthenticated)
	}

	actor := unknownDevice
	if id.SessionID != "" {
		if d, err := h.devices.DeviceBySession(ctx, id.SessionID); err == nil {
			actor = d.Name
		}
	}

	d, err := h.devices.DeleteDevice(ctx, id.UserID, ref.ID)
	if err != nil {
		return failure("Delete", err)
	}

	removal := DeviceRemoval{ID: d.ID, TerminatedBy: actor}
	if d.Fingerprint != "" {
		removal.Fingerprint = &d.Fingerprint
	}
	h.events.EmitDeviceRemoved(id.UserID, removal)

	closed := 0
	if d.SessionID != "" {
		for _, conn := range h.sessions.GetSessionsByUserID(id.UserID) {
			if conn.SessionID() == d.SessionID {
				conn.Close()
				closed++
			}
		}
	}
	c.Logger().Info("device deleted", zap.String("device", d.ID), zap.Int("closed", closed))
	return nil
}
