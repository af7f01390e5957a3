// Package presence keeps device and user activity in storage and announces
// connects and disconnects to the user's devices and friends.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/zeromicro/go-zero/core/syncx"
	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/events"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

const defaultStorageTimeout = 3 * time.Second

type (
	Conf struct {
		// Bound on each storage call made for a heartbeat or a disconnect
		StorageTimeout time.Duration `json:",default=3s"`
		// How often Monitor samples the registry
		MonitorInterval time.Duration `json:",default=15s"`
	}

	// Store is what presence needs from storage.
	Store interface {
		DeviceBySession(ctx context.Context, sessionID string) (store.Device, error)
		TouchDeviceBySession(ctx context.Context, sessionID string, at time.Time) error
		TouchUser(ctx context.Context, userID string, at time.Time) error
	}

	// Sessions reports whether a user still has live connections.
	Sessions interface {
		HasSessions(userID string) bool
	}

	// DisconnectHook runs after a device's connection closes, before peers
	// are notified.
	DisconnectHook func(ctx context.Context, d store.Device)

	// DeviceStatus is the payload of DEVICE_ONLINE and DEVICE_OFFLINE.
	DeviceStatus struct {
		ID           string    `json:"id"`
		Name         string    `json:"name,omitempty"`
		Platform     string    `json:"platform,omitempty"`
		LastActiveAt time.Time `json:"lastActiveAt"`
	}

	Service struct {
		conf     Conf
		store    Store
		sessions Sessions
		notifier *events.PresenceNotifier
		// serializes the friend announcements of one user
		calls syncx.LockedCalls
		now   func() time.Time
		hooks []DisconnectHook
		log   *zap.Logger
	}
)

func NewService(conf Conf, s Store, sessions Sessions, notifier *events.PresenceNotifier, now func() time.Time) *Service {
	if conf.StorageTimeout <= 0 {
		conf.StorageTimeout = defaultStorageTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		conf:     conf,
		store:    s,
		sessions: sessions,
		notifier: notifier,
		calls:    syncx.NewLockedCalls(),
		now:      now,
		log:      xlog.Write().Named("presence"),
	}
}

// OnDisconnect registers a peer disconnect hook. Call before serving.
func (s *Service) OnDisconnect(h DisconnectHook) {
	s.hooks = append(s.hooks, h)
}

func statusOf(d store.Device) DeviceStatus {
	return DeviceStatus{ID: d.ID, Name: d.Name, Platform: d.Platform, LastActiveAt: d.LastActiveAt}
}

// Heartbeat persists activity for the connection's session and user, then
// marks the connection active. Unauthenticated connections are ignored.
func (s *Service) Heartbeat(ctx context.Context, c *session.Connection) error {
	id, ok := c.Identity()
	if !ok {
		return nil
	}

	now := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.conf.StorageTimeout)
	defer cancel()

	if id.SessionID != "" {
		err := s.store.TouchDeviceBySession(ctx, id.SessionID, now)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if err := s.store.TouchUser(ctx, id.UserID, now); err != nil {
		return err
	}

	c.Touch(now)
	return nil
}

// Connected is a session.AuthHook: it tells the user's other devices about
// this one and, for the user's first connection, tells their friends.
func (s *Service) Connected(c *session.Connection, first bool) {
	id, ok := c.Identity()
	if !ok {
		return
	}
	connID := c.ID()
	threading.GoSafe(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.conf.StorageTimeout)
		defer cancel()

		if id.SessionID != "" {
			d, err := s.store.DeviceBySession(ctx, id.SessionID)
			switch {
			case err == nil:
				s.notifier.DeviceOnline(id.UserID, statusOf(d), connID)
			case errors.Is(err, store.ErrNotFound):
			default:
				s.log.Warn("resolve device on connect", zap.String("session", id.SessionID), zap.Error(err))
			}
		}
		if first {
			s.announce(ctx, id.UserID, true)
		}
	})
}

// Disconnected is a session.CloseHook. A session without a device is not an
// error; the user still goes offline for friends when it was the last one.
func (s *Service) Disconnected(c *session.Connection, last bool) {
	id, ok := c.Identity()
	if !ok {
		return
	}
	connID := c.ID()
	threading.GoSafe(func() {
		s.disconnect(id, connID, last)
	})
}

func (s *Service) disconnect(id session.Identity, connID string, last bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.StorageTimeout)
	defer cancel()

	if id.SessionID != "" {
		d, err := s.store.DeviceBySession(ctx, id.SessionID)
		switch {
		case err == nil:
			for _, h := range s.hooks {
				s.runHook(ctx, h, d)
			}
			s.notifier.DeviceOffline(id.UserID, statusOf(d), connID)
		case errors.Is(err, store.ErrNotFound):
			s.log.Debug("no device bound to session", zap.String("session", id.SessionID))
		default:
			s.log.Warn("resolve device on disconnect", zap.String("session", id.SessionID), zap.Error(err))
		}
	}
	if last {
		s.announce(ctx, id.UserID, false)
	}
}

// announce sends FRIEND_ONLINE or FRIEND_OFFLINE unless the registry has
// moved on since the connection changed. Announcements of one user never
// interleave.
func (s *Service) announce(ctx context.Context, userID string, online bool) {
	_, _ = s.calls.Do(userID, func() (any, error) {
		if s.sessions.HasSessions(userID) != online {
			s.log.Debug("stale presence change dropped", zap.String("user", userID), zap.Bool("online", online))
			return nil, nil
		}
		if online {
			s.notifier.UserOnline(ctx, userID)
		} else {
			s.notifier.UserOffline(ctx, userID)
		}
		return nil, nil
	})
}

func (s *Service) runHook(ctx context.Context, h DisconnectHook, d store.Device) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("disconnect hook panic", zap.String("device", d.ID), zap.Any("panic", r))
		}
	}()
	h(ctx, d)
}
