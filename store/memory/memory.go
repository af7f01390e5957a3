// Package memory is an in-process store for development and tests.
package memory

import (
	"context"
	"slices"
	"time"

	"github.com/thiratt/nekoshare-gateway/container/cmap"
	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
)

type (
	token struct {
		id      session.Identity
		expires time.Time
	}

	Option func(*Store)

	Store struct {
		devices *cmap.Sharded[string, store.Device]
		users   *cmap.Sharded[string, store.User]
		friends *cmap.CMap[string, map[string]struct{}]
		login   *cmap.Sharded[string, token]
		access  *cmap.Sharded[string, token]
		now     func() time.Time
	}
)

var _ store.Store = (*Store)(nil)

// WithClock replaces time.Now for token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		devices: cmap.NewSharded[string, store.Device](cmap.Option[string]{}),
		users:   cmap.NewSharded[string, store.User](cmap.Option[string]{}),
		friends: cmap.New[string, map[string]struct{}](),
		login:   cmap.NewSharded[string, token](cmap.Option[string]{}),
		access:  cmap.NewSharded[string, token](cmap.Option[string]{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) PutDevice(_ context.Context, d store.Device) error {
	s.devices.Set(d.SessionID, d)
	return nil
}

func (s *Store) DeviceBySession(_ context.Context, sessionID string) (store.Device, error) {
	d, ok := s.devices.Get(sessionID)
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (s *Store) TouchDeviceBySession(_ context.Context, sessionID string, at time.Time) error {
	found := false
	s.devices.Update(sessionID, func(d store.Device, exists bool) (store.Device, bool) {
		if !exists {
			return d, false
		}
		found = true
		d.LastActiveAt = at
		return d, true
	})
	if !found {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateDeviceName(_ context.Context, sessionID, name string) (store.Device, error) {
	if err := store.ValidateDeviceName(name); err != nil {
		return store.Device{}, err
	}
	found := false
	d := s.devices.Update(sessionID, func(d store.Device, exists bool) (store.Device, bool) {
		if !exists {
			return d, false
		}
		found = true
		d.Name = name
		return d, true
	})
	if !found {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

// sessionOf finds the session key of a device owned by userID.
func (s *Store) sessionOf(userID, deviceID string) (string, bool) {
	var sid string
	s.devices.Iterator(func(k string, d store.Device) bool {
		if d.ID == deviceID && d.UserID == userID {
			sid = k
			return false
		}
		return true
	})
	return sid, sid != ""
}

func (s *Store) OwnedDevice(_ context.Context, userID, deviceID string) (store.Device, error) {
	sid, ok := s.sessionOf(userID, deviceID)
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	d, ok := s.devices.Get(sid)
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (s *Store) RenameDevice(_ context.Context, userID, deviceID, name string) (store.Device, error) {
	if err := store.ValidateDeviceName(name); err != nil {
		return store.Device{}, err
	}
	sid, ok := s.sessionOf(userID, deviceID)
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	found := false
	d := s.devices.Update(sid, func(d store.Device, exists bool) (store.Device, bool) {
		if !exists || d.ID != deviceID || d.UserID != userID {
			return d, exists
		}
		found = true
		d.Name = name
		return d, true
	})
	if !found {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (s *Store) DeleteDevice(_ context.Context, userID, deviceID string) (store.Device, error) {
	sid, ok := s.sessionOf(userID, deviceID)
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	var removed store.Device
	found := false
	s.devices.Update(sid, func(d store.Device, exists bool) (store.Device, bool) {
		if !exists || d.ID != deviceID || d.UserID != userID {
			return d, exists
		}
		removed, found = d, true
		return d, false
	})
	if !found {
		return store.Device{}, store.ErrNotFound
	}
	return removed, nil
}

func (s *Store) DevicesByUser(_ context.Context, userID string) ([]store.Device, error) {
	var out []store.Device
	s.devices.Iterator(func(_ string, d store.Device) bool {
		if d.UserID == userID {
			out = append(out, d)
		}
		return true
	})
	slices.SortFunc(out, func(a, b store.Device) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) PutUser(_ context.Context, u store.User) error {
	s.users.Set(u.ID, u)
	return nil
}

func (s *Store) GetUser(_ context.Context, userID string) (store.User, error) {
	u, ok := s.users.Get(userID)
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

// TouchUser creates the user record when it does not exist yet.
func (s *Store) TouchUser(_ context.Context, userID string, at time.Time) error {
	s.users.Update(userID, func(u store.User, _ bool) (store.User, bool) {
		u.ID = userID
		u.LastActiveAt = at
		return u, true
	})
	return nil
}

func (s *Store) AddFriendship(_ context.Context, a, b string) error {
	s.link(a, b)
	s.link(b, a)
	return nil
}

func (s *Store) link(from, to string) {
	s.friends.Update(from, func(set map[string]struct{}, exists bool) (map[string]struct{}, bool) {
		next := make(map[string]struct{}, len(set)+1)
		for k := range set {
			next[k] = struct{}{}
		}
		next[to] = struct{}{}
		return next, true
	})
}

func (s *Store) unlink(from, to string) {
	s.friends.Update(from, func(set map[string]struct{}, exists bool) (map[string]struct{}, bool) {
		if !exists {
			return nil, false
		}
		next := make(map[string]struct{}, len(set))
		for k := range set {
			if k != to {
				next[k] = struct{}{}
			}
		}
		return next, len(next) > 0
	})
}

func (s *Store) RemoveFriendship(_ context.Context, a, b string) error {
	s.unlink(a, b)
	s.unlink(b, a)
	return nil
}

func (s *Store) FriendIDs(_ context.Context, userID string) ([]string, error) {
	set, _ := s.friends.Get(userID)
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) PutLoginToken(_ context.Context, t string, id session.Identity, ttl time.Duration) error {
	s.login.Set(t, token{id: id, expires: s.now().Add(ttl)})
	return nil
}

// ConsumeLoginToken deletes the token whether or not it is still valid.
func (s *Store) ConsumeLoginToken(_ context.Context, t string) (session.Identity, error) {
	tok, ok := s.login.Delete(t)
	if !ok || !s.now().Before(tok.expires) {
		return session.Identity{}, store.ErrNotFound
	}
	return tok.id, nil
}

func (s *Store) PutAccessToken(_ context.Context, t string, id session.Identity, ttl time.Duration) error {
	s.access.Set(t, token{id: id, expires: s.now().Add(ttl)})
	return nil
}

func (s *Store) ResolveAccessToken(_ context.Context, t string) (session.Identity, error) {
	tok, ok := s.access.Get(t)
	if !ok {
		return session.Identity{}, store.ErrNotFound
	}
	if !s.now().Before(tok.expires) {
		s.access.Delete(t)
		return session.Identity{}, store.ErrNotFound
	}
	return tok.id, nil
}

func (s *Store) Close() error {
	return nil
}
