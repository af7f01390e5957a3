// Package storetest holds the behavior every store.Store implementation must share.
package storetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/store"
)

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("device by session", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.DeviceBySession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("DeviceBySession(missing) error = %v, want ErrNotFound", err)
		}

		d := store.Device{ID: "d1", UserID: "u1", SessionID: "s1", Name: "laptop", Platform: "linux"}
		if err := s.PutDevice(ctx, d); err != nil {
			t.Fatalf("PutDevice: %v", err)
		}
		got, err := s.DeviceBySession(ctx, "s1")
		if err != nil {
			t.Fatalf("DeviceBySession: %v", err)
		}
		if got.ID != "d1" || got.UserID != "u1" || got.Name != "laptop" || got.Platform != "linux" {
			t.Fatalf("DeviceBySession = %+v", got)
		}
	})

	t.Run("touch device", func(t *testing.T) {
		s := newStore(t)
		at := time.UnixMilli(1_700_000_000_000)
		if err := s.TouchDeviceBySession(ctx, "s1", at); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("touch of unknown session error = %v, want ErrNotFound", err)
		}

		_ = s.PutDevice(ctx, store.Device{ID: "d1", UserID: "u1", SessionID: "s1", Name: "phone"})
		if err := s.TouchDeviceBySession(ctx, "s1", at); err != nil {
			t.Fatalf("TouchDeviceBySession: %v", err)
		}
		got, _ := s.DeviceBySession(ctx, "s1")
		if !got.LastActiveAt.Equal(at) {
			t.Fatalf("LastActiveAt = %v, want %v", got.LastActiveAt, at)
		}
	})

	t.Run("rename device", func(t *testing.T) {
		s := newStore(t)
		_ = s.PutDevice(ctx, store.Device{ID: "d1", UserID: "u1", SessionID: "s1", Name: "old"})

		if _, err := s.UpdateDeviceName(ctx, "s1", ""); !errors.Is(err, store.ErrInvalidName) {
			t.Fatalf("empty name error = %v, want ErrInvalidName", err)
		}
		if _, err := s.UpdateDeviceName(ctx, "nope", "x"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("unknown session error = %v, want ErrNotFound", err)
		}
		d, err := s.UpdateDeviceName(ctx, "s1", "new")
		if err != nil {
			t.Fatalf("UpdateDeviceName: %v", err)
		}
		if d.Name != "new" || d.ID != "d1" {
			t.Fatalf("UpdateDeviceName = %+v", d)
		}
	})

	t.Run("owned device", func(t *testing.T) {
		s := newStore(t)
		_ = s.PutDevice(ctx, store.Device{ID: "d1", UserID: "u1", SessionID: "s1", Name: "pc", Fingerprint: "fp1"})

		d, err := s.OwnedDevice(ctx, "u1", "d1")
		if err != nil || d.SessionID != "s1" || d.Fingerprint != "fp1" {
			t.Fatalf("OwnedDevice = %+v, %v", d, err)
		}
		if _, err := s.OwnedDevice(ctx, "u2", "d1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("foreign owner error = %v, want ErrNotFound", err)
		}
		if _, err := s.OwnedDevice(ctx, "u1", "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("missing device error = %v, want ErrNotFound", err)
		}
	})

	t.Run("rename device by id", func(t *testing.T) {
		s := newStore(t)
		_ = s.PutDevice(ctx, store.Device{ID: "d1", UserID: "u1", SessionID: "s1", Name: "old"})

		if _, err := s.RenameDevice(ctx, "u2", "d1", "stolen"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("foreign rename error = %v, want ErrNotFound", err)
		}
		if _, err := s.RenameDevice(ctx, "u1", "d1", ""); !errors.Is(err, store.ErrInvalidName) {
			t.Fatalf("empty name error = %v, want ErrInvalidName", err)
		}
		d, err := s.RenameDevice(ctx, "u1", "d1", "desk")
		if err != nil || d.Name != "desk" {
			t.Fatalf("RenameDevice = %+v, %v", d, err)
		}
		if got, _ := s.DeviceBySession(ctx, "s1"); got.Name != "desk" {
			t.Fatalf("stored name = %q", got.Name)
		}
	})

	t.Run("delete device", func(t *testing.T) {
		s := newStore(t)
		_ = s.PutDevice(ctx, store.Device{ID: "d1", UserID: "u1", SessionID: "s1"})
		_ = s.PutDevice(ctx, store.Device{ID: "d2", UserID: "u1", SessionID: "s2"})

		if _, err := s.DeleteDevice(ctx, "u2", "d1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("foreign delete error = %v, want ErrNotFound", err)
		}
		d, err := s.DeleteDevice(ctx, "u1", "d1")
		if err != nil || d.SessionID != "s1" {
			t.Fatalf("DeleteDevice = %+v, %v", d, err)
		}
		if _, err := s.DeviceBySession(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("deleted device still bound: %v", err)
		}
		if _, err := s.DeleteDevice(ctx, "u1", "d1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("second delete error = %v, want ErrNotFound", err)
		}
		devices, _ := s.DevicesByUser(ctx, "u1")
		if len(devices) != 1 || devices[0].ID != "d2" {
			t.Fatalf("DevicesByUser after delete = %+v", devices)
		}
	})

	t.Run("devices by user", func(t *testing.T) {
		s := newStore(t)
		_ = s.PutDevice(ctx, store.Device{ID: "d2", UserID: "u1", SessionID: "s2"})
		_ = s.PutDevice(ctx, store.Device{ID: "d1", UserID: "u1", SessionID: "s1"})
		_ = s.PutDevice(ctx, store.Device{ID: "d3", UserID: "u2", SessionID: "s3"})

		devices, err := s.DevicesByUser(ctx, "u1")
		if err != nil {
			t.Fatalf("DevicesByUser: %v", err)
		}
		if len(devices) != 2 || devices[0].ID != "d1" || devices[1].ID != "d2" {
			t.Fatalf("DevicesByUser = %+v", devices)
		}
	})

	t.Run("users", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetUser(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetUser(missing) error = %v", err)
		}
		at := time.UnixMilli(1_700_000_000_000)
		if err := s.TouchUser(ctx, "u1", at); err != nil {
			t.Fatalf("TouchUser: %v", err)
		}
		u, err := s.GetUser(ctx, "u1")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.ID != "u1" || !u.LastActiveAt.Equal(at) {
			t.Fatalf("GetUser = %+v", u)
		}
	})

	t.Run("friends", func(t *testing.T) {
		s := newStore(t)
		_ = s.AddFriendship(ctx, "a", "b")
		_ = s.AddFriendship(ctx, "a", "c")

		ids, _ := s.FriendIDs(ctx, "a")
		if !slices.Equal(ids, []string{"b", "c"}) {
			t.Fatalf("FriendIDs(a) = %v", ids)
		}
		ids, _ = s.FriendIDs(ctx, "b")
		if !slices.Equal(ids, []string{"a"}) {
			t.Fatalf("FriendIDs(b) = %v", ids)
		}

		_ = s.RemoveFriendship(ctx, "b", "a")
		ids, _ = s.FriendIDs(ctx, "a")
		if !slices.Equal(ids, []string{"c"}) {
			t.Fatalf("FriendIDs(a) after remove = %v", ids)
		}
		if ids, _ := s.FriendIDs(ctx, "nobody"); len(ids) != 0 {
			t.Fatalf("FriendIDs(nobody) = %v", ids)
		}
	})

	t.Run("login token is single use", func(t *testing.T) {
		s := newStore(t)
		id := session.Identity{UserID: "u1", SessionID: "s1", UserName: "alice"}
		if err := s.PutLoginToken(ctx, "tok", id, time.Minute); err != nil {
			t.Fatalf("PutLoginToken: %v", err)
		}

		got, err := s.ConsumeLoginToken(ctx, "tok")
		if err != nil {
			t.Fatalf("ConsumeLoginToken: %v", err)
		}
		if got != id {
			t.Fatalf("ConsumeLoginToken = %+v, want %+v", got, id)
		}
		if _, err := s.ConsumeLoginToken(ctx, "tok"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("second consume error = %v, want ErrNotFound", err)
		}
	})

	t.Run("access token", func(t *testing.T) {
		s := newStore(t)
		id := session.Identity{UserID: "u1", SessionID: "s1"}
		_ = s.PutAccessToken(ctx, "bearer", id, time.Minute)

		for range 2 {
			got, err := s.ResolveAccessToken(ctx, "bearer")
			if err != nil || got != id {
				t.Fatalf("ResolveAccessToken = %+v, %v", got, err)
			}
		}
		if _, err := s.ResolveAccessToken(ctx, "other"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("unknown token error = %v", err)
		}
	})

	t.Run("authenticators", func(t *testing.T) {
		s := newStore(t)
		id := session.Identity{UserID: "u1", SessionID: "s1"}
		_ = s.PutLoginToken(ctx, "once", id, time.Minute)

		auth := store.LoginAuthenticator(s)
		if got, err := auth.Authenticate(ctx, "once"); err != nil || got != id {
			t.Fatalf("Authenticate = %+v, %v", got, err)
		}
		if _, err := auth.Authenticate(ctx, "once"); !errors.Is(err, session.ErrUnauthenticated) {
			t.Fatalf("replayed token error = %v, want ErrUnauthenticated", err)
		}
		if _, err := store.AccessAuthenticator(s).Authenticate(ctx, ""); !errors.Is(err, session.ErrUnauthenticated) {
			t.Fatalf("empty bearer error = %v, want ErrUnauthenticated", err)
		}
	})
}
