// Package store defines the persistence the gateway needs from the account
// service: devices keyed by auth session, users, friendships and the tokens
// devices present when they connect.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/thiratt/nekoshare-gateway/session"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidName rejects empty or oversized device names.
	ErrInvalidName = errors.New("store: invalid device name")
)

// MaxDeviceNameLength bounds DeviceStore.UpdateDeviceName.
const MaxDeviceNameLength = 64

type (
	Device struct {
		ID           string    `json:"id"`
		UserID       string    `json:"userId"`
		SessionID    string    `json:"sessionId"`
		Name         string    `json:"name"`
		Platform     string    `json:"platform,omitempty"`
		Fingerprint  string    `json:"fingerprint,omitempty"`
		LastActiveAt time.Time `json:"lastActiveAt"`
	}

	User struct {
		ID           string    `json:"id"`
		Name         string    `json:"name"`
		LastActiveAt time.Time `json:"lastActiveAt"`
	}

	DeviceStore interface {
		PutDevice(ctx context.Context, d Device) error
		// DeviceBySession returns ErrNotFound when no device owns the session.
		DeviceBySession(ctx context.Context, sessionID string) (Device, error)
		TouchDeviceBySession(ctx context.Context, sessionID string, at time.Time) error
		UpdateDeviceName(ctx context.Context, sessionID, name string) (Device, error)
		DevicesByUser(ctx context.Context, userID string) ([]Device, error)
		// OwnedDevice returns ErrNotFound when the device does not exist or
		// belongs to another user.
		OwnedDevice(ctx context.Context, userID, deviceID string) (Device, error)
		RenameDevice(ctx context.Context, userID, deviceID, name string) (Device, error)
		// DeleteDevice removes the device and its session binding and returns
		// the removed record.
		DeleteDevice(ctx context.Context, userID, deviceID string) (Device, error)
	}

	UserStore interface {
		PutUser(ctx context.Context, u User) error
		GetUser(ctx context.Context, userID string) (User, error)
		TouchUser(ctx context.Context, userID string, at time.Time) error
	}

	FriendStore interface {
		AddFriendship(ctx context.Context, a, b string) error
		RemoveFriendship(ctx context.Context, a, b string) error
		FriendIDs(ctx context.Context, userID string) ([]string, error)
	}

	// TokenStore holds the credentials minted by the HTTP auth service.
	// Login tokens are single use and authenticate TCP sockets; access tokens
	// authenticate websocket upgrades until they expire.
	TokenStore interface {
		PutLoginToken(ctx context.Context, token string, id session.Identity, ttl time.Duration) error
		ConsumeLoginToken(ctx context.Context, token string) (session.Identity, error)
		PutAccessToken(ctx context.Context, token string, id session.Identity, ttl time.Duration) error
		ResolveAccessToken(ctx context.Context, token string) (session.Identity, error)
	}

	Store interface {
		DeviceStore
		UserStore
		FriendStore
		TokenStore
		Close() error
	}
)

// ValidateDeviceName checks the length bounds of a device name.
func ValidateDeviceName(name string) error {
	if name == "" || len(name) > MaxDeviceNameLength {
		return ErrInvalidName
	}
	return nil
}

// LoginAuthenticator consumes one-time login tokens.
func LoginAuthenticator(s TokenStore) session.Authenticator {
	return session.AuthenticatorFunc(func(ctx context.Context, token string) (session.Identity, error) {
		if token == "" {
			return session.Identity{}, session.ErrUnauthenticated
		}
		id, err := s.ConsumeLoginToken(ctx, token)
		if errors.Is(err, ErrNotFound) {
			return session.Identity{}, session.ErrUnauthenticated
		}
		return id, err
	})
}

// AccessAuthenticator resolves bearer access tokens.
func AccessAuthenticator(s TokenStore) session.Authenticator {
	return session.AuthenticatorFunc(func(ctx context.Context, token string) (session.Identity, error) {
		if token == "" {
			return session.Identity{}, session.ErrUnauthenticated
		}
		id, err := s.ResolveAccessToken(ctx, token)
		if errors.Is(err, ErrNotFound) {
			return session.Identity{}, session.ErrUnauthenticated
		}
		return id, err
	})
}
