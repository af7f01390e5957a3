package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Transport is the physical transport of a connection.
type Transport string

const (
	TransportTCP Transport = "TCP"
	TransportWS  Transport = "WebSocket"
)

func (t Transport) String() string {
	return string(t)
}

// prefix is used for connection ids.
func (t Transport) prefix() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportWS:
		return "ws"
	default:
		return "conn"
	}
}

// GenerateConnectionID returns a process unique connection id such as "tcp-<uuid>".
func GenerateConnectionID(t Transport) string {
	return t.prefix() + "-" + uuid.NewString()
}

// Identity is the authenticated principal bound to a connection. UserID and
// SessionID are issued by the HTTP auth layer; DeviceID is optional.
type Identity struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId,omitempty"`
}

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves an opaque credential (one-time token, bearer token)
// into an Identity. It returns ErrUnauthenticated when the credential is
// unknown or expired.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, credential string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

type identityKey struct{}

// ContextWithIdentity returns a context carrying id, set by HTTP auth
// middleware before the websocket upgrade.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}
