package handler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/protocol"
	"github.com/thiratt/nekoshare-gateway/session"
)

const (
	msgInvalidToken  = "Invalid or expired token"
	msgAuthFailed    = "Authentication failed"
	msgAlreadyAuthed = "Already authenticated"
)

// LoginUser is the success payload of AUTH_LOGIN_RESPONSE.
type LoginUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Auth struct {
	auth session.Authenticator
}

// Login handles AUTH_LOGIN_REQUEST carrying a one-time token. The response is
// u8 ok followed by a message string on failure or the user as JSON on
// success. A failed login closes the connection.
func (a *Auth) Login(ctx context.Context, c *session.Connection, r *protocol.Reader, requestID int32) error {
	token, err := r.ReadString()
	if err != nil {
		return err
	}

	if c.Authenticated() {
		return a.reject(c, requestID, msgAlreadyAuthed, false)
	}

	id, err := a.auth.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrUnauthenticated) {
			c.Logger().Info("login rejected")
			return a.reject(c, requestID, msgInvalidToken, true)
		}
		c.Logger().Error("login failed", zap.Error(err))
		return a.reject(c, requestID, msgAuthFailed, true)
	}

	if err := c.SetAuthenticated(id); err != nil {
		return err
	}
	c.Logger().Info("login accepted", zap.String("user", id.UserID), zap.String("session", id.SessionID))

	return c.SendJSONWith(protocol.AuthLoginResponse, requestID, LoginUser{ID: id.UserID, Name: id.UserName}, func(w *protocol.Writer) {
		w.WriteUint8(1)
	})
}

func (a *Auth) reject(c *session.Connection, requestID int32, msg string, closeConn bool) error {
	err := c.SendPacket(protocol.AuthLoginResponse, requestID, func(w *protocol.Writer) {
		w.WriteUint8(0)
		w.WriteString(msg)
	})
	if closeConn {
		c.Close()
	}
	return err
}

// Logout handles AUTH_LOGOUT by closing the connection after pending writes.
func (a *Auth) Logout(_ context.Context, c *session.Connection, _ *protocol.Reader, _ int32) error {
	c.Logger().Debug("logout")
	c.Close()
	return nil
}
