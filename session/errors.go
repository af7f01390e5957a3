package session

import (
	"errors"
	"fmt"

	"github.com/thiratt/nekoshare-gateway/protocol"
)

var (
	ErrDuplicateHandler  = errors.New("handler already registered")
	ErrUnknownPacketType = errors.New("unknown packet type")
	ErrNilHandler        = errors.New("nil handler")
	ErrRouterSealed      = errors.New("router sealed")
	ErrHandlerPanic      = errors.New("handler panic")
)

const (
	msgMalformed = "malformed packet"
	msgInternal  = "internal server error"
	msgUnknown   = "unknown packet type"
)

// ReplyError is a handler failure whose message is safe to put on the wire.
// Anything else a handler returns is reported to the peer as a generic
// internal error.
type ReplyError struct {
	Msg string
	Err error
}

func (e *ReplyError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// Reply returns a ReplyError carrying a formatted public message.
func Reply(format string, args ...any) error {
	return &ReplyError{Msg: fmt.Sprintf(format, args...)}
}

// WrapReply attaches a public message to an internal cause. Only msg reaches the peer.
func WrapReply(err error, msg string) error {
	return &ReplyError{Msg: msg, Err: err}
}

// PublicMessage maps a handler error to the sanitized text sent in ERROR_GENERIC.
func PublicMessage(err error) string {
	var re *ReplyError
	switch {
	case errors.As(err, &re):
		return re.Msg
	case errors.Is(err, protocol.ErrShortBuffer):
		return msgMalformed
	default:
		return msgInternal
	}
}
