package channel

import (
	"errors"
	"fmt"
	"strings"

	"structured-channel/message"
)

var (
	// ErrInvalidArgument is returned for a missing target, an empty request
	// type or a nil handler.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOriginMismatch is returned by ConnectTo when the target window's
	// origin differs from the requested one, or when the peer refused the
	// connection because of the origin it presented.
	ErrOriginMismatch = errors.New("target origin mismatch")

	// ErrDuplicateHandler is returned when registering a second handler for
	// the same request type.
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrUnserializableRequest is returned when a request could not be
	// handed to the port, usually because its payload is not cloneable.
	ErrUnserializableRequest = errors.New("request could not be serialized")

	// ErrChannelClosed fails every call still pending when the channel closes.
	ErrChannelClosed = errors.New("channel is closed")

	// Error values carried in replies. Their text is part of the wire format.
	ErrUnhandledRequestType = errors.New("Unhandled message") //nolint:staticcheck
	ErrReplyFailed          = errors.New("Reply failed")      //nolint:staticcheck
)

// RemoteError is a failure reported by the peer. Value is the error field of
// the reply, exactly as it arrived.
//
// A handler may also return a *RemoteError to control the error value sent to
// the peer; Value is then forwarded unchanged.
type RemoteError struct {
	Value any
}

func (e *RemoteError) Error() string {
	switch v := e.Value.(type) {
	case string:
		return v
	case map[string]any:
		if msg, ok := v["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprint(e.Value)
}

// Is lets errors.Is match the protocol errors the peer may send back.
func (e *RemoteError) Is(target error) bool {
	s, ok := e.Value.(string)
	if !ok {
		return false
	}
	switch target {
	case ErrUnhandledRequestType:
		return strings.HasPrefix(s, ErrUnhandledRequestType.Error()+" ")
	case ErrReplyFailed:
		return s == ErrReplyFailed.Error()
	}
	return false
}

// errorValue turns a handler failure into the value placed in the reply.
// The value is always truthy so the peer never reads a failure as success.
func errorValue(err error) any {
	var remote *RemoteError
	if errors.As(err, &remote) {
		if message.Truthy(remote.Value) {
			return remote.Value
		}
		return message.UnknownError
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}
