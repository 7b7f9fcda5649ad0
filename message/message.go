// Package message defines the envelope exchanged over a channel port.
//
// Envelope is the unit every request and every reply travels in. Ports deliver
// structured values rather than Go structs, so the receiving side rebuilds an
// Envelope from whatever generic value arrived with Parse.
//
//   - On request: ID and Type are set, Payload carries the argument.
//   - On reply:   Type is ReplyType, ID echoes the request, Result or Error is set.
package message

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Reserved protocol constants. They are the only fixed content of the wire
// format and must match every peer bit for bit.
const (
	ReplyType = "X-StructuredChannel-internal-reply"
	HelloType = "X-StructuredChannel-internal-hello"
	AnyOrigin = "*"

	// UnknownError is sent in place of a failure that has no usable value.
	UnknownError = "Unknown error"
)

// ErrMalformedEnvelope is returned by Parse for values that cannot be
// correlated: missing id or a missing/blank type.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope carries the data for a single request or reply.
type Envelope struct {
	ID      uint64 `json:"id"`                // Unique per sender, starts at 0
	Type    string `json:"type"`              // ReplyType or an application request type
	Payload any    `json:"payload,omitempty"` // Request argument
	Result  any    `json:"result,omitempty"`  // Reply value on success
	Error   any    `json:"error,omitempty"`   // Reply value on failure, only counts when truthy
}

// NewRequest builds a request envelope.
func NewRequest(id uint64, typ string, payload any) *Envelope {
	return &Envelope{ID: id, Type: typ, Payload: payload}
}

// NewReply builds a successful reply to request id.
func NewReply(id uint64, result any) *Envelope {
	return &Envelope{ID: id, Type: ReplyType, Result: result}
}

// NewErrorReply builds a failed reply to request id.
func NewErrorReply(id uint64, errValue any) *Envelope {
	return &Envelope{ID: id, Type: ReplyType, Error: errValue}
}

// IsReply reports whether the envelope answers an earlier request.
func (e *Envelope) IsReply() bool {
	return e.Type == ReplyType
}

// Failed reports whether a reply carries an error. Falsy error values
// (false, 0, "") are treated as absent.
func (e *Envelope) Failed() bool {
	return Truthy(e.Error)
}

// Map returns the envelope as a generic structured value, the shape the
// transport delivers to the other side.
func (e *Envelope) Map() map[string]any {
	m := map[string]any{
		"id":   e.ID,
		"type": e.Type,
	}
	if e.Payload != nil {
		m["payload"] = e.Payload
	}
	if e.Result != nil {
		m["result"] = e.Result
	}
	if e.Error != nil {
		m["error"] = e.Error
	}
	return m
}

// Parse rebuilds an Envelope from a delivered value. Accepted inputs are
// *Envelope, Envelope and map[string]any (the generic form produced by
// cloning or decoding).
func Parse(v any) (*Envelope, error) {
	switch m := v.(type) {
	case *Envelope:
		if m == nil {
			return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
		}
		return checkType(m)
	case Envelope:
		return checkType(&m)
	case map[string]any:
		raw, ok := m["id"]
		if !ok || raw == nil {
			return nil, fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
		}
		id, err := toID(raw)
		if err != nil {
			return nil, err
		}
		typ, _ := m["type"].(string)
		return checkType(&Envelope{
			ID:      id,
			Type:    typ,
			Payload: m["payload"],
			Result:  m["result"],
			Error:   m["error"],
		})
	default:
		return nil, fmt.Errorf("%w: unexpected value of type %T", ErrMalformedEnvelope, v)
	}
}

func checkType(e *Envelope) (*Envelope, error) {
	if strings.TrimSpace(e.Type) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return e, nil
}

func toID(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case int:
		if n >= 0 {
			return uint64(n), nil
		}
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	case int32:
		if n >= 0 {
			return uint64(n), nil
		}
	case float64:
		if n >= 0 && n == math.Trunc(n) && n < 1<<63 {
			return uint64(n), nil
		}
	}
	return 0, fmt.Errorf("%w: invalid id %v", ErrMalformedEnvelope, v)
}

// Truthy mirrors the loose truthiness used for the error field: nil, false,
// zero numbers, NaN and the empty string are falsy, everything else is truthy.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0 && !math.IsNaN(x)
	case float32:
		return x != 0 && !math.IsNaN(float64(x))
	case int:
		return x != 0
	case int64:
		return x != 0
	case int32:
		return x != 0
	case uint64:
		return x != 0
	case uint32:
		return x != 0
	case uint:
		return x != 0
	}
	return true
}
