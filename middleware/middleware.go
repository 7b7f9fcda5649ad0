// Package middleware wraps channel request handlers.
//
// A HandlerFunc receives the whole request envelope and returns the outcome
// that becomes the reply. Middlewares compose as an onion:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"
	"errors"
	"fmt"

	"structured-channel/message"
)

type HandlerFunc func(ctx context.Context, req *message.Envelope) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, the first being outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// PanicError converts a recovered panic value into an error. Errors, strings
// and Stringers keep their text; anything else becomes message.UnknownError.
func PanicError(r any) error {
	switch v := r.(type) {
	case error:
		return v
	case string:
		if v != "" {
			return errors.New(v)
		}
	case fmt.Stringer:
		return errors.New(v.String())
	}
	return errors.New(message.UnknownError)
}
