// Package middleware wraps the handler dispatch of an endpoint.
//
// A HandlerFunc turns an inbound cmd payload into its result payload. Middlewares
// compose in the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"sockrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Payload) *message.Payload

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
