package middleware

import (
	"context"
	"time"

	"sockrpc/message"
)

// ErrHandlerTimeout is the result error when a handler outlives its deadline.
const ErrHandlerTimeout = "handler timed out"

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Payload) *message.Payload {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Payload, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return req.Reply(nil, ErrHandlerTimeout)
			}
		}
	}
}
