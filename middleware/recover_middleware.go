package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"sockrpc/message"
)

// RecoverMiddleware turns a handler panic into an error result so the
// connection's dispatch loop keeps running.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Payload) (res *message.Payload) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						zap.String("event", req.Event),
						zap.String("id", req.ID),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					res = req.Reply(nil, fmt.Sprintf("handler panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
