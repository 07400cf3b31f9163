package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sockrpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Payload) *message.Payload {
			start := time.Now()
			res := next(ctx, req)
			fields := []zap.Field{
				zap.String("event", req.Event),
				zap.String("id", req.ID),
				zap.String("from", req.From),
				zap.Duration("duration", time.Since(start)),
			}
			if res != nil && res.Error != "" {
				logger.Warn("handler failed", append(fields, zap.String("error", res.Error))...)
				return res
			}
			logger.Debug("handled", fields...)
			return res
		}
	}
}
