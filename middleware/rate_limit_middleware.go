package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"sockrpc/message"
)

const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects invocations beyond a token bucket of r per second with burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Payload) *message.Payload {
			if !limiter.Allow() {
				return req.Reply(nil, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
