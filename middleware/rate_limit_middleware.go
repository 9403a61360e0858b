package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"magiceye/message"
)

// Captures are expensive in the browser; excess requests fail fast instead of queueing.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failure(req.ID, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
