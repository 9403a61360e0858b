package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"magiceye/message"
)

// RetryMiddleware re-runs a handler whose failure looks transient, backing off
// exponentially. It stops early when ctx ends.
func RetryMiddleware(logger *zap.Logger, maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := call(ctx, next, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Success || !retryable(resp.Error) {
					return resp
				}
				logger.Debug("retrying request",
					zap.Int("attempt", i+1), zap.String("operation", req.Operation), zap.String("error", resp.Error))
				select {
				case <-ctx.Done():
					return resp
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				resp = call(ctx, next, req)
			}
			return resp
		}
	}
}

func retryable(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"timeout", "target closed", "navigation", "no active tab"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
