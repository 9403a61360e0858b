package middleware

import (
	"context"

	"go.uber.org/zap"

	"magiceye/message"
)

// RecoverMiddleware turns a handler panic into a failed response so one bad
// capture cannot take the agent's connection down.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic", zap.String("operation", req.Operation), zap.Any("panic", r))
					resp = message.Failure(req.ID, "internal error: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
