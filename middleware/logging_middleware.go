package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"magiceye/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := call(ctx, next, req)
			fields := []zap.Field{
				zap.String("id", req.ID),
				zap.String("operation", req.Operation),
				zap.Duration("duration", time.Since(start)),
				zap.Int("bytes", len(resp.Data)),
			}
			if resp.Error != "" {
				logger.Warn("request failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Info("request handled", fields...)
			return resp
		}
	}
}
