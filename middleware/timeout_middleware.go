package middleware

import (
	"context"
	"time"

	"magiceye/message"
)

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				if ctx.Err() == context.Canceled {
					return message.Failure(req.ID, "request cancelled: connection closed")
				}
				return message.Failure(req.ID, "request timed out")
			}
		}
	}
}
