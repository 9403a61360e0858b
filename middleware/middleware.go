// Package middleware wraps the capture agent's request handler.
//
// Chain builds the onion once at startup:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"magiceye/message"
)

// HandlerFunc answers one bridge request. It always returns a response;
// failures travel as Success=false with an error string.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// call runs next and turns a nil response into a failure, so middlewares
// never see nil.
func call(ctx context.Context, next HandlerFunc, req *message.Request) *message.Response {
	if resp := next(ctx, req); resp != nil {
		return resp
	}
	return message.Failure(req.ID, "no response for %s", req.Operation)
}
