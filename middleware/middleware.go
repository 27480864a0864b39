// Package middleware wraps the HTTP exchange of a call, on the client around
// the transport and on the gateway around the dispatcher.
//
// Chain(A, B, C)(h) builds A(B(C(h))):
//
//	A.before → B.before → C.before → h → C.after → B.after → A.after
package middleware

import (
	"context"

	"amf-rpc/transport"
)

type HandlerFunc func(ctx context.Context, req *transport.Request) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// FromTransport turns a Transport into the innermost handler of a chain.
func FromTransport(t transport.Transport) HandlerFunc {
	return t.Exchange
}
