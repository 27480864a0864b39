package client

import (
	"time"

	"go.uber.org/zap"

	"amf-rpc/message"
	"amf-rpc/middleware"
	"amf-rpc/transport"
)

// DefaultTimeout bounds a call when neither WithTimeout nor WithCallTimeout
// says otherwise.
const DefaultTimeout = 60 * time.Second

type Option func(*Client)

// WithTransport replaces the default net/http transport.
func WithTransport(t transport.Transport) Option {
	return func(c *Client) {
		c.transport = t
		c.ownsTransport = false
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEncoding sets the initial encoding; see SetEncoding.
func WithEncoding(enc message.Encoding) Option {
	return func(c *Client) {
		c.sess.encoding = enc
	}
}

// WithTimeout sets the default per-call timeout. Zero or less disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMiddleware wraps every exchange. Middlewares run in the order given,
// outside the timeout.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) {
		c.middlewares = append(c.middlewares, mws...)
	}
}

type callOptions struct {
	timeout time.Duration
}

type CallOption func(*callOptions)

// WithCallTimeout overrides the client's timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}
