package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"amf-rpc/transport"
)

// ErrTimeout is returned when an exchange does not finish in time.
var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware bounds each exchange by req.Timeout, or by timeout when
// the request carries none. A non-positive limit disables the bound.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) ([]byte, error) {
			limit := timeout
			if req.Timeout > 0 {
				limit = req.Timeout
			}
			if limit <= 0 {
				return next(ctx, req)
			}

			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()

			type result struct {
				data []byte
				err  error
			}
			done := make(chan result, 1)
			go func() {
				data, err := next(ctx, req)
				done <- result{data, err}
			}()

			select {
			case r := <-done:
				if r.err != nil && ctx.Err() == context.DeadlineExceeded {
					return nil, errors.Wrapf(ErrTimeout, "%s after %s", req.URL, limit)
				}
				return r.data, r.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, errors.Wrapf(ErrTimeout, "%s after %s", req.URL, limit)
				}
				return nil, ctx.Err()
			}
		}
	}
}
