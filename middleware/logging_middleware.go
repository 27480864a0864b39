package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"amf-rpc/transport"
)

// LoggingMiddleware logs every exchange: failures at error level, successes
// at debug level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				logger.Error("exchange failed",
					zap.String("service", req.ServicePath),
					zap.String("url", req.URL),
					zap.Duration("duration", duration),
					zap.NamedError("err", err))
				return resp, err
			}
			logger.Debug("exchange",
				zap.String("service", req.ServicePath),
				zap.String("url", req.URL),
				zap.Duration("duration", duration),
				zap.Int("request_bytes", len(req.Body)),
				zap.Int("response_bytes", len(resp)))
			return resp, nil
		}
	}
}
