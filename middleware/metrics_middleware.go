package middleware

import (
	"context"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"amf-rpc/transport"
)

// Metrics
var (
	metricExchangesTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "amfrpc_exchanges_total",
		Help: "Total number of envelope exchanges.",
	}, []string{"service", "outcome"})
	metricExchangeDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Name:    "amfrpc_exchange_seconds",
		Help:    "Duration of envelope exchanges.",
		Buckets: prom.DefBuckets,
	}, []string{"service", "outcome"})
)

func init() {
	prom.MustRegister(metricExchangesTotal, metricExchangeDuration)
}

// MetricsMiddleware counts exchanges and observes their duration, labelled by
// service path and outcome ("success" or "error").
func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			metricExchangesTotal.WithLabelValues(req.ServicePath, outcome).Inc()
			metricExchangeDuration.WithLabelValues(req.ServicePath, outcome).Observe(time.Since(start).Seconds())
			return resp, err
		}
	}
}
