package cmd

import (
	"context"
	"time"
)

// Echo is the demo service the gateway command serves.
type Echo struct{}

// Echo returns its argument.
func (e *Echo) Echo(params any) (any, error) {
	return params, nil
}

// Time returns the gateway's clock.
func (e *Echo) Time(ctx context.Context, params any) (any, error) {
	return time.Now().UTC(), nil
}
