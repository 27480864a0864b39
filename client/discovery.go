package client

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"amf-rpc/loadbalance"
	"amf-rpc/registry"
)

// ResolveEndpoint picks a gateway URL for the application name from reg.
func ResolveEndpoint(ctx context.Context, reg registry.Registry, name string, bal loadbalance.Balancer) (string, error) {
	instances, err := reg.Discover(ctx, name)
	if err != nil {
		return "", errors.Wrapf(err, "discovering gateways for %s", name)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return "", errors.Wrapf(err, "picking gateway for %s with %s", name, bal.Name())
	}
	return inst.Addr, nil
}

// NewDiscoveredClient creates a client on a gateway chosen by bal and keeps
// watching name in reg until Close. When the chosen gateway leaves the
// registry the client moves to a new pick; a ReplaceGatewayUrl header still
// moves it too, after which the registry is no longer followed.
func NewDiscoveredClient(ctx context.Context, reg registry.Registry, name string, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	endpoint, err := ResolveEndpoint(ctx, reg, name, bal)
	if err != nil {
		return nil, err
	}
	c := NewClient(endpoint, opts...)

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.stopWatch = cancel
	c.watchDone = make(chan struct{})
	go c.followGateways(reg.Watch(watchCtx, name), name, endpoint, bal)
	return c, nil
}

func (c *Client) followGateways(updates <-chan []registry.GatewayInstance, name, picked string, bal loadbalance.Balancer) {
	defer close(c.watchDone)
	for instances := range updates {
		if hasGateway(instances, picked) {
			continue
		}
		inst, err := bal.Pick(instances)
		if err != nil {
			c.logger.Warn("gateway left the registry, none to move to",
				zap.String("name", name), zap.String("gateway", picked), zap.Error(err))
			continue
		}
		if !c.swapEndpoint(picked, inst.Addr) {
			// moved elsewhere by a gateway header
			continue
		}
		picked = inst.Addr
	}
}

func hasGateway(instances []registry.GatewayInstance, addr string) bool {
	for _, inst := range instances {
		if inst.Addr == addr {
			return true
		}
	}
	return false
}
