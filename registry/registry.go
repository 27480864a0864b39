package registry

import "context"

// Prefix is the etcd key space gateways are registered under.
const Prefix = "/amf-rpc/"

// GatewayInstance is one AMF gateway serving a named application.
type GatewayInstance struct {
	Addr    string `json:"addr"` // gateway URL, e.g. "http://10.0.0.3:8080/gateway"
	Weight  int    `json:"weight"`
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, name string, instance GatewayInstance, ttl int64) error
	Deregister(ctx context.Context, name string, addr string) error
	Discover(ctx context.Context, name string) ([]GatewayInstance, error)
	Watch(ctx context.Context, name string) <-chan []GatewayInstance
}

// Key returns the etcd key of one gateway instance.
func Key(name, addr string) string {
	return Prefix + name + "/" + addr
}
