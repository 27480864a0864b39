// Package registry keeps track of running AMF gateways in etcd.
//
// Every gateway instance is one key:
//
//	Key:   /amf-rpc/{Name}/{Addr}
//	Value: JSON-encoded GatewayInstance
//
// Registration uses TTL leases, so a gateway that dies without deregistering
// disappears once its lease expires.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]context.CancelFunc // key → stops its KeepAlive
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to etcd")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]context.CancelFunc)}, nil
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
//
// The lease ID is a local variable: several gateways may share one registry.
func (r *EtcdRegistry) Register(ctx context.Context, name string, instance GatewayInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "granting lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := Key(name, instance.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "putting %s", key)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "starting lease keepalive")
	}

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old()
	}
	r.leases[key] = cancel
	r.mu.Unlock()

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	r.logger.Info("gateway registered", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes a gateway instance and stops renewing its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string, addr string) error {
	key := Key(name, addr)
	r.mu.Lock()
	if cancel, ok := r.leases[key]; ok {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "deleting %s", key)
	}
	r.logger.Info("gateway deregistered", zap.String("key", key))
	return nil
}

// Watch emits the full instance list of name every time one of its keys
// changes. The channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []GatewayInstance {
	ch := make(chan []GatewayInstance, 1)
	prefix := Prefix + name + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch instead of applying individual events.
			instances, err := r.Discover(ctx, name)
			if err != nil {
				r.logger.Warn("rediscovering gateways", zap.String("name", name), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all instances currently registered under name.
func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]GatewayInstance, error) {
	prefix := Prefix + name + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", prefix)
	}

	instances := make([]GatewayInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance GatewayInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed gateway entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops all lease renewals and closes the etcd connection.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.leases {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
