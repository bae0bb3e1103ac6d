// Package addresspool resolves and refreshes the set of DRM server endpoints.
//
// Dynamic discovery goes through etcd, which servers use as a "distributed phonebook":
//
//	Key:   {prefix}/{host:port}
//	Value: JSON-encoded Endpoint
//
// Servers register with a TTL lease: if a server crashes, the lease expires and the entry is
// removed, so clients never fail over to a ghost endpoint. When etcd is unreachable the pool
// falls back to a REST endpoint list (HTTPDiscoverer) or a static list.
package addresspool

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix DRM servers register under.
const DefaultPrefix = "/drm/servers"

// EtcdDiscoverer implements Discoverer and Watcher on top of etcd v3.
type EtcdDiscoverer struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger
}

// NewEtcdDiscoverer connects to the given etcd endpoints.
func NewEtcdDiscoverer(endpoints []string, prefix string, logger *zap.Logger) (*EtcdDiscoverer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdDiscoverer{client: c, prefix: strings.TrimRight(prefix, "/") + "/", logger: logger}, nil
}

// Register announces ep with a TTL lease and keeps the lease alive until ctx is done.
//
// leaseID stays a local variable so one discoverer can announce several endpoints
// concurrently.
func (d *EtcdDiscoverer) Register(ctx context.Context, ep Endpoint, ttl int64) error {
	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	_, err = d.client.Put(ctx, d.prefix+ep.Addr(), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes ep.
func (d *EtcdDiscoverer) Deregister(ctx context.Context, ep Endpoint) error {
	_, err := d.client.Delete(ctx, d.prefix+ep.Addr())
	return err
}

// Discover returns all currently registered endpoints.
func (d *EtcdDiscoverer) Discover(ctx context.Context) ([]Endpoint, error) {
	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			d.logger.Warn("skip malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		ep.Healthy = true
		endpoints = append(endpoints, ep)
	}

	return endpoints, nil
}

// Watch emits the full endpoint list whenever anything under the prefix changes.
// The channel is closed when ctx is done.
func (d *EtcdDiscoverer) Watch(ctx context.Context) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := d.client.Watch(ctx, d.prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the whole list instead of applying individual events
			endpoints, err := d.Discover(ctx)
			if err != nil {
				d.logger.Warn("etcd rediscover failed", zap.Error(err))
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close releases the etcd connection.
func (d *EtcdDiscoverer) Close() error {
	return d.client.Close()
}
