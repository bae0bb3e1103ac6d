package loadbalance

import (
	"drm-client/addresspool"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps a fixed key (the client's instance id) onto a hash ring of
// endpoints. The same client lands on the same server until the endpoint set changes, and a
// set change only moves the clients whose arc was affected.
//
// Each endpoint is placed on the ring as replicas virtual nodes so a handful of servers still
// spread evenly.
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	ring  []uint32                        // Sorted hash values on the ring
	nodes map[uint32]addresspool.Endpoint // Hash value → endpoint
	sig   string                          // Address list the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]addresspool.Endpoint),
	}
}

// build rebuilds the ring when the endpoint set differs from the last one.
func (b *ConsistentHashBalancer) build(endpoints []addresspool.Endpoint) {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr()
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.sig {
		return
	}

	b.sig = sig
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, ep := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr(), i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the endpoint owning the balancer's key: the first virtual node clockwise
// from hash(key), wrapping around at the end of the ring.
func (b *ConsistentHashBalancer) Pick(endpoints []addresspool.Endpoint) (*addresspool.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.build(endpoints)
	hash := crc32.ChecksumIEEE([]byte(b.key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
