package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"structured-channel/registry"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring, so the same
// key keeps reaching the same endpoint while the endpoint set is stable.
// Each endpoint owns replicas virtual nodes, hashed from "{addr}#{i}".
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                     // Sorted hash values on the ring
	nodes map[uint32]registry.Endpoint // Hash value → endpoint
	set   string                       // Addresses the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

// Add places an endpoint on the ring.
func (b *ConsistentHashBalancer) Add(ep registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(ep)
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) add(ep registry.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
		if _, ok := b.nodes[hash]; !ok {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = ep
	}
}

// Lookup finds the endpoint responsible for key: the first node clockwise
// from the key's hash, wrapping around past the end of the ring.
func (b *ConsistentHashBalancer) Lookup(key string) (*registry.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

// PickByKey rebuilds the ring when the endpoint set changed, then looks up key.
func (b *ConsistentHashBalancer) PickByKey(endpoints []registry.Endpoint, key string) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	sort.Strings(addrs)
	set := strings.Join(addrs, ",")

	b.mu.Lock()
	if set != b.set {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]registry.Endpoint)
		for _, ep := range endpoints {
			b.add(ep)
		}
		sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
		b.set = set
	}
	b.mu.Unlock()
	return b.Lookup(key)
}

// Pick routes without a key, which always lands on the same endpoint.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	return b.PickByKey(endpoints, "")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
