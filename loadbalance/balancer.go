// Package loadbalance picks the realm a client connects to when a service
// has several registered endpoints.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity endpoints
//   - WeightedRandom:  endpoints with different capacity
//   - ConsistentHash:  requests that should stick to one endpoint per key
package loadbalance

import (
	"errors"

	"structured-channel/registry"
)

var ErrNoEndpoints = errors.New("no endpoints available")

// Balancer selects one endpoint from the current list. Pick is called for
// every new connection and must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name for logging.
	Name() string
}

// KeyBalancer is a Balancer that can route by an affinity key.
type KeyBalancer interface {
	Balancer
	PickByKey(endpoints []registry.Endpoint, key string) (*registry.Endpoint, error)
}

// New returns the balancer for a configured strategy name. Unknown names
// fall back to round robin.
func New(name string) Balancer {
	switch name {
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
