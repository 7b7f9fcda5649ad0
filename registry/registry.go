// Package registry records which realms serve a service so clients can find
// them.
package registry

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
)

var ErrInvalidEndpoint = errors.New("endpoint needs an address")

// Endpoint is one listening realm.
type Endpoint struct {
	ID      string `json:"id"`      // ulid, unique per registration
	Addr    string `json:"addr"`    // Dial address of the realm
	Origin  string `json:"origin"`  // Origin the realm answers to
	Weight  int    `json:"weight"`  // Weight for load balancing
	Version string `json:"version"`
}

// NewEndpoint fills in a fresh ID.
func NewEndpoint(addr, origin string, weight int, version string) Endpoint {
	return Endpoint{
		ID:      ulid.Make().String(),
		Addr:    addr,
		Origin:  origin,
		Weight:  weight,
		Version: version,
	}
}

type Registry interface {
	// Register publishes ep under service. The entry disappears on its own
	// if the process stops renewing it for ttl seconds.
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list on every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
