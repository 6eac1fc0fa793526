// Package registry defines the pluggable service-registry abstraction:
// register/unregister an endpoint, subscribe/unsubscribe to the live
// address list for a service key. github.com/dubbogo/triple/registry/zookeeper
// is the reference implementation; Static is an in-memory one for tests
// and fixed-endpoint deployments.
package registry

import (
	"context"
	"fmt"
)

// ServiceKey identifies a remote service for registration and discovery.
// Serialized canonically via String for use as a map key. Registry paths
// (e.g. Zookeeper's "/dubbo/<interface>/providers") use Interface alone.
type ServiceKey struct {
	Interface string
	Group     string
	Version   string
}

func (k ServiceKey) String() string {
	s := k.Interface
	if k.Group != "" {
		s += "?group=" + k.Group
	}
	if k.Version != "" {
		if k.Group == "" {
			s += "?version=" + k.Version
		} else {
			s += "&version=" + k.Version
		}
	}
	return s
}

// Endpoint is a registered service address plus routing/load-balancing
// metadata. Instances are value-typed; the Directory keys a set by
// HostPort.
type Endpoint struct {
	Host string
	Port int

	Group   string
	Version string
	// Weight is an explicit static weight; 0 means "derive from CPU".
	Weight int
	// CPU is a load signal in [0,100] used by the CPU-weighted policy:
	// effective weight = max(1, 100-CPU).
	CPU int
}

// HostPort returns "host:port", the Directory's identity key for an
// endpoint.
func (e Endpoint) HostPort() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Lease is the handle returned by Register; pass it to Unregister to
// remove the endpoint. Implementations may use it to track the
// ephemeral node (or equivalent) backing the registration, so it can be
// recreated after a session loss.
type Lease interface {
	// Key is the ServiceKey the lease was registered under.
	Key() ServiceKey
	// Endpoint is the registered address.
	Endpoint() Endpoint
}

// Listener receives the full current address set on every change. The
// slice is a snapshot, not a delta; implementations must not mutate it
// after delivery.
type Listener func(endpoints []Endpoint)

// Subscription is returned by Subscribe; pass it to Unsubscribe to stop
// receiving updates.
type Subscription interface {
	Key() ServiceKey
}

// Registry is the pluggable service-registry interface. Implementations
// must be safe for concurrent use.
type Registry interface {
	// Register publishes endpoint under key, returning a lease that must
	// be passed to Unregister to remove it. Blocks until the registration
	// is durable (e.g. the znode is created).
	Register(ctx context.Context, key ServiceKey, endpoint Endpoint) (Lease, error)
	// Unregister removes a previously registered endpoint.
	Unregister(ctx context.Context, lease Lease) error
	// Subscribe registers listener to be invoked with the full address
	// set for key, once immediately with the current set and again on
	// every subsequent change.
	Subscribe(ctx context.Context, key ServiceKey, listener Listener) (Subscription, error)
	// Unsubscribe stops delivering updates for a prior Subscribe call.
	Unsubscribe(ctx context.Context, sub Subscription) error
	// Close releases any resources (connections, background goroutines)
	// held by the registry.
	Close() error
}
