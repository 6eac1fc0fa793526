package registry

import (
	"context"
	"fmt"
	"sync"
)

// Static is a fixed, in-memory Registry: Register/Unregister mutate an
// in-process map and fan out snapshots to subscribers immediately, with
// no network I/O. It exists for tests and for deployments that don't need
// dynamic discovery, per the design note that the registry's use is
// factored behind an interface specifically so the core is testable
// without Zookeeper.
type Static struct {
	mu        sync.Mutex
	endpoints map[string]map[string]Endpoint // key.String() -> hostport -> endpoint
	listeners map[string]map[*staticSub]Listener
	nextSub   int
}

// NewStatic constructs an empty Static registry.
func NewStatic() *Static {
	return &Static{
		endpoints: make(map[string]map[string]Endpoint),
		listeners: make(map[string]map[*staticSub]Listener),
	}
}

type staticLease struct {
	key Endpoint
	svc ServiceKey
}

func (l *staticLease) Key() ServiceKey   { return l.svc }
func (l *staticLease) Endpoint() Endpoint { return l.key }

type staticSub struct {
	key ServiceKey
}

func (s *staticSub) Key() ServiceKey { return s.key }

func (r *Static) Register(_ context.Context, key ServiceKey, endpoint Endpoint) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key.String()
	if r.endpoints[k] == nil {
		r.endpoints[k] = make(map[string]Endpoint)
	}
	r.endpoints[k][endpoint.HostPort()] = endpoint
	r.notifyLocked(key)
	return &staticLease{key: endpoint, svc: key}, nil
}

func (r *Static) Unregister(_ context.Context, lease Lease) error {
	sl, ok := lease.(*staticLease)
	if !ok {
		return fmt.Errorf("registry: lease not issued by Static")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := sl.svc.String()
	delete(r.endpoints[k], sl.key.HostPort())
	r.notifyLocked(sl.svc)
	return nil
}

func (r *Static) Subscribe(_ context.Context, key ServiceKey, listener Listener) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key.String()
	if r.listeners[k] == nil {
		r.listeners[k] = make(map[*staticSub]Listener)
	}
	sub := &staticSub{key: key}
	r.listeners[k][sub] = listener
	listener(r.snapshotLocked(key))
	return sub, nil
}

func (r *Static) Unsubscribe(_ context.Context, sub Subscription) error {
	s, ok := sub.(*staticSub)
	if !ok {
		return fmt.Errorf("registry: subscription not issued by Static")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners[s.key.String()], s)
	return nil
}

func (r *Static) Close() error { return nil }

func (r *Static) snapshotLocked(key ServiceKey) []Endpoint {
	m := r.endpoints[key.String()]
	out := make([]Endpoint, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

func (r *Static) notifyLocked(key ServiceKey) {
	snap := r.snapshotLocked(key)
	for _, l := range r.listeners[key.String()] {
		l(snap)
	}
}
