// Package directory implements the client-side live endpoint cache fed by
// a registry subscription (C7): selection policies (random, CPU-weighted),
// churn handling, and staleness-grace serving when the registry briefly
// reports an empty set.
package directory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/dubbogo/triple/registry"
)

// ErrNoAvailableProvider is returned by Pick when no endpoint can be
// selected: the live set is empty, filtering removed every candidate, and
// either there is no staleness grace window or it has expired.
var ErrNoAvailableProvider = errors.New("triple: no available provider")

// Policy selects one endpoint from a non-empty snapshot.
type Policy interface {
	Pick(snapshot *snapshot) registry.Endpoint
}

// Directory is a live, filtered endpoint cache for one service key.
// Safe for concurrent use; Pick holds the directory's mutex only long
// enough to read the current immutable snapshot, then selects outside it.
type Directory struct {
	reg    registry.Registry
	key    registry.ServiceKey
	policy Policy

	group   string
	version string

	graceWindow time.Duration

	mu           sync.Mutex
	current      *snapshot // live, possibly empty
	lastNonEmpty *snapshot // last snapshot with len > 0, for stale serving
	sub          registry.Subscription
}

// snapshot is an immutable published address set plus any policy-private
// precomputed state (e.g. cumulative weights), so selection never
// recomputes from scratch for every call.
type snapshot struct {
	endpoints []registry.Endpoint
	at        time.Time

	cumWeights []int
	totalWeight int
}

// Option configures a Directory.
type Option interface{ apply(*Directory) }

type optionFunc func(*Directory)

func (f optionFunc) apply(d *Directory) { f(d) }

// WithGroup filters the subscription to endpoints matching group.
func WithGroup(group string) Option { return optionFunc(func(d *Directory) { d.group = group }) }

// WithVersion filters the subscription to endpoints matching version.
func WithVersion(version string) Option {
	return optionFunc(func(d *Directory) { d.version = version })
}

// WithPolicy sets the selection policy; default is Random.
func WithPolicy(p Policy) Option { return optionFunc(func(d *Directory) { d.policy = p }) }

// WithStaleGraceWindow overrides the default 30s staleness grace window.
// Zero disables stale serving: an empty live set fails selection
// immediately.
func WithStaleGraceWindow(d time.Duration) Option {
	return optionFunc(func(dir *Directory) { dir.graceWindow = d })
}

// New subscribes to reg for key and starts maintaining a live endpoint
// snapshot. The subscription persists until Close is called.
func New(ctx context.Context, reg registry.Registry, key registry.ServiceKey, opts ...Option) (*Directory, error) {
	d := &Directory{
		reg:         reg,
		key:         key,
		policy:      Random{},
		graceWindow: 30 * time.Second,
	}
	for _, o := range opts {
		o.apply(d)
	}
	sub, err := reg.Subscribe(ctx, key, d.onSnapshot)
	if err != nil {
		return nil, err
	}
	d.sub = sub
	return d, nil
}

func (d *Directory) onSnapshot(endpoints []registry.Endpoint) {
	filtered := make([]registry.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if d.group != "" && e.Group != d.group {
			continue
		}
		if d.version != "" && e.Version != d.version {
			continue
		}
		filtered = append(filtered, e)
	}
	snap := buildSnapshot(filtered)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = snap
	if len(filtered) > 0 {
		d.lastNonEmpty = snap
	}
}

func buildSnapshot(endpoints []registry.Endpoint) *snapshot {
	s := &snapshot{endpoints: endpoints, at: time.Now()}
	s.cumWeights = make([]int, len(endpoints))
	total := 0
	for i, e := range endpoints {
		w := e.Weight
		if w <= 0 {
			w = weightFromCPU(e.CPU)
		}
		total += w
		s.cumWeights[i] = total
	}
	s.totalWeight = total
	return s
}

func weightFromCPU(cpu int) int {
	w := 100 - cpu
	if w < 1 {
		w = 1
	}
	return w
}

// Pick selects one endpoint using the configured policy, applying the
// staleness-grace fallback described in the spec: an empty live set is
// served from the last known non-empty snapshot if it is within the
// grace window, otherwise Pick fails with ErrNoAvailableProvider.
func (d *Directory) Pick() (registry.Endpoint, error) {
	d.mu.Lock()
	snap := d.current
	if snap == nil || len(snap.endpoints) == 0 {
		if d.lastNonEmpty != nil && d.graceWindow > 0 && time.Since(d.lastNonEmpty.at) < d.graceWindow {
			snap = d.lastNonEmpty
		} else {
			d.mu.Unlock()
			return registry.Endpoint{}, ErrNoAvailableProvider
		}
	}
	d.mu.Unlock()

	if len(snap.endpoints) == 0 {
		return registry.Endpoint{}, ErrNoAvailableProvider
	}
	return d.policy.Pick(snap), nil
}

// Close unsubscribes from the registry. It does not touch any in-flight
// calls bound to endpoints this Directory previously returned - per the
// spec's churn semantics, removed endpoints are never force-reset, only
// no longer selectable.
func (d *Directory) Close() error {
	if d.sub == nil {
		return nil
	}
	return d.reg.Unsubscribe(context.Background(), d.sub)
}

// Random is the default selection policy: uniform pick over the current
// non-empty snapshot.
type Random struct{}

func (Random) Pick(s *snapshot) registry.Endpoint {
	return s.endpoints[rand.Intn(len(s.endpoints))]
}

// CPUWeighted selects endpoints with probability proportional to their
// weight: the endpoint's explicit Weight when it is positive, otherwise
// max(1, 100-cpu). Total weight and the cumulative-weight table are
// precomputed once per refresh (in buildSnapshot), so Pick itself is a
// single binary-search-free linear scan over a typically small list.
type CPUWeighted struct{}

func (CPUWeighted) Pick(s *snapshot) registry.Endpoint {
	if s.totalWeight <= 0 {
		return s.endpoints[rand.Intn(len(s.endpoints))]
	}
	target := rand.Intn(s.totalWeight) + 1
	for i, cum := range s.cumWeights {
		if target <= cum {
			return s.endpoints[i]
		}
	}
	return s.endpoints[len(s.endpoints)-1]
}
