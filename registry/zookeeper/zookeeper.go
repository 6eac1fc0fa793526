// Package zookeeper is the reference Registry implementation, backed by
// github.com/go-zookeeper/zk. Endpoints are published as ephemeral znodes
// under /dubbo/<interface>/providers, named after the URL-encoded
// endpoint address; address-set changes are observed via children
// watches, and session expiry triggers re-creation of local leases plus
// re-subscription of all watches.
package zookeeper

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/dubbogo/triple/registry"
)

const rootPath = "/dubbo"

// Registry is a Zookeeper-backed registry.Registry.
type Registry struct {
	conn   *zk.Conn
	events <-chan zk.Event

	mu     sync.Mutex
	leases map[*lease]struct{}
	subs   map[*subscription]struct{}
	closed bool
	done   chan struct{}
}

// Connect dials the Zookeeper ensemble given as a comma-separated
// host:port list (split on commas and handed to the client as its server
// list, unmodified otherwise) and starts the session-watch goroutine.
func Connect(hosts string, sessionTimeout time.Duration) (*Registry, error) {
	servers := strings.Split(hosts, ",")
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("triple/registry/zookeeper: connect: %w", err)
	}
	r := &Registry{
		conn:   conn,
		events: events,
		leases: make(map[*lease]struct{}),
		subs:   make(map[*subscription]struct{}),
		done:   make(chan struct{}),
	}
	go r.watchSession()
	return r, nil
}

type lease struct {
	key  registry.ServiceKey
	ep   registry.Endpoint
	path string
}

func (l *lease) Key() registry.ServiceKey    { return l.key }
func (l *lease) Endpoint() registry.Endpoint { return l.ep }

type subscription struct {
	key      registry.ServiceKey
	listener registry.Listener
	stop     chan struct{}
}

func (s *subscription) Key() registry.ServiceKey { return s.key }

func providersPath(key registry.ServiceKey) string {
	return rootPath + "/" + key.Interface + "/providers"
}

// encodeEndpoint renders an endpoint as the tri:// URL the znode is named
// after, matching the wire layout in the spec's External Interfaces
// section.
func encodeEndpoint(key registry.ServiceKey, ep registry.Endpoint) string {
	u := url.URL{
		Scheme: "tri",
		Host:   ep.HostPort(),
		Path:   "/" + key.Interface,
	}
	q := url.Values{}
	if key.Group != "" {
		q.Set("group", key.Group)
	}
	if key.Version != "" {
		q.Set("version", key.Version)
	}
	if ep.CPU != 0 {
		q.Set("cpu", strconv.Itoa(ep.CPU))
	}
	if ep.Weight != 0 {
		q.Set("weight", strconv.Itoa(ep.Weight))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// decodeEndpoint parses a znode name back into an Endpoint. Returns
// ok=false for names that aren't well-formed tri:// URLs (defensive
// against foreign writers under the same znode).
func decodeEndpoint(name string) (registry.Endpoint, bool) {
	raw, err := url.QueryUnescape(name)
	if err != nil {
		return registry.Endpoint{}, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return registry.Endpoint{}, false
	}
	host, portStr, err := splitHostPort(u.Host)
	if err != nil {
		return registry.Endpoint{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return registry.Endpoint{}, false
	}
	ep := registry.Endpoint{Host: host, Port: port}
	q := u.Query()
	ep.Group = q.Get("group")
	ep.Version = q.Get("version")
	if v := q.Get("cpu"); v != "" {
		ep.CPU, _ = strconv.Atoi(v)
	}
	if v := q.Get("weight"); v != "" {
		ep.Weight, _ = strconv.Atoi(v)
	}
	return ep, true
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", hostport)
	}
	return hostport[:idx], hostport[idx+1:], nil
}

// Register creates an ephemeral znode for endpoint under key's providers
// path, creating parent nodes as needed.
func (r *Registry) Register(_ context.Context, key registry.ServiceKey, endpoint registry.Endpoint) (registry.Lease, error) {
	path := providersPath(key)
	if err := r.mkdirp(path); err != nil {
		return nil, err
	}
	name := url.QueryEscape(encodeEndpoint(key, endpoint))
	if _, err := r.conn.Create(path+"/"+name, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
		return nil, fmt.Errorf("triple/registry/zookeeper: create: %w", err)
	}
	l := &lease{key: key, ep: endpoint, path: path + "/" + name}
	r.mu.Lock()
	r.leases[l] = struct{}{}
	r.mu.Unlock()
	return l, nil
}

func (r *Registry) Unregister(_ context.Context, lse registry.Lease) error {
	l, ok := lse.(*lease)
	if !ok {
		return fmt.Errorf("triple/registry/zookeeper: lease not issued by this registry")
	}
	r.mu.Lock()
	delete(r.leases, l)
	r.mu.Unlock()
	err := r.conn.Delete(l.path, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("triple/registry/zookeeper: delete: %w", err)
	}
	return nil
}

// Subscribe issues getChildren with a watch under key's providers path
// and delivers a snapshot on every fire, plus once immediately.
func (r *Registry) Subscribe(_ context.Context, key registry.ServiceKey, listener registry.Listener) (registry.Subscription, error) {
	path := providersPath(key)
	if err := r.mkdirp(path); err != nil {
		return nil, err
	}
	sub := &subscription{key: key, listener: listener, stop: make(chan struct{})}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	go r.watchChildren(sub, path)
	return sub, nil
}

func (r *Registry) Unsubscribe(_ context.Context, s registry.Subscription) error {
	sub, ok := s.(*subscription)
	if !ok {
		return fmt.Errorf("triple/registry/zookeeper: subscription not issued by this registry")
	}
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
	close(sub.stop)
	return nil
}

func (r *Registry) watchChildren(sub *subscription, path string) {
	for {
		children, _, events, err := r.conn.ChildrenW(path)
		if err != nil {
			select {
			case <-sub.stop:
				return
			case <-time.After(time.Second):
				continue
			}
		}
		sub.listener(decodeChildren(children))
		select {
		case <-sub.stop:
			return
		case <-events:
			// loop around and refetch + re-watch
		}
	}
}

func decodeChildren(children []string) []registry.Endpoint {
	out := make([]registry.Endpoint, 0, len(children))
	for _, c := range children {
		if ep, ok := decodeEndpoint(c); ok {
			out = append(out, ep)
		}
	}
	return out
}

func (r *Registry) mkdirp(path string) error {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		_, err := r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("triple/registry/zookeeper: mkdir %s: %w", cur, err)
		}
	}
	return nil
}

// watchSession observes the client's global event channel and, on
// SESSION_EXPIRED, re-creates ephemeral nodes for every local lease. It
// does not touch subscriptions: each watchChildren loop re-issues
// ChildrenW and delivers a fresh snapshot after any watch event,
// including the one the expiry produces.
func (r *Registry) watchSession() {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			if ev.State == zk.StateExpired {
				r.recoverFromExpiry()
			}
		case <-r.done:
			return
		}
	}
}

func (r *Registry) recoverFromExpiry() {
	r.mu.Lock()
	leases := make([]*lease, 0, len(r.leases))
	for l := range r.leases {
		leases = append(leases, l)
	}
	r.mu.Unlock()

	for _, l := range leases {
		path := providersPath(l.key)
		if err := r.mkdirp(path); err != nil {
			continue
		}
		name := url.QueryEscape(encodeEndpoint(l.key, l.ep))
		_, _ = r.conn.Create(path+"/"+name, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	}
}

// Close shuts down the session-watch goroutine and the underlying client.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
	r.conn.Close()
	return nil
}
