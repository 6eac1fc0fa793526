package triple

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"

	"github.com/dubbogo/triple/directory"
	"github.com/dubbogo/triple/registry"
)

// Channel is a registry-aware grpc.ClientConnInterface: each call resolves
// an endpoint through a directory.Directory (which applies the configured
// load-balance policy over the registry's live endpoint set) and reuses a
// cached ClientConn per endpoint, dialing lazily on first use.
//
// Where ClientConn targets one fixed address, Channel is the piece that
// lets a Triple client track a churning provider set the way the Java
// implementation's directory + invoker-cluster layer does.
type Channel struct {
	dir  *directory.Directory
	opts []Option

	mu    sync.Mutex
	conns map[string]*ClientConn
}

var _ grpc.ClientConnInterface = (*Channel)(nil)

// DialService builds a Channel for key, subscribing to reg through a new
// directory.Directory. dirOpts configure the directory (group, version,
// load-balance policy); opts configure every ClientConn the channel dials.
func DialService(ctx context.Context, reg registry.Registry, key registry.ServiceKey, dirOpts []directory.Option, opts ...Option) (*Channel, error) {
	cfg := defaultOptions()
	for _, o := range opts {
		o.apply(cfg)
	}
	// cfg.lbPolicy (default directory.Random, or whatever WithLoadBalancePolicy
	// set) applies unless the caller's own dirOpts include an explicit
	// directory.WithPolicy, which - applied after - wins.
	resolved := append([]directory.Option{directory.WithPolicy(cfg.lbPolicy)}, dirOpts...)

	dir, err := directory.New(ctx, reg, key, resolved...)
	if err != nil {
		return nil, err
	}
	return &Channel{dir: dir, opts: opts, conns: make(map[string]*ClientConn)}, nil
}

func (ch *Channel) pick() (*ClientConn, error) {
	ep, err := ch.dir.Pick()
	if err != nil {
		return nil, err
	}
	addr := ep.HostPort()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if cc, ok := ch.conns[addr]; ok {
		return cc, nil
	}
	cc, err := Dial(addr, ch.opts...)
	if err != nil {
		return nil, fmt.Errorf("triple: dial %s: %w", addr, err)
	}
	ch.conns[addr] = cc
	return cc, nil
}

// Invoke implements grpc.ClientConnInterface.
func (ch *Channel) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	cc, err := ch.pick()
	if err != nil {
		return err
	}
	return cc.Invoke(ctx, method, args, reply, opts...)
}

// NewStream implements grpc.ClientConnInterface.
func (ch *Channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	cc, err := ch.pick()
	if err != nil {
		return nil, err
	}
	return cc.NewStream(ctx, desc, method, opts...)
}

// Close tears down every cached connection and the underlying directory
// subscription.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	conns := ch.conns
	ch.conns = nil
	ch.mu.Unlock()
	for _, cc := range conns {
		_ = cc.Close()
	}
	return ch.dir.Close()
}
