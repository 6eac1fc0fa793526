package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubbogo/triple/registry"
)

func TestDirectoryChurnRemovesEndpoint(t *testing.T) {
	reg := registry.NewStatic()
	key := registry.ServiceKey{Interface: "svc"}
	ctx := context.Background()

	leaseA, err := reg.Register(ctx, key, registry.Endpoint{Host: "a", Port: 1})
	require.NoError(t, err)
	leaseB, err := reg.Register(ctx, key, registry.Endpoint{Host: "b", Port: 1})
	require.NoError(t, err)

	dir, err := New(ctx, reg, key)
	require.NoError(t, err)
	defer dir.Close()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		ep, err := dir.Pick()
		require.NoError(t, err)
		seen[ep.HostPort()] = true
	}
	assert.True(t, seen["a:1"])
	assert.True(t, seen["b:1"])

	require.NoError(t, reg.Unregister(ctx, leaseB))
	for i := 0; i < 10; i++ {
		ep, err := dir.Pick()
		require.NoError(t, err)
		assert.Equal(t, "a:1", ep.HostPort())
	}

	require.NoError(t, reg.Unregister(ctx, leaseA))
	_, err = dir.Pick()
	// within grace window, stale serving keeps returning the last-known list
	require.NoError(t, err)
}

func TestDirectoryNoAvailableProviderWithoutGrace(t *testing.T) {
	reg := registry.NewStatic()
	key := registry.ServiceKey{Interface: "svc"}
	ctx := context.Background()

	dir, err := New(ctx, reg, key, WithStaleGraceWindow(0))
	require.NoError(t, err)
	defer dir.Close()

	_, err = dir.Pick()
	assert.ErrorIs(t, err, ErrNoAvailableProvider)
}

func TestDirectoryStaleGraceExpires(t *testing.T) {
	reg := registry.NewStatic()
	key := registry.ServiceKey{Interface: "svc"}
	ctx := context.Background()

	lease, err := reg.Register(ctx, key, registry.Endpoint{Host: "a", Port: 1})
	require.NoError(t, err)

	dir, err := New(ctx, reg, key, WithStaleGraceWindow(20*time.Millisecond))
	require.NoError(t, err)
	defer dir.Close()

	require.NoError(t, reg.Unregister(ctx, lease))
	time.Sleep(40 * time.Millisecond)

	_, err = dir.Pick()
	assert.ErrorIs(t, err, ErrNoAvailableProvider)
}

func TestDirectoryCPUWeightedFavorsLowerCPU(t *testing.T) {
	reg := registry.NewStatic()
	key := registry.ServiceKey{Interface: "svc"}
	ctx := context.Background()

	_, err := reg.Register(ctx, key, registry.Endpoint{Host: "busy", Port: 1, CPU: 99})
	require.NoError(t, err)
	_, err = reg.Register(ctx, key, registry.Endpoint{Host: "idle", Port: 1, CPU: 1})
	require.NoError(t, err)

	dir, err := New(ctx, reg, key, WithPolicy(CPUWeighted{}))
	require.NoError(t, err)
	defer dir.Close()

	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		ep, err := dir.Pick()
		require.NoError(t, err)
		counts[ep.Host]++
	}
	assert.Greater(t, counts["idle"], counts["busy"])
}

func TestDirectoryGroupFilter(t *testing.T) {
	reg := registry.NewStatic()
	key := registry.ServiceKey{Interface: "svc"}
	ctx := context.Background()

	_, err := reg.Register(ctx, key, registry.Endpoint{Host: "a", Port: 1, Group: "canary"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, key, registry.Endpoint{Host: "b", Port: 1, Group: "stable"})
	require.NoError(t, err)

	dir, err := New(ctx, reg, key, WithGroup("stable"))
	require.NoError(t, err)
	defer dir.Close()

	for i := 0; i < 10; i++ {
		ep, err := dir.Pick()
		require.NoError(t, err)
		assert.Equal(t, "b:1", ep.HostPort())
	}
}
