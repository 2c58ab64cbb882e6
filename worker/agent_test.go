package worker

import (
	"callgate/controller"
	"callgate/loadbalance"
	"callgate/ops"
	"callgate/registry"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startController(t *testing.T, name string, reg registry.Registry) *controller.Controller {
	t.Helper()
	c := controller.New(controller.Config{Name: name, Addr: "127.0.0.1:0"}, ops.DefaultCatalog(), controller.WithRegistry(reg))
	require.NoError(t, c.Listen())
	go c.Serve()
	t.Cleanup(func() { c.Shutdown(3 * time.Second) })
	return c
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{ControllerAddr: "127.0.0.1:1"}, ops.DefaultCatalog())
	assert.Error(t, err, "name is required")

	_, err = New(Config{Name: "w1"}, ops.DefaultCatalog())
	assert.Error(t, err, "address or registry is required")

	a, err := New(Config{Name: "w1"}, ops.DefaultCatalog(), WithDiscovery(registry.NewMemoryRegistry(), nil))
	require.NoError(t, err)
	assert.Equal(t, loadbalance.RoundRobin, a.balancer.Name())
}

func TestCallWhileDisconnected(t *testing.T) {
	a, err := New(Config{Name: "w1", ControllerAddr: "127.0.0.1:1"}, ops.DefaultCatalog())
	require.NoError(t, err)
	assert.ErrorIs(t, a.Call(context.Background(), &ops.Ping{}, nil), ErrNotConnected)
}

func TestRunDiscoversController(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startController(t, "ctl-a", reg)

	a, err := New(Config{Name: "w1"}, ops.DefaultCatalog(),
		WithDiscovery(reg, loadbalance.NewConsistentHashBalancer()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	require.NoError(t, a.WaitConnected(waitCtx))
	assert.Equal(t, "ctl-a", a.Controller())

	var pong ops.Pong
	require.NoError(t, a.Call(context.Background(), &ops.Ping{Message: "hello"}, &pong))
	assert.Equal(t, "hello", pong.Message)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRetriesUntilControllerAppears(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	a, err := New(Config{
		Name:         "w1",
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}, ops.DefaultCatalog(), WithDiscovery(reg, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, a.Channel())

	startController(t, "late", reg)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	require.NoError(t, a.WaitConnected(waitCtx))
	assert.Equal(t, "late", a.Controller())
}

func TestRunStopsWhenRefused(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startController(t, "ctl", reg)

	first, err := New(Config{Name: "w1"}, ops.DefaultCatalog(), WithDiscovery(reg, nil))
	require.NoError(t, err)
	_, err = first.Connect(context.Background())
	require.NoError(t, err)
	defer first.Close()

	second, err := New(Config{Name: "w1"}, ops.DefaultCatalog(), WithDiscovery(reg, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = second.Run(ctx)

	var refused *RefusedError
	require.True(t, errors.As(err, &refused), "got %v", err)
}

func TestReconnectAfterChannelLoss(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	c := startController(t, "ctl", reg)

	a, err := New(Config{Name: "w1", ReconnectMin: 10 * time.Millisecond}, ops.DefaultCatalog(), WithDiscovery(reg, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	require.NoError(t, a.WaitConnected(waitCtx))
	first := a.Channel()
	require.NotNil(t, first)

	// Drop the channel from the controller side.
	require.Eventually(t, func() bool {
		w, ok := c.Worker("w1")
		return ok && w.Channel() != nil
	}, 2*time.Second, 10*time.Millisecond)
	w, _ := c.Worker("w1")
	w.Channel().Close()

	require.Eventually(t, func() bool {
		ch := a.Channel()
		return ch != nil && ch != first
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Call(context.Background(), &ops.Ping{}, nil))
}
