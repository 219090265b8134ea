package serverctl_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymode/proxycore/serverctl"
)

func TestRegisterAndRelease(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	id := serverctl.TCP("1.2.3.4:5555", "0.0.0.0:8080")

	guard := m.Register(id, "handler")
	h, ok := m.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "handler", h)
	assert.Equal(t, 1, m.Len())

	guard.Release()
	_, ok = m.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	id := serverctl.UDP("1.2.3.4:5555", "0.0.0.0:53")
	guard := m.Register(id, "handler")
	guard.Release()
	assert.NotPanics(t, func() { guard.Release() })
	assert.Equal(t, 0, m.Len())
}

func TestReleaseOnPanicEscapes(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	id := serverctl.TCP("peer", "local")

	func() {
		guard := m.Register(id, "handler")
		defer guard.Release()
		defer func() { recover() }()
		panic("boom")
	}()

	_, ok := m.Lookup(id)
	assert.False(t, ok, "connection id must be removed even when the handler panics")
}

func TestUDPDiscriminatorDistinguishesFlows(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	id1 := serverctl.UDPWithDiscriminator("peer:1", "local:53", 0x1234)
	id2 := serverctl.UDPWithDiscriminator("peer:1", "local:53", 0x5678)

	m.Register(id1, "h1")
	m.Register(id2, "h2")
	assert.Equal(t, 2, m.Len())
}

func TestHandleLifecycleWithoutBusReturnsImmediately(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	resume := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.HandleLifecycle(serverctl.Hook{Name: "clientconnect", Resume: resume})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleLifecycle must never await its own Resume channel; that is the dispatching caller's job")
	}
}

type fakeBus struct {
	delivered chan serverctl.Hook
}

func (b *fakeBus) HandleLifecycle(hook serverctl.Hook) {
	b.delivered <- hook
}

func TestHandleLifecycleWithBusDeliversAndReturnsImmediately(t *testing.T) {
	bus := &fakeBus{delivered: make(chan serverctl.Hook, 1)}
	m := serverctl.NewDefaultManager(bus)
	resume := make(chan struct{})

	done := make(chan struct{})
	go func() {
		m.HandleLifecycle(serverctl.Hook{Name: "clientconnect", Resume: resume})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleLifecycle must return once the bus has the hook, not wait on resume")
	}

	hook := <-bus.delivered
	assert.Equal(t, "clientconnect", hook.Name)
}
