// Package serverctl implements the ServerManager contract spec.md §3/§6
// treats as an external collaborator, plus a reference implementation good
// enough to drive this module's own tests (spec.md §8's testable
// properties all talk about "manager.connections", so a concrete manager
// has to exist somewhere). Grounded on the teacher's
// features/inbound.Manager (AddHandler/RemoveHandler/ListHandlers) and
// common/mux.Server's scoped-session bookkeeping, adapted from "inbound
// handler by tag" to "connection handler by ConnectionID".
package serverctl

import (
	"sync"
)

// Hook is a lifecycle event delivered to the addon bus (spec.md §4.F,
// §6). Resume, when non-nil, is closed by the addon bus once any paused
// flow referenced by Payload should continue; a nil Resume hook completes
// immediately.
type Hook struct {
	Name    string
	Payload interface{}
	Resume  <-chan struct{}
}

// LifecycleBus is the "addon lifecycle bus" spec.md §6 describes as
// `handle_lifecycle(hook) -> awaitable`.
type LifecycleBus interface {
	HandleLifecycle(Hook)
}

// Guard is the scoped registration acquisition spec.md §3/§9 requires:
// Release is idempotent and removes the entry on first call from every
// exit path, including panics, when deferred immediately after Register.
type Guard struct {
	release func()
	once    sync.Once
}

// Release deregisters the connection this guard was acquired for. Safe to
// call multiple times or via defer after an early return.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// Manager is the ServerManager contract (spec.md §3, §6): the single
// source of truth for "who is handling this flow?" plus lifecycle-hook
// delivery.
type Manager interface {
	LifecycleBus

	// Register inserts handler under id and returns a Guard whose Release
	// removes it. Registering a second handler under an id already present
	// replaces the prior entry (callers are expected to never do this; the
	// UDP listener's pre-insertion protocol, spec.md §4.D, relies on it not
	// happening in practice).
	Register(id ConnectionID, handler interface{}) *Guard

	// Lookup returns the handler registered under id, if any. Used by the
	// UDP listener family (spec.md §4.D.2) to feed an arriving datagram to
	// an already-running flow's reader without re-registering it.
	Lookup(id ConnectionID) (handler interface{}, ok bool)

	// Len reports the number of currently-registered connections; exposed
	// mainly so tests can assert on spec.md §8 property 7 ("after a
	// connection task terminates, its id is absent from
	// manager.connections") without reaching into manager internals.
	Len() int

	// Snapshot returns a point-in-time copy of the id set, direct read
	// access to the mapping spec.md §3 grants for pre-registration
	// checks.
	Snapshot() []ConnectionID
}

// DefaultManager is the reference Manager. Single-threaded callers (one
// event loop per instance, spec.md §5) never contend on the mutex in
// practice, but it is held regardless since a manager may be shared across
// several ServerInstances each with their own goroutine-per-connection, as
// this module's TCP/UDP listener families do.
type DefaultManager struct {
	mu          sync.Mutex
	connections map[ConnectionID]interface{}
	bus         LifecycleBus
}

// NewDefaultManager builds a Manager. bus may be nil, in which case
// HandleLifecycle delivers nothing and returns immediately; the caller
// dispatching the hook (conn.Handler.Dispatch) is the one that awaits any
// resume signal, and with no bus configured nothing will ever close it --
// callers that need lifecycle hooks honored, including flow payloads that
// must eventually resume, should supply a bus.
func NewDefaultManager(bus LifecycleBus) *DefaultManager {
	return &DefaultManager{
		connections: make(map[ConnectionID]interface{}),
		bus:         bus,
	}
}

func (m *DefaultManager) Register(id ConnectionID, handler interface{}) *Guard {
	m.mu.Lock()
	m.connections[id] = handler
	m.mu.Unlock()

	return &Guard{release: func() {
		m.mu.Lock()
		delete(m.connections, id)
		m.mu.Unlock()
	}}
}

func (m *DefaultManager) Lookup(id ConnectionID) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.connections[id]
	return h, ok
}

func (m *DefaultManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

func (m *DefaultManager) Snapshot() []ConnectionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]ConnectionID, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}

// HandleLifecycle delivers hook to the configured bus, or drops it silently
// if none is configured. It never waits out hook.Resume itself -- spec.md
// §4.F makes that the dispatching caller's own independent step, not
// something the bus contract (§6: "handle_lifecycle(hook) -> awaitable")
// promises to do on the caller's behalf.
func (m *DefaultManager) HandleLifecycle(hook Hook) {
	if m.bus != nil {
		m.bus.HandleLifecycle(hook)
	}
}
