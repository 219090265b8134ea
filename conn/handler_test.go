package conn_test

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymode/proxycore/conn"
	"github.com/relaymode/proxycore/serverctl"
)

type fakeLayer struct {
	ran   chan struct{}
	block chan struct{}
	err   error
}

func (l *fakeLayer) Run(h *conn.Handler) error {
	close(l.ran)
	if l.block != nil {
		<-l.block
	}
	return l.err
}

func TestHandlerRunRegistersAndDeregisters(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	id := serverctl.TCP("peer:1", "local:8080")
	layer := &fakeLayer{ran: make(chan struct{})}

	h := conn.New(id, conn.NewContext(conn.Endpoint{}, conn.Endpoint{}, "regular"),
		strings.NewReader(""), new(strings.Builder),
		func(*conn.Context) conn.Layer { return layer }, m, time.Minute, func() {})

	done := make(chan error, 1)
	go func() { done <- h.Run() }()

	<-layer.ran
	_, ok := m.Lookup(id)
	assert.True(t, ok, "handler must be registered while its layer is running")

	require.NoError(t, <-done)
	_, ok = m.Lookup(id)
	assert.False(t, ok, "handler must be deregistered once Run returns")
}

func TestHandlerIdleWatchdogClosesFlow(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	id := serverctl.UDP("peer:1", "local:53")
	block := make(chan struct{})
	layer := &fakeLayer{ran: make(chan struct{}), block: block}

	var idled int32
	h := conn.New(id, conn.NewContext(conn.Endpoint{}, conn.Endpoint{}, "udp:regular"),
		strings.NewReader(""), new(strings.Builder),
		func(*conn.Context) conn.Layer { return layer }, m, 20*time.Millisecond, func() {
			atomic.StoreInt32(&idled, 1)
			close(block)
		})

	done := make(chan error, 1)
	go func() { done <- h.Run() }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&idled) == 1 }, time.Second, time.Millisecond)
	<-done
}

func TestHandlerDispatchDisarmsWatchdogDuringHook(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	id := serverctl.TCP("peer:1", "local:8080")
	layer := &fakeLayer{ran: make(chan struct{})}

	var idled int32
	h := conn.New(id, conn.NewContext(conn.Endpoint{}, conn.Endpoint{}, "regular"),
		strings.NewReader(""), new(strings.Builder),
		func(*conn.Context) conn.Layer { return layer }, m, 30*time.Millisecond, func() {
			atomic.StoreInt32(&idled, 1)
		})

	resume := make(chan struct{})
	dispatchDone := make(chan struct{})
	go func() {
		h.Dispatch("clientconnect", nil, resume)
		close(dispatchDone)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&idled), "watchdog must stay disarmed while a hook awaits resume")

	close(resume)
	<-dispatchDone
}

func TestHandlerCorrelationIDIsStable(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	id := serverctl.TCP("peer:1", "local:8080")
	h := conn.New(id, conn.NewContext(conn.Endpoint{}, conn.Endpoint{}, "regular"),
		strings.NewReader(""), new(strings.Builder),
		func(*conn.Context) conn.Layer { return &fakeLayer{ran: make(chan struct{})} }, m, time.Minute, func() {})

	first := h.CorrelationID()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, h.CorrelationID())
}

func TestPreregisterInsertsBeforeRunStarts(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	id := serverctl.UDP("peer:1", "local:53")
	layer := &fakeLayer{ran: make(chan struct{})}

	h := conn.New(id, conn.NewContext(conn.Endpoint{}, conn.Endpoint{}, "udp:regular"),
		strings.NewReader(""), new(strings.Builder),
		func(*conn.Context) conn.Layer { return layer }, m, time.Minute, func() {})

	h.Preregister()
	_, ok := m.Lookup(id)
	assert.True(t, ok, "preregister must insert before Run is even called")

	require.NoError(t, h.Run())
	_, ok = m.Lookup(id)
	assert.False(t, ok, "Run must still release the preregistered guard on completion")
}
