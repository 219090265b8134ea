package toplayer_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymode/proxycore/conn"
	"github.com/relaymode/proxycore/serverctl"
	"github.com/relaymode/proxycore/toplayer"
)

func TestRelayCopiesReaderToWriterAndDispatchesHooks(t *testing.T) {
	var hooks []string
	bus := serverctl.LifecycleBus(busFunc(func(h serverctl.Hook) {
		hooks = append(hooks, h.Name)
	}))
	m := serverctl.NewDefaultManager(bus)

	in := bytes.NewBufferString("hello world")
	var out bytes.Buffer

	id := serverctl.TCP("peer:1", "local:8080")
	ctx := conn.NewContext(conn.Endpoint{Address: "peer:1", Network: "tcp"}, conn.Endpoint{Address: "local:8080", Network: "tcp"}, "regular")
	h := conn.New(id, ctx, in, &out, toplayer.NewRelay, m, time.Minute, func() {})

	require.NoError(t, h.Run())
	assert.Equal(t, "hello world", out.String())
	assert.Equal(t, []string{"clientconnect", "serverconnect", "clientdisconnect"}, hooks)
}

func TestDNSStubEchoesOneDatagramAndStops(t *testing.T) {
	m := serverctl.NewDefaultManager(nil)
	in := bytes.NewBufferString("\x00\x01query")
	var out bytes.Buffer

	id := serverctl.UDPWithDiscriminator("peer:1", "local:53", 1)
	ctx := conn.NewContext(conn.Endpoint{}, conn.Endpoint{}, "dns")
	h := conn.New(id, ctx, in, &out, toplayer.NewDNSStub, m, time.Minute, func() {})

	require.NoError(t, h.Run())
	assert.Equal(t, "\x00\x01query", out.String())
}

type busFunc func(serverctl.Hook)

func (f busFunc) HandleLifecycle(h serverctl.Hook) { f(h) }
