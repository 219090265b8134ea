// Package toplayer provides the top-layer factories each TCP/UDP listener
// variant installs on a freshly constructed conn.Handler (spec.md §4.C,
// §4.D, §6's "Top-layer factory ... mode-specific and opaque to this
// core"). Spec.md's Non-goals explicitly exclude "specification of HTTP,
// TLS, SOCKS5, or DNS parsing"; a real deployment would plug an actual
// protocol engine in here (the way the teacher's proxy.Proxy implementations
// plug into features/inbound), so every Layer below is deliberately thin: it
// dispatches the clientconnect/serverconnect lifecycle hooks this core is
// responsible for, then relays bytes until one side closes. Grounded on the
// teacher's proxy.Proxy interface (proxy/proxy.go) as the shape a real
// engine would fill in, and on app/proxyman/inbound/worker.go's
// io.Copy-based relay for the always-on passthrough path.
package toplayer

import (
	"io"

	"github.com/relaymode/proxycore/conn"
)

// Relay is the thin Layer every mode in this module installs: it announces
// the flow to the lifecycle bus, then copies bytes from the handler's
// Reader to its Writer (one direction, echoing the client) until the Reader
// is exhausted. A production deployment replaces Relay with a real
// protocol engine that parses the bytes Relay only shuttles; Relay exists
// so this core is independently runnable and testable end to end.
type Relay struct {
	ctx *conn.Context
}

// NewRelay builds the Layer installed for Regular, Upstream, Transparent,
// Reverse, and SOCKS5 TCP modes, and for Udp(inner) flows.
func NewRelay(ctx *conn.Context) conn.Layer {
	return &Relay{ctx: ctx}
}

// Run implements conn.Layer. It has no notion of request/response framing
// -- that belongs to whatever real protocol engine a deployment plugs in
// -- so it copies bytes from Reader to Writer until the source is
// exhausted, touching the idle watchdog on every chunk.
func (r *Relay) Run(h *conn.Handler) error {
	h.Dispatch("clientconnect", r.ctx.Client, nil)
	defer h.Dispatch("clientdisconnect", r.ctx.Client, nil)
	h.Dispatch("serverconnect", r.ctx.Server, nil)

	_, err := io.Copy(touchingWriter{h}, h.Reader)
	if err == io.EOF {
		err = nil
	}
	return err
}

// touchingWriter resets the handler's idle watchdog on every write so a
// flow that is actively relaying data is never killed for idleness.
type touchingWriter struct {
	h *conn.Handler
}

func (t touchingWriter) Write(p []byte) (int, error) {
	t.h.Touch()
	return t.h.Writer.Write(p)
}

// NewDNSStub builds the Layer installed for the Dns listener variant: it
// announces the flow, then echoes each datagram it reads back unparsed until
// the Reader reports EOF (for a UDP flow, once the idle watchdog closes its
// queue), since actual DNS message parsing is out of this core's scope
// (spec.md §1 Non-goals) beyond the two-byte transaction id the UDP listener
// family already extracted to build the ConnectionId.
func NewDNSStub(ctx *conn.Context) conn.Layer {
	return dnsStub{ctx: ctx}
}

type dnsStub struct {
	ctx *conn.Context
}

func (d dnsStub) Run(h *conn.Handler) error {
	h.Dispatch("clientconnect", d.ctx.Client, nil)
	defer h.Dispatch("clientdisconnect", d.ctx.Client, nil)

	buf := make([]byte, 512)
	for {
		n, err := h.Reader.Read(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		h.Touch()
		if _, err := h.Writer.Write(buf[:n]); err != nil {
			return err
		}
	}
}
