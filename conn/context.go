package conn

import "net"

// Endpoint is one side (client or server) of a connection's address record
// (spec.md §4.F: "a mutable Context containing a nested client-side and
// server-side endpoint record"). Grounded on the teacher's
// common/net.Destination, trimmed to the fields this core actually reads or
// mutates: transparent-mode redirection rewrites Address on the server
// side, nothing else in this core inspects the rest of Destination's
// protobuf-ish shape.
type Endpoint struct {
	Address string
	Network string // "tcp" or "udp"
}

// TCPEndpoint builds an Endpoint from a TCP net.Addr, e.g. the accepted
// connection's RemoteAddr/LocalAddr.
func TCPEndpoint(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{Network: "tcp"}
	}
	return Endpoint{Address: addr.String(), Network: "tcp"}
}

// UDPEndpoint builds an Endpoint from a UDP net.Addr, e.g. a demultiplexed
// flow's peer or local address.
func UDPEndpoint(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{Network: "udp"}
	}
	return Endpoint{Address: addr.String(), Network: "udp"}
}

// Context is the per-flow mutable record a Layer reads and rewrites
// (spec.md §4.F). Client is set once at construction; Server starts as the
// handler's own local address and is overwritten by the listener when a
// transparent mode recovers the original destination (spec.md §4.C).
type Context struct {
	Client Endpoint
	Server Endpoint

	// ModeTag is the operator mode string the owning listener was
	// constructed from, carried through so a Layer can branch on it
	// without importing modespec.
	ModeTag string
}

// NewContext builds a Context from the client and server endpoints
// resolved at accept/demultiplex time, tagged with the owning mode string.
func NewContext(client, server Endpoint, modeTag string) *Context {
	return &Context{Client: client, Server: server, ModeTag: modeTag}
}

// Redirect overwrites the server-side endpoint, the mutation transparent
// modes perform once the platform lookup recovers the real destination
// (spec.md §4.C, §6's "Platform service").
func (c *Context) Redirect(server Endpoint) {
	c.Server = server
}

// Layer is the top-layer factory product spec.md §6 describes as "mode
// specific and opaque to this core": this core never inspects a Layer's
// internals, only drives it through Run.
type Layer interface {
	// Run drives the protocol engine for one flow to completion, reading
	// from h.Reader and writing to h.Writer. Run must return once both
	// halves are drained; it owns all protocol-level framing.
	Run(h *Handler) error
}

// LayerFactory produces a Layer given the flow's Context; installed by the
// listener at registration time (spec.md §4.C step "install the top
// layer").
type LayerFactory func(*Context) Layer
