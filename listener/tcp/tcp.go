// Package tcp implements the TCP Listener Family (spec.md §4.C): the five
// stream-mode variants that differ only in their top-layer factory,
// log_desc, and whether they consult the platform original-destination
// lookup. Grounded on the teacher's app/proxyman/inbound tcpWorker
// (worker.go's callback-driven net.Listener.Accept loop spawning one
// handler goroutine per connection) and AlwaysOnInboundHandler's per-worker
// Start/Close sweep (always.go), generalized from a protobuf-configured
// single inbound to this module's five operator-selectable variants.
package tcp

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	proxyproto "github.com/pires/go-proxyproto"

	"github.com/relaymode/proxycore/conn"
	"github.com/relaymode/proxycore/listener"
	"github.com/relaymode/proxycore/modespec"
	"github.com/relaymode/proxycore/platform"
	"github.com/relaymode/proxycore/registry"
	"github.com/relaymode/proxycore/serverctl"
	"github.com/relaymode/proxycore/toplayer"
	"github.com/relaymode/proxycore/xconfig"
	"github.com/relaymode/proxycore/xerr"
	"github.com/relaymode/proxycore/xlog"
)

func init() {
	registry.Default.MustRegister(modespec.KindRegular, NewRegular)
	registry.Default.MustRegister(modespec.KindUpstream, NewUpstream)
	registry.Default.MustRegister(modespec.KindTransparent, NewTransparent)
	registry.Default.MustRegister(modespec.KindReverse, NewReverse)
	registry.Default.MustRegister(modespec.KindSocks5, NewSocks5)
}

// variant is shared construction state for all five TCP modes; each
// exported constructor below differs only in logDesc, transparent, and
// whether the bound sockets expect a PROXY protocol preamble.
type variant struct {
	mode         *modespec.ModeSpec
	manager      serverctl.Manager
	opts         *xconfig.Options
	transparent  bool
	expectProxy  bool
	layerFactory conn.LayerFactory

	sockets []net.Listener
}

func newBase(mode *modespec.ModeSpec, logDesc string, manager serverctl.Manager, opts *xconfig.Options, transparent, expectProxy bool, layerFactory conn.LayerFactory) *listener.Base {
	v := &variant{mode: mode, manager: manager, opts: opts, transparent: transparent, expectProxy: expectProxy, layerFactory: layerFactory}
	return listener.NewBase(mode, logDesc, v.bind)
}

// NewRegular builds the Regular HTTP(S) proxy variant.
func NewRegular(mode *modespec.ModeSpec, manager serverctl.Manager, opts *xconfig.Options) (listener.Instance, error) {
	return newBase(mode, "HTTP(S) proxy", manager, opts, false, false, toplayer.NewRelay), nil
}

// NewUpstream builds the Upstream HTTP(S) proxy variant: the operator's
// mode Data carries the upstream proxy URL; this core never dials it (out
// of scope per spec.md §1), only threads it onto the Context for the
// installed Layer to act on.
func NewUpstream(mode *modespec.ModeSpec, manager serverctl.Manager, opts *xconfig.Options) (listener.Instance, error) {
	return newBase(mode, "HTTP(S) proxy (upstream mode)", manager, opts, false, opts.ExpectProxyProtocol, toplayer.NewRelay), nil
}

// NewTransparent builds the Transparent proxy variant: per-connection, it
// consults the platform package to recover the real destination a client's
// connection was redirected from.
func NewTransparent(mode *modespec.ModeSpec, manager serverctl.Manager, opts *xconfig.Options) (listener.Instance, error) {
	return newBase(mode, "Transparent proxy", manager, opts, true, false, toplayer.NewRelay), nil
}

// NewReverse builds the Reverse proxy variant; its log_desc names the
// target carried in the mode string's data (spec.md §4.C table).
func NewReverse(mode *modespec.ModeSpec, manager serverctl.Manager, opts *xconfig.Options) (listener.Instance, error) {
	logDesc := fmt.Sprintf("Reverse proxy to %s", mode.Data)
	return newBase(mode, logDesc, manager, opts, false, opts.ExpectProxyProtocol, toplayer.NewRelay), nil
}

// NewSocks5 builds the SOCKS v5 proxy variant.
func NewSocks5(mode *modespec.ModeSpec, manager serverctl.Manager, opts *xconfig.Options) (listener.Instance, error) {
	return newBase(mode, "SOCKS v5 proxy", manager, opts, false, false, toplayer.NewRelay), nil
}

// LayerFor reports the top-layer factory and is-transparent flag a given
// stream-capable mode kind would use, without constructing or starting a
// TCP listener. The udp package's Udp(inner) variant calls this to compose
// the inner mode's layer and transparency (spec.md §4.D: "the listener
// composes an inner stream listener solely to reuse its top-layer factory
// and is_transparent flag; the inner listener is never started as a TCP
// server").
func LayerFor(kind modespec.Kind) (conn.LayerFactory, bool) {
	return toplayer.NewRelay, kind == modespec.KindTransparent
}

// bind is the listener.Binder every variant shares: open one socket per
// resolved address (spec.md's supplemented dual-stack feature), start an
// accept loop per socket, and return the concrete addresses plus a closer
// that stops every loop.
func (v *variant) bind() ([]string, func() error, error) {
	hosts, err := v.resolveHosts()
	if err != nil {
		return nil, nil, err
	}

	var addrs []string
	for _, host := range hosts {
		addr := net.JoinHostPort(host, strconv.Itoa(int(v.mode.Port)))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, already := range v.sockets {
				already.Close()
			}
			return nil, nil, err
		}
		if v.expectProxy {
			ln = &proxyproto.Listener{Listener: ln}
		}
		v.sockets = append(v.sockets, ln)
		addrs = append(addrs, ln.Addr().String())
		go v.acceptLoop(ln)
	}

	return addrs, v.closeAll, nil
}

func (v *variant) resolveHosts() ([]string, error) {
	host := v.mode.Host
	if host == "" {
		host = v.opts.DefaultListenHost
	}
	if !v.opts.ExpandDualStack {
		return []string{host}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return []string{host}, nil
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out, nil
}

func (v *variant) closeAll() error {
	var first error
	for _, ln := range v.sockets {
		if err := ln.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// acceptLoop implements spec.md §4.C's per-connection procedure.
func (v *variant) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			xlog.Warning("tcp accept failed on %s: %v", ln.Addr(), err)
			return
		}
		go v.handle(c)
	}
}

func (v *variant) handle(c net.Conn) {
	id := serverctl.TCP(c.RemoteAddr().String(), c.LocalAddr().String())
	ctx := conn.NewContext(conn.TCPEndpoint(c.RemoteAddr()), conn.TCPEndpoint(c.LocalAddr()), v.mode.String())

	if v.transparent {
		dst, err := platform.OriginalDestination(c)
		if err != nil {
			xerr.Off(xerr.KindPlatformLookup, "transparent original-destination lookup failed for %s", id).Base(err).AtError().Log()
		} else {
			ctx.Redirect(conn.Endpoint{Address: dst.String(), Network: "tcp"})
		}
	}

	h := conn.New(id, ctx, c, c, v.layerFactory, v.manager, conn.DefaultIdleTimeout, func() { c.Close() })
	if err := h.Run(); err != nil {
		h.Logf(xlog.SeverityDebug, "connection ended: %v", err)
	}
	c.Close()
}
