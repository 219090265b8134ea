// Package udp implements the UDP Listener Family (spec.md §4.D): the Dns
// and Udp(inner) variants, which perform per-datagram demultiplexing into
// virtual connections since UDP arrives unframed. Grounded on the
// teacher's udpWorker (app/proxyman/inbound/worker.go: getConnection's
// lock-protected map lookup/insert, callback's "insert before dispatching
// the handling goroutine" ordering, and the pipe-backed per-flow
// reader/writer), generalized from a single dispatcher-bound worker to
// this module's registry-selectable Dns/Udp(inner) pair.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/miekg/dns"

	"github.com/relaymode/proxycore/conn"
	"github.com/relaymode/proxycore/listener"
	"github.com/relaymode/proxycore/listener/tcp"
	"github.com/relaymode/proxycore/modespec"
	"github.com/relaymode/proxycore/platform"
	"github.com/relaymode/proxycore/registry"
	"github.com/relaymode/proxycore/serverctl"
	"github.com/relaymode/proxycore/toplayer"
	"github.com/relaymode/proxycore/xconfig"
	"github.com/relaymode/proxycore/xlog"
)

func init() {
	registry.Default.MustRegister(modespec.KindDNS, NewDNS)
	registry.Default.MustRegister(modespec.KindUDP, NewUDP)
}

// classifier computes the ConnectionId for an arrived datagram (spec.md
// §4.D step 1). ok is false only for the DNS classifier's too-short case,
// which the listener must drop without surfacing an error.
type classifier func(data []byte, peer *net.UDPAddr, localAddr string) (id serverctl.ConnectionID, ok bool)

func classifyDNS(data []byte, peer *net.UDPAddr, localAddr string) (serverctl.ConnectionID, bool) {
	if len(data) < 2 {
		return serverctl.ConnectionID{}, false
	}
	txID := binary.BigEndian.Uint16(data[:2])
	return serverctl.UDPWithDiscriminator(peer.String(), localAddr, txID), true
}

func classifyPlain(data []byte, peer *net.UDPAddr, localAddr string) (serverctl.ConnectionID, bool) {
	return serverctl.UDP(peer.String(), localAddr), true
}

// describeDNSQuestion best-effort unpacks a DNS message for its log line
// only; classification above never depends on anything beyond the raw
// 2-byte transaction id. A datagram that fails to unpack (truncated,
// non-DNS, compressed beyond this buffer) just logs without the detail.
func describeDNSQuestion(data []byte) string {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil || len(msg.Question) == 0 {
		return ""
	}
	q := msg.Question[0]
	return fmt.Sprintf(" question=%s type=%s", q.Name, dns.TypeToString[q.Qtype])
}

// variant is shared construction/runtime state for the Dns and Udp(inner)
// listeners.
type variant struct {
	mode         *modespec.ModeSpec
	manager      serverctl.Manager
	opts         *xconfig.Options
	transparent  bool
	layerFactory conn.LayerFactory
	classify     classifier
	logDNSDetail bool

	sockets []*net.UDPConn
}

func newBase(mode *modespec.ModeSpec, logDesc string, manager serverctl.Manager, opts *xconfig.Options, transparent, logDNSDetail bool, layerFactory conn.LayerFactory, classify classifier) *listener.Base {
	v := &variant{mode: mode, manager: manager, opts: opts, transparent: transparent, layerFactory: layerFactory, classify: classify, logDNSDetail: logDNSDetail}
	return listener.NewBase(mode, logDesc, v.bind)
}

// NewDNS builds the Dns listener variant.
func NewDNS(mode *modespec.ModeSpec, manager serverctl.Manager, opts *xconfig.Options) (listener.Instance, error) {
	return newBase(mode, "DNS server", manager, opts, false, true, toplayer.NewDNSStub, classifyDNS), nil
}

// NewUDP builds the Udp(inner) listener variant: it composes the inner
// stream mode's top-layer factory and transparent flag solely for reuse
// (spec.md §4.D: "the inner listener is never started as a TCP server").
func NewUDP(mode *modespec.ModeSpec, manager serverctl.Manager, opts *xconfig.Options) (listener.Instance, error) {
	factory, transparent := tcp.LayerFor(mode.Inner.Kind)
	logDesc := fmt.Sprintf("UDP proxy (%s)", mode.Inner.Kind)
	return newBase(mode, logDesc, manager, opts, transparent, false, factory, classifyPlain), nil
}

func (v *variant) bind() ([]string, func() error, error) {
	host := v.mode.Host
	if host == "" {
		host = v.opts.DefaultListenHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(v.mode.Port)))

	uconn, err := platform.ListenUDP("udp", addr)
	if err != nil {
		return nil, nil, err
	}
	v.sockets = append(v.sockets, uconn)

	go v.receiveLoop(uconn)
	return []string{uconn.LocalAddr().String()}, v.closeAll, nil
}

func (v *variant) closeAll() error {
	var first error
	for _, c := range v.sockets {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (v *variant) receiveLoop(uconn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, peer, local, err := platform.ReadOriginalDestination(uconn, buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			xlog.Warning("udp receive failed on %s: %v", uconn.LocalAddr(), err)
			return
		}
		data := buf[:n]

		id, ok := v.classify(data, peer, uconn.LocalAddr().String())
		if !ok {
			xlog.Debug("dropped malformed datagram from %s: too short to classify", peer)
			continue
		}
		if v.logDNSDetail {
			xlog.Debug("dns datagram from %s%s", peer, describeDNSQuestion(data))
		}

		v.dispatch(uconn, peer, local, data, id)
	}
}

// dispatch implements spec.md §4.D step 2/3: lookup the manager's mapping,
// allocate and pre-insert a new handler on a miss (load-bearing ordering:
// pre-insertion happens before the handling task is spawned), then feed the
// datagram into the flow's reader either way.
func (v *variant) dispatch(uconn *net.UDPConn, peer *net.UDPAddr, local platform.Address, data []byte, id serverctl.ConnectionID) {
	if existing, ok := v.manager.Lookup(id); ok {
		if h, ok := existing.(*conn.Handler); ok {
			if q, ok := h.Reader.(*datagramQueue); ok {
				q.Feed(data)
				return
			}
		}
		return
	}

	queue := newDatagramQueue(v.opts.UDPHubCapacity)

	serverEndpoint := conn.UDPEndpoint(uconn.LocalAddr())
	if v.transparent && local.IsValid() {
		serverEndpoint = conn.Endpoint{Address: local.String(), Network: "udp"}
	}
	ctx := conn.NewContext(conn.UDPEndpoint(peer), serverEndpoint, v.mode.String())

	h := conn.New(id, ctx, queue, peerWriter{conn: uconn, peer: peer}, v.layerFactory, v.manager, v.opts.UDPIdleTimeout(), func() {
		queue.Close()
	})

	h.Preregister()
	queue.Feed(data)

	go func() {
		if err := h.Run(); err != nil {
			h.Logf(xlog.SeverityDebug, "udp flow ended: %v", err)
		}
	}()
}
