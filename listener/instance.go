// Package listener implements the Listener Abstraction (spec.md §4.B): the
// lifecycle contract every concrete mode listener (TCP and UDP families)
// shares -- start/stop/is_running/listen_addrs, error mapping, and the
// stable log lines. Grounded on the teacher's worker interface
// (app/proxyman/inbound/worker.go: Start/Close/Port) generalized from "one
// TCP or UDP port" to "however many sockets one mode needs", and on
// AlwaysOnInboundHandler's Start/Close sweep over its workers.
package listener

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/relaymode/proxycore/modespec"
	"github.com/relaymode/proxycore/xerr"
	"github.com/relaymode/proxycore/xlog"
)

// maxPortProbeAttempts bounds the opportunistic free-port probe (spec.md
// §4.B's mandatory "port+1" message only ever names one port; the probe
// below tries a short run past it so the resulting *xerr.Error's
// SuggestedAddr() names one that is actually free, mirroring the
// original's set_server_addr, which keeps trying port+1, port+2, ... until
// an unused one turns up).
const maxPortProbeAttempts = 8

// Instance is the contract spec.md §4.B requires of every mode listener.
type Instance interface {
	Start() error
	Stop() error
	IsRunning() bool
	ListenAddrs() []string
	Mode() *modespec.ModeSpec
	LastError() error
}

// Binder opens whatever sockets a concrete listener needs and starts
// serving them in the background. It returns the resolved concrete
// addresses (spec.md §4.B: "a host string may expand to multiple, e.g.
// dual-stack") and a closer that stops serving and releases the sockets.
// Binder must not block past the point where the sockets are bound and
// ready to accept/receive.
type Binder func() (addrs []string, closer func() error, err error)

// Base implements the state machine and logging side effects common to
// every concrete listener (spec.md §4.B), leaving socket-specific bind/close
// behavior to a Binder supplied at construction. TCP and UDP listener
// families (listener/tcp, listener/udp) embed Base and wire Start/Stop
// through it.
type Base struct {
	mode    *modespec.ModeSpec
	logDesc string
	bind    Binder

	mu          sync.Mutex
	state       State
	listenAddrs []string
	lastErr     error
	closer      func() error
}

// NewBase constructs a Base. logDesc is the mode-specific description used
// in the lifecycle log lines (spec.md §4.B/§4.C), e.g. "HTTP(S) proxy" or
// "Reverse proxy to <target>".
func NewBase(mode *modespec.ModeSpec, logDesc string, bind Binder) *Base {
	return &Base{mode: mode, logDesc: logDesc, bind: bind, state: StateStopped}
}

func (b *Base) Mode() *modespec.ModeSpec { return b.mode }

func (b *Base) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateRunning
}

func (b *Base) ListenAddrs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return nil
	}
	out := make([]string, len(b.listenAddrs))
	copy(out, b.listenAddrs)
	return out
}

func (b *Base) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Start implements spec.md §4.B's start() contract.
func (b *Base) Start() error {
	b.mu.Lock()
	if !b.state.startable() {
		b.mu.Unlock()
		return xerr.Of(xerr.KindAlreadyRunning, "listener already running").AtWarning()
	}
	b.state = StateStarting
	b.mu.Unlock()

	addrs, closer, err := b.bind()
	if err != nil {
		mapped := b.mapBindError(err)

		b.mu.Lock()
		b.state = StateFailed
		b.lastErr = mapped
		b.mu.Unlock()

		mapped.Log()
		return mapped
	}

	b.mu.Lock()
	b.state = StateRunning
	b.listenAddrs = addrs
	b.lastErr = nil
	b.closer = closer
	b.mu.Unlock()

	xlog.Info("%s listening at %s", b.logDesc, strings.Join(addrs, ", "))
	return nil
}

// mapBindError implements spec.md §4.B's error mapping: an address-in-use
// failure with no operator-pinned port gets the "try the next port"
// suggestion baked into the message, plus (best-effort) the first port an
// opportunistic probe found actually free; anything else (or an in-use
// failure with a pinned port) surfaces the underlying OS error unchanged.
func (b *Base) mapBindError(err error) *xerr.Error {
	if isAddrInUse(err) && !b.mode.ExplicitPort {
		mapped := xerr.Off(xerr.KindAddressInUse,
			"address in use; try again with an explicit port, e.g. @%d",
			int(b.mode.Port)+1).Base(err).AtWarning()
		if addr, ok := b.probeFreeAddr(); ok {
			mapped = mapped.Suggest(addr)
		}
		return mapped
	}
	if isAddrInUse(err) {
		return xerr.Off(xerr.KindAddressInUse, "address in use").Base(err).AtWarning()
	}
	return xerr.Of(xerr.KindBindFailed, "failed to bind listener").Base(err).AtWarning()
}

// probeFreeAddr opportunistically tries port+1, port+2, ... on the same
// host and network family as this listener, immediately releasing whatever
// it manages to open, and reports the first one that succeeded. It is a
// single best-effort sweep, never a retried/automatic rebind: the caller
// decides whether to act on the suggestion.
func (b *Base) probeFreeAddr() (string, bool) {
	network := "tcp"
	if b.mode.Kind == modespec.KindDNS || b.mode.Kind == modespec.KindUDP {
		network = "udp"
	}

	for i := 1; i <= maxPortProbeAttempts; i++ {
		port := int(b.mode.Port) + i
		if port > 65535 {
			break
		}
		addr := net.JoinHostPort(b.mode.Host, strconv.Itoa(port))

		if network == "udp" {
			pc, err := net.ListenPacket("udp", addr)
			if err != nil {
				continue
			}
			pc.Close()
			return addr, true
		}

		l, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		l.Close()
		return addr, true
	}
	return "", false
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

// Stop implements spec.md §4.B's stop() contract: transition to Stopping,
// capture and clear listen_addrs, close the sockets, drain, then
// transition to Stopped regardless of drain outcome.
func (b *Base) Stop() error {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return xerr.Of(xerr.KindNotRunning, "listener not running").AtWarning()
	}
	addrs := b.listenAddrs
	closer := b.closer
	b.state = StateStopping
	b.listenAddrs = nil
	b.mu.Unlock()

	var drainErr error
	if closer != nil {
		drainErr = closer()
	}

	b.mu.Lock()
	b.state = StateStopped
	b.closer = nil
	if drainErr != nil {
		b.lastErr = xerr.Of(xerr.KindDrainFailed, "failed to drain listener").Base(drainErr).AtWarning()
	} else {
		b.lastErr = nil
	}
	err := b.lastErr
	b.mu.Unlock()

	xlog.Info("Stopped %s at %s", b.logDesc, strings.Join(addrs, ", "))
	if err != nil {
		err.(*xerr.Error).Log()
		return err
	}
	return nil
}

// String is handy in logs and tests: "<mode>[<addrs-or-state>]", listing the
// bound addresses while running and the state name otherwise.
func (b *Base) String() string {
	b.mu.Lock()
	state, addrs := b.state, append([]string(nil), b.listenAddrs...)
	b.mu.Unlock()

	if state == StateRunning {
		return fmt.Sprintf("%s[%s]", b.mode, strings.Join(addrs, ","))
	}
	return fmt.Sprintf("%s[%s]", b.mode, state)
}
