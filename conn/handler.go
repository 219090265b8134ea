// Package conn implements the Connection Handler Adapter (spec.md §4.F):
// the bridge between a listener's accepted connection or demultiplexed UDP
// flow and the mode-specific protocol engine (a Layer). Grounded on the
// teacher's app/proxyman/inbound tcpWorker/udpWorker connection-handling
// goroutines (worker.go's per-connection "go handler.handleConnection(...)"
// pattern), generalized from a fixed Dispatcher-driven proxy.Handler to an
// arbitrary caller-supplied Layer.
package conn

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/relaymode/proxycore/serverctl"
	"github.com/relaymode/proxycore/xlog"
)

// DefaultIdleTimeout is the watchdog duration TCP flows and non-UDP-family
// flows start with. The UDP listener family shortens this to 20s for
// freshly demultiplexed flows (spec.md §4.D).
const DefaultIdleTimeout = 5 * time.Minute

// UDPIdleTimeout is the shortened watchdog spec.md §4.D mandates for new
// UDP flows.
const UDPIdleTimeout = 20 * time.Second

// Handler is the ConnectionHandler spec.md §3/§4.F describes: it owns the
// read/write halves, the mutable Context, the installed Layer, the idle
// watchdog, and the log prefix derived from the peer address.
type Handler struct {
	ID      serverctl.ConnectionID
	Context *Context

	Reader io.Reader
	Writer io.Writer

	layer    Layer
	watchdog *Watchdog
	manager  serverctl.Manager
	guard    *serverctl.Guard

	logPrefix     string
	correlationID string
}

// New constructs a Handler for a freshly accepted connection or
// demultiplexed flow, given its reader/writer halves (spec.md §4.C step 2:
// "Construct a ConnectionHandler with the accepted reader/writer halves").
// timeout is the watchdog's initial duration; onIdle is invoked at most
// once, from the watchdog's own goroutine, when the flow has been silent
// for too long.
func New(id serverctl.ConnectionID, ctx *Context, r io.Reader, w io.Writer, layerFactory LayerFactory, manager serverctl.Manager, timeout time.Duration, onIdle func()) *Handler {
	corrID := uuid.NewString()
	h := &Handler{
		ID:            id,
		Context:       ctx,
		Reader:        r,
		Writer:        w,
		manager:       manager,
		logPrefix:     fmt.Sprintf("[%s %s]", id, corrID[:8]),
		correlationID: corrID,
	}
	h.layer = layerFactory(ctx)
	h.watchdog = NewWatchdog(timeout, func() {
		h.Logf(xlog.SeverityInfo, "idle watchdog fired, closing flow")
		onIdle()
	})
	return h
}

// CorrelationID returns the flow's unique id, used to correlate log lines
// and hook payloads for a single flow across its lifetime.
func (h *Handler) CorrelationID() string { return h.correlationID }

// Touch resets the idle watchdog; callers invoke this on every read or
// write so an active flow is never killed for idleness.
func (h *Handler) Touch() {
	h.watchdog.Reset()
}

// ShortenIdleTimeout applies the UDP family's 20s idle window (spec.md
// §4.D) to an already-constructed handler.
func (h *Handler) ShortenIdleTimeout() {
	h.watchdog.SetTimeout(UDPIdleTimeout)
}

// Preregister acquires the manager's scoped registration for this handler
// synchronously, ahead of spawning the task that will run it. The UDP
// listener family needs this (spec.md §4.D: "pre-insert the handler into
// the mapping before spawning the task; a second datagram for the same id
// may race the task start") since a registration performed only inside
// Run's own goroutine could lose that race. Calling Preregister before Run
// makes Run reuse the already-acquired guard instead of registering again.
func (h *Handler) Preregister() *serverctl.Guard {
	h.guard = h.manager.Register(h.ID, h)
	return h.guard
}

// Run registers the handler with the manager if Preregister wasn't already
// called (a scoped acquisition, guaranteed to release on every exit path,
// spec.md §5's "Resource release"), drives the installed Layer to
// completion, and deregisters. Run is meant to be the body of the
// per-connection goroutine the listener spawns.
func (h *Handler) Run() error {
	guard := h.guard
	if guard == nil {
		guard = h.manager.Register(h.ID, h)
	}
	defer guard.Release()
	defer h.watchdog.Stop()

	h.Logf(xlog.SeverityInfo, "flow started")
	err := h.layer.Run(h)
	if err != nil {
		h.Logf(xlog.SeverityDebug, "flow ended with error: %v", err)
	}
	h.Logf(xlog.SeverityInfo, "flow ended")
	return err
}

// Dispatch delivers a lifecycle hook through the manager's bus and, when the
// hook carries a flow payload, separately awaits its resume signal before
// returning control (spec.md §4.F: "deliver the hook through the addon
// lifecycle bus" then, independently, "await its resume signal") -- mirroring
// the original's handle_hook, which awaits addons.handle_lifecycle(hook) and
// only then, as a second and distinct step, awaits data.wait_for_resume().
// The bus itself makes no promise to wait out a resume channel, so that step
// is this method's own responsibility, not something it can hand off. The
// idle watchdog is disarmed for both steps and re-armed on every exit path,
// including a panic unwinding through this call, so a slow operator script
// never spuriously kills an idle flow.
func (h *Handler) Dispatch(name string, payload interface{}, resume <-chan struct{}) {
	rearm := h.watchdog.Disarm()
	defer rearm()

	h.manager.HandleLifecycle(serverctl.Hook{Name: name, Payload: payload, Resume: resume})
	if resume != nil {
		<-resume
	}
}

// Logf emits a log record carrying the handler's peer-derived prefix
// (spec.md §4.F, §4.B: "a log prefix derived from the peer address").
func (h *Handler) Logf(sev xlog.Severity, format string, args ...interface{}) {
	xlog.Record(&xlog.Message{
		Severity: sev,
		Content:  h.logPrefix + " " + fmt.Sprintf(format, args...),
	})
}
