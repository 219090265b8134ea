// Package registry implements the Mode Registry (spec.md §4.E): a
// process-wide mapping from mode tag to listener factory. Grounded on the
// teacher's common.RegisterConfig/TypeMap pattern (common/type.go) and on
// core.RegisterConfigLoader's init()-time, reject-on-duplicate registration
// main/toml/toml.go performs for config formats, adapted from a
// reflect.Type key to this module's modespec.Kind string tag.
package registry

import (
	"sync"

	"github.com/relaymode/proxycore/listener"
	"github.com/relaymode/proxycore/modespec"
	"github.com/relaymode/proxycore/serverctl"
	"github.com/relaymode/proxycore/xconfig"
	"github.com/relaymode/proxycore/xerr"
)

// Factory builds the concrete Instance for one parsed mode. opts is the
// process-wide, construction-time snapshot (spec.md §5).
type Factory func(mode *modespec.ModeSpec, manager serverctl.Manager, opts *xconfig.Options) (listener.Instance, error)

// Registry is the mode tag -> Factory mapping. The zero value is not
// usable; construct with New.
type Registry struct {
	mu        sync.Mutex
	factories map[modespec.Kind]Factory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[modespec.Kind]Factory)}
}

// Register declares the factory responsible for kind. Registration happens
// once at startup and is idempotent for a given (kind, call site) in the
// sense that Go's package init runs it exactly once; Register itself
// enforces the startup-time invariant that two different factories can
// never claim the same tag.
func (r *Registry) Register(kind modespec.Kind, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return xerr.Off(xerr.KindDuplicateModeTag, "mode tag %q already registered", kind).AtError()
	}
	r.factories[kind] = f
	return nil
}

// MustRegister panics on a duplicate-tag registration; meant for package
// init() functions, where a registration conflict is a programming error
// that should fail fast rather than propagate as a runtime error.
func (r *Registry) MustRegister(kind modespec.Kind, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Make performs lookup and constructs the instance for mode.Kind (spec.md
// §4.E: "make(mode, manager) performs lookup and constructs the
// instance; unknown tag -> UnknownMode").
func (r *Registry) Make(mode *modespec.ModeSpec, manager serverctl.Manager, opts *xconfig.Options) (listener.Instance, error) {
	r.mu.Lock()
	f, ok := r.factories[mode.Kind]
	r.mu.Unlock()
	if !ok {
		return nil, xerr.Off(xerr.KindUnknownMode, "no listener registered for mode kind %q", mode.Kind).AtError()
	}
	return f(mode, manager, opts)
}

// Default is the process-wide Registry that the listener/tcp and
// listener/udp packages' init() functions populate and the cmd/modeproxyd
// entrypoint builds its instances from.
var Default = New()
