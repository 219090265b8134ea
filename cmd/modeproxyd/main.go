// Command modeproxyd is the operator-facing entrypoint for this module
// (spec.md §4.A/§6): it parses one or more mode strings, loads the optional
// TOML options file, builds and starts one listener.Instance per mode via
// the registry, and sweeps them all on SIGINT/SIGTERM. Grounded on the
// teacher's main/run.go (flag-driven config load, signal.Notify-based
// shutdown wait) and common/cmdarg's repeated-flag pattern, generalized
// from xray-core's single-config-tree startup to this module's
// many-modes-per-process model.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/relaymode/proxycore/listener"
	_ "github.com/relaymode/proxycore/listener/tcp"
	_ "github.com/relaymode/proxycore/listener/udp"
	"github.com/relaymode/proxycore/modespec"
	"github.com/relaymode/proxycore/registry"
	"github.com/relaymode/proxycore/serverctl"
	"github.com/relaymode/proxycore/xconfig"
	"github.com/relaymode/proxycore/xlog"
)

// modeList accepts the repeated -mode flag, one mode string per occurrence.
type modeList []string

func (m *modeList) String() string { return strings.Join(*m, " ") }

func (m *modeList) Set(value string) error {
	*m = append(*m, value)
	return nil
}

var modes modeList

func init() {
	flag.Var(&modes, "mode", "Mode spec to listen on, e.g. regular@127.0.0.1:8080. Repeatable.")
}

func main() {
	configPath := flag.String("config", "", "Path to a TOML options file. Optional; defaults apply when omitted.")
	flag.Parse()

	if len(modes) == 0 {
		fmt.Fprintln(os.Stderr, "modeproxyd: at least one -mode is required")
		os.Exit(2)
	}

	opts := xconfig.Default()
	if *configPath != "" {
		loaded, err := xconfig.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "modeproxyd: failed to load config:", err)
			os.Exit(1)
		}
		opts = loaded
	}

	instances, err := startAll(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "modeproxyd: failed to start:", err)
		os.Exit(1)
	}

	for _, inst := range instances {
		xlog.Info("listening: %s", inst)
	}

	awaitShutdown()
	stopAll(instances)
}

func startAll(opts *xconfig.Options) ([]listener.Instance, error) {
	manager := serverctl.NewDefaultManager(nil)

	var instances []listener.Instance
	for _, m := range modes {
		mode, err := modespec.Parse(m)
		if err != nil {
			stopAll(instances)
			return nil, fmt.Errorf("mode %q: %w", m, err)
		}

		inst, err := registry.Default.Make(mode, manager, opts)
		if err != nil {
			stopAll(instances)
			return nil, fmt.Errorf("mode %q: %w", m, err)
		}

		if err := inst.Start(); err != nil {
			stopAll(instances)
			return nil, fmt.Errorf("mode %q: %w", m, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// stopAll sweeps every instance concurrently and best-effort, logging but
// not aborting on any individual stop failure, so one stuck listener never
// prevents the rest from releasing their sockets.
func stopAll(instances []listener.Instance) {
	var g errgroup.Group
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			if err := inst.Stop(); err != nil {
				xlog.Warning("failed to stop %s: %v", inst, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func awaitShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
