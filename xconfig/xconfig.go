// Package xconfig loads the operator-tunable options referenced throughout
// SPEC_FULL.md (default listen host, UDP idle timeout and hub capacity,
// dual-stack expansion, PROXY protocol expectation) from a TOML file.
// Grounded on the teacher's main/toml/toml.go config-loader registration,
// adapted from xray-core's full routing/inbound/outbound JSON-ish config
// tree to this module's flat options struct, and using the same
// github.com/pelletier/go-toml library the teacher's infra/conf/serial
// package wraps.
package xconfig

import (
	"os"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/relaymode/proxycore/xerr"
)

// Options is the process-wide, construction-time-immutable snapshot every
// ConnectionHandler captures (spec.md §5: "the process-wide options
// snapshot, which each handler captures at construction and treats as
// immutable").
type Options struct {
	// DefaultListenHost is used whenever a mode string's address suffix
	// omits a host (spec.md §6: "Default listen host: loopback or
	// all-interfaces per operator option").
	DefaultListenHost string `toml:"default_listen_host"`

	// UDPIdleTimeoutSeconds overrides conn.UDPIdleTimeout's 20s default.
	UDPIdleTimeoutSeconds int `toml:"udp_idle_timeout_seconds"`

	// UDPHubCapacity bounds the number of in-flight datagrams queued per
	// UDP flow before the reader is assumed stuck.
	UDPHubCapacity int `toml:"udp_hub_capacity"`

	// ExpandDualStack, when true, resolves a bare hostname to every A/AAAA
	// record and opens one socket per address (spec.md's supplemented
	// feature #3) instead of just the first result.
	ExpandDualStack bool `toml:"expand_dual_stack"`

	// ExpectProxyProtocol wraps Upstream and Reverse listeners with a PROXY
	// protocol header reader before installing the top layer.
	ExpectProxyProtocol bool `toml:"expect_proxy_protocol"`
}

// Default returns the options in effect when the operator supplies no
// config file.
func Default() *Options {
	return &Options{
		DefaultListenHost:     "127.0.0.1",
		UDPIdleTimeoutSeconds: 20,
		UDPHubCapacity:        1024,
		ExpandDualStack:       false,
		ExpectProxyProtocol:   false,
	}
}

// UDPIdleTimeout is UDPIdleTimeoutSeconds as a time.Duration.
func (o *Options) UDPIdleTimeout() time.Duration {
	return time.Duration(o.UDPIdleTimeoutSeconds) * time.Second
}

// Load reads and decodes a TOML options file, starting from Default() so a
// partial file only overrides the fields it mentions.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerr.Withf("failed to read config %q", path).Base(err).AtError()
	}

	opts := Default()
	if err := toml.Unmarshal(data, opts); err != nil {
		return nil, xerr.Withf("failed to decode config %q", path).Base(err).AtError()
	}
	return opts, nil
}
