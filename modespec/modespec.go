// Package modespec parses and validates the operator-visible mode-spec
// grammar (spec.md §4.A, §6):
//
//	mode  := kind [":" data] ["@" [host ":"] port]
//	kind  := "regular" | "upstream" | "transparent"
//	       | "reverse" | "socks5" | "dns" | "udp"
//
// It is intentionally ignorant of everything past the grammar itself: no
// protocol parsing, no DNS resolution, no socket I/O. Grounded on the
// teacher's app/proxyman/config.go decoding of receiver specs, adapted from
// a protobuf/JSON config format to this module's plain string grammar.
package modespec

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/relaymode/proxycore/xerr"
)

// Kind is one of the enumerated mode tags.
type Kind string

const (
	KindRegular     Kind = "regular"
	KindUpstream    Kind = "upstream"
	KindTransparent Kind = "transparent"
	KindReverse     Kind = "reverse"
	KindSocks5      Kind = "socks5"
	KindDNS         Kind = "dns"
	KindUDP         Kind = "udp"
)

var knownKinds = map[Kind]bool{
	KindRegular: true, KindUpstream: true, KindTransparent: true,
	KindReverse: true, KindSocks5: true, KindDNS: true, KindUDP: true,
}

// StreamCapable reports whether a kind may be used as the inner mode of a
// udp:<inner> spec (spec.md §3 invariant: "udp.inner must itself be a
// stream-capable kind; udp never nests within udp").
func (k Kind) StreamCapable() bool {
	switch k {
	case KindRegular, KindUpstream, KindTransparent, KindReverse, KindSocks5:
		return true
	default:
		return false
	}
}

// DNSMode is the dns-kind data flag (spec.md §3).
type DNSMode string

const (
	DNSTransparent  DNSMode = "transparent"
	DNSResolveLocal DNSMode = "resolve-local"
	// DNSExplicitHost is used whenever Data is neither of the two literals
	// above; the literal itself is the explicit upstream host.
	DNSExplicitHost DNSMode = "explicit-host"
)

const (
	defaultProxyPort = 8080
	defaultDNSPort   = 53
)

// ModeSpec is the parsed, typed form of an operator mode string.
type ModeSpec struct {
	Kind Kind
	// Data is the raw kind-specific payload: a URL for upstream/reverse, the
	// dns mode literal for dns, or the inner mode string for udp.
	Data string
	// Host is the parsed listen host; empty means "use the operator's
	// default (loopback or all-interfaces)".
	Host string
	// Port is the parsed listen port.
	Port uint16
	// ExplicitPort is true when the operator supplied "@...:PORT"
	// themselves, rather than it coming from the kind's default. Spec.md
	// §4.B ties the "suggest port+1" behavior to this flag.
	ExplicitPort bool
	// Inner is populated only for Kind == KindUDP, holding the recursively
	// parsed stream-capable mode it wraps.
	Inner *ModeSpec
}

// DNSMode reinterprets Data for a dns-kind spec.
func (m *ModeSpec) DNSMode() DNSMode {
	switch DNSMode(m.Data) {
	case DNSTransparent, DNSResolveLocal:
		return DNSMode(m.Data)
	case "":
		return DNSTransparent
	default:
		return DNSExplicitHost
	}
}

// String reconstructs the canonical mode string, mirroring the original
// mitmproxy ProxyMode.__str__ (SPEC_FULL.md's supplemented feature #2).
func (m *ModeSpec) String() string {
	var b strings.Builder
	b.WriteString(string(m.Kind))
	if m.Data != "" {
		b.WriteByte(':')
		b.WriteString(m.Data)
	}
	if m.ExplicitPort {
		b.WriteByte('@')
		if m.Host != "" {
			b.WriteString(m.Host)
			b.WriteByte(':')
		}
		b.WriteString(strconv.Itoa(int(m.Port)))
	}
	return b.String()
}

var hostnameRE = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,62})(\.[A-Za-z0-9]([A-Za-z0-9-]{0,62}))*$`)

// Parse parses and validates a mode string per spec.md §4.A/§6.
func Parse(s string) (*ModeSpec, error) {
	kindPart := s
	addrPart := ""
	if idx := strings.LastIndex(s, "@"); idx >= 0 {
		kindPart = s[:idx]
		addrPart = s[idx+1:]
	}

	kindStr, data := kindPart, ""
	if idx := strings.IndexByte(kindPart, ':'); idx >= 0 {
		kindStr, data = kindPart[:idx], kindPart[idx+1:]
	}

	kind := Kind(kindStr)
	if !knownKinds[kind] {
		return nil, xerr.Off(xerr.KindMalformedMode, "unknown mode kind %q", kindStr).AtWarning()
	}

	spec := &ModeSpec{Kind: kind, Data: data}

	switch kind {
	case KindUpstream, KindReverse:
		if data == "" {
			return nil, xerr.Off(xerr.KindMalformedMode, "%s mode requires a target URL", kind).AtWarning()
		}
	case KindUDP:
		if data == "" {
			return nil, xerr.Off(xerr.KindMalformedMode, "udp mode requires an inner mode").AtWarning()
		}
		inner, err := Parse(data)
		if err != nil {
			return nil, err
		}
		if !inner.Kind.StreamCapable() {
			return nil, xerr.Off(xerr.KindMalformedMode, "udp may not nest %q", inner.Kind).AtWarning()
		}
		spec.Inner = inner
	}

	defPort := uint16(defaultProxyPort)
	if kind == KindDNS {
		defPort = defaultDNSPort
	}

	host, port, explicit, err := parseAddr(addrPart, defPort)
	if err != nil {
		return nil, err
	}
	spec.Host, spec.Port, spec.ExplicitPort = host, port, explicit
	return spec, nil
}

func parseAddr(addrPart string, defPort uint16) (host string, port uint16, explicit bool, err error) {
	if addrPart == "" {
		return "", defPort, false, nil
	}

	var portStr string
	if strings.Contains(addrPart, ":") {
		host, portStr, err = net.SplitHostPort(addrPart)
		if err != nil {
			return "", 0, false, xerr.Off(xerr.KindInvalidAddress, "malformed address %q", addrPart).Base(err).AtWarning()
		}
	} else {
		portStr = addrPart
	}

	if host != "" && net.ParseIP(host) == nil && !hostnameRE.MatchString(host) {
		return "", 0, false, xerr.Off(xerr.KindInvalidAddress, "invalid host %q", host).AtWarning()
	}

	val, convErr := strconv.Atoi(portStr)
	if convErr != nil || val < 0 || val > 65535 {
		return "", 0, false, xerr.Off(xerr.KindInvalidPort, "invalid port %q", portStr).AtWarning()
	}

	return host, uint16(val), true, nil
}
