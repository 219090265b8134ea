package platform

import (
	"net"

	"golang.org/x/net/ipv4"

	"github.com/relaymode/proxycore/xerr"
)

// ListenUDP opens a UDP socket with IPv4 IP_PKTINFO ancillary data enabled
// (best effort; the result of enabling it is ignored), so
// ReadOriginalDestination can recover the concrete local address a datagram
// actually arrived on even when the socket itself is bound to a wildcard
// address. No IPv6 control message is requested. Grounded on the teacher's
// transport/internet/udp hub_windows.go/hub_darwin.go pair, which perform
// the platform-specific equivalent of this decoding by hand; this module
// consolidates that into golang.org/x/net's portable ipv4 control-message
// helper rather than forking per-OS files.
func ListenUDP(network, addr string) (*net.UDPConn, error) {
	conn, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, err
	}
	udpConn := conn.(*net.UDPConn)

	p4 := ipv4.NewPacketConn(udpConn)
	_ = p4.SetControlMessage(ipv4.FlagDst, true)

	return udpConn, nil
}

// ReadOriginalDestination reads one datagram from conn, returning its
// payload, peer address, and (when the kernel supplied IPv4 IP_PKTINFO
// ancillary data) the real local destination address. When no control
// message is available -- an IPv6 socket, or a platform that doesn't
// support it -- local falls back to conn's own LocalAddr so transparent-mode
// UDP flows still get a usable, if less precise, server-side endpoint.
func ReadOriginalDestination(conn *net.UDPConn, buf []byte) (n int, peer *net.UDPAddr, local Address, err error) {
	p4 := ipv4.NewPacketConn(conn)
	n, cm4, peer4, rerr := p4.ReadFrom(buf)
	if rerr != nil {
		return 0, nil, Address{}, xerr.Off(xerr.KindPlatformLookup, "udp read failed").Base(rerr).AtWarning()
	}
	peerAddr, _ := peer4.(*net.UDPAddr)
	if cm4 != nil && cm4.Dst != nil {
		return n, peerAddr, addrFromIP(conn, cm4.Dst), nil
	}
	return n, peerAddr, localFallback(conn), nil
}

func addrFromIP(conn *net.UDPConn, ip net.IP) Address {
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return Address{IP: ip, Port: local.Port}
	}
	return Address{IP: ip}
}

func localFallback(conn *net.UDPConn) Address {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return Address{}
	}
	return Address{IP: local.IP, Port: local.Port}
}
