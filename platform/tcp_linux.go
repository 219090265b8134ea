//go:build linux
// +build linux

package platform

import (
	"encoding/binary"
	"net"
	"syscall"
	"unsafe"

	"github.com/relaymode/proxycore/xerr"
)

const soOriginalDst = 80

// OriginalDestination recovers the pre-redirect destination of an accepted
// TCP connection via SO_ORIGINAL_DST. Grounded directly on the teacher's
// GetOriginalDestination (transport/internet/tcp/sockopt_linux.go), which
// retrieves the kernel's struct through GetsockoptIPv6MTUInfo because the Go
// syscall package exposes no purpose-built call for SO_ORIGINAL_DST; the
// MTU-info struct happens to share sockaddr_in's byte layout closely enough
// to read the address and port back out of it.
func OriginalDestination(c net.Conn) (Address, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return Address{}, xerr.Off(xerr.KindPlatformLookup, "connection does not expose a raw fd").AtWarning()
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		return Address{}, xerr.Off(xerr.KindPlatformLookup, "failed to obtain raw connection").Base(err).AtWarning()
	}

	ipv6 := len(c.RemoteAddr().String()) > 0 && c.RemoteAddr().String()[0] == '['

	var addr Address
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		level := syscall.IPPROTO_IP
		if ipv6 {
			level = syscall.IPPROTO_IPV6
		}
		info, gerr := syscall.GetsockoptIPv6MTUInfo(int(fd), level, soOriginalDst)
		if gerr != nil {
			sockErr = gerr
			return
		}
		ip := (*[4]byte)(unsafe.Pointer(&info.Addr.Flowinfo))[:4]
		if ipv6 {
			ip = info.Addr.Addr[:]
		}
		port := (*[2]byte)(unsafe.Pointer(&info.Addr.Port))[:2]
		addr = Address{IP: net.IP(append([]byte(nil), ip...)), Port: int(binary.BigEndian.Uint16(port))}
	})
	if err != nil {
		return Address{}, xerr.Off(xerr.KindPlatformLookup, "failed to control connection").Base(err).AtWarning()
	}
	if sockErr != nil {
		return Address{}, xerr.Off(xerr.KindPlatformLookup, "getsockopt SO_ORIGINAL_DST failed").Base(sockErr).AtWarning()
	}
	if !addr.IsValid() {
		return Address{}, xerr.Off(xerr.KindPlatformLookup, "getsockopt returned no destination").AtWarning()
	}
	return addr, nil
}
