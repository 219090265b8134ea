// Package platform implements the "Platform service" spec.md §6 describes
// as a consumed external collaborator: original_addr(socket) -> Address,
// used only by the transparent TCP and UDP listener variants (spec.md
// §4.C, §4.D) to recover the pre-redirect destination a client's packets
// were actually addressed to. Grounded on the teacher's
// transport/internet/tcp/sockopt_linux.go (TCP) and
// transport/internet/udp's oob-decoding dial path (UDP).
package platform

import (
	"fmt"
	"net"
)

// Address is the platform-recovered destination, deliberately narrower
// than the teacher's net.Destination: this core only ever turns it into a
// conn.Endpoint's Address string.
type Address struct {
	IP   net.IP
	Port int
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// IsValid reports whether the lookup actually produced a usable address.
func (a Address) IsValid() bool {
	return a.IP != nil && a.Port != 0
}
