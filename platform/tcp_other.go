//go:build !linux
// +build !linux

package platform

import (
	"net"

	"github.com/relaymode/proxycore/xerr"
)

// OriginalDestination is unsupported outside Linux; SO_ORIGINAL_DST is a
// Linux netfilter extension with no portable equivalent. Transparent mode
// callers must log the failure and continue per spec.md §6 ("Fails with
// platform-specific errors; the caller logs and continues").
func OriginalDestination(c net.Conn) (Address, error) {
	return Address{}, xerr.Off(xerr.KindPlatformLookup, "transparent mode original-destination lookup is not supported on this platform").AtWarning()
}
