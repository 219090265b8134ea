package platform_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymode/proxycore/platform"
)

func TestAddressString(t *testing.T) {
	a := platform.Address{IP: net.ParseIP("10.0.0.5"), Port: 443}
	assert.Equal(t, "10.0.0.5:443", a.String())
}

func TestAddressIsValid(t *testing.T) {
	assert.False(t, platform.Address{}.IsValid())
	assert.False(t, platform.Address{IP: net.ParseIP("127.0.0.1")}.IsValid())
	assert.True(t, platform.Address{IP: net.ParseIP("127.0.0.1"), Port: 1}.IsValid())
}

func TestOriginalDestinationOnPlainConnectionFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	// A plain, non-redirected connection was never touched by the
	// netfilter TPROXY/REDIRECT target, so SO_ORIGINAL_DST (or its
	// absence outside Linux) must fail the lookup rather than return a
	// fabricated address -- spec.md §6: "the caller logs and continues".
	_, err = platform.OriginalDestination(server)
	assert.Error(t, err)
}

func TestListenUDPRoundTrip(t *testing.T) {
	conn, err := platform.ListenUDP("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	client, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, peer, local, err := platform.ReadOriginalDestination(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.NotNil(t, peer)
	assert.True(t, local.IsValid())
}
