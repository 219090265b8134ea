package xconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymode/proxycore/xconfig"
)

func TestDefaultOptions(t *testing.T) {
	o := xconfig.Default()
	assert.Equal(t, "127.0.0.1", o.DefaultListenHost)
	assert.Equal(t, 20*time.Second, o.UDPIdleTimeout())
	assert.False(t, o.ExpectProxyProtocol)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxycore.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_listen_host = "0.0.0.0"
expect_proxy_protocol = true
`), 0o644))

	o, err := xconfig.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", o.DefaultListenHost)
	assert.True(t, o.ExpectProxyProtocol)
	assert.Equal(t, 20*time.Second, o.UDPIdleTimeout(), "fields absent from the file must keep their default")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := xconfig.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
