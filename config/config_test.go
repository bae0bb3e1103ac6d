package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	o, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, o.Timeout)
	assert.Equal(t, 30*time.Second, o.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, o.RegisterCheckInterval)
	assert.False(t, o.EnableLocalCache)
	assert.False(t, o.EnableQueryServer)
	assert.Equal(t, "json", o.Codec)
	assert.Equal(t, Default().CacheDir, o.CacheDir)

	// Nothing to discover from
	assert.Error(t, o.Validate())
	o.StaticEndpoints = []string{"127.0.0.1:9880"}
	assert.NoError(t, o.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timeout: 2s
heartbeat-timeout: 10s
enable-local-cache: true
cache-dir: /var/cache/drm
static-endpoints:
  - 10.0.0.1:9880
  - 10.0.0.2:9880
codec: binary
`), 0o644))
	t.Setenv("DRM_HEARTBEAT_TIMEOUT", "12s")
	t.Setenv("DRM_ETCD_ENDPOINTS", "10.0.0.5:2379,10.0.0.6:2379")
	t.Setenv("DRM_ZONE", "gz00a")

	o, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, o.Timeout)
	assert.Equal(t, 12*time.Second, o.HeartbeatTimeout)
	assert.True(t, o.EnableLocalCache)
	assert.Equal(t, "/var/cache/drm", o.CacheDir)
	assert.Equal(t, []string{"10.0.0.1:9880", "10.0.0.2:9880"}, o.StaticEndpoints)
	assert.Equal(t, []string{"10.0.0.5:2379", "10.0.0.6:2379"}, o.EtcdEndpoints)
	assert.Equal(t, "gz00a", o.Zone)
	assert.Equal(t, "binary", o.Codec)
	assert.NoError(t, o.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{
		"--timeout=3s",
		"--static-endpoints=127.0.0.1:1,127.0.0.1:2",
		"--enable-query-server",
	}))

	v, err := NewViper(flags)
	require.NoError(t, err)
	o, err := FromViper(v, "")
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, o.Timeout)
	assert.Equal(t, []string{"127.0.0.1:1", "127.0.0.1:2"}, o.StaticEndpoints)
	assert.True(t, o.EnableQueryServer)
	assert.Equal(t, DefaultQueryServerAddr, o.QueryServerAddr)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.StaticEndpoints = []string{"127.0.0.1:9880"}

	cases := []struct {
		name   string
		modify func(*Options)
	}{
		{"timeout", func(o *Options) { o.Timeout = 0 }},
		{"heartbeat", func(o *Options) { o.HeartbeatTimeout = -time.Second }},
		{"cache dir", func(o *Options) { o.EnableLocalCache = true; o.CacheDir = "" }},
		{"query addr", func(o *Options) { o.EnableQueryServer = true; o.QueryServerAddr = "" }},
		{"codec", func(o *Options) { o.Codec = "xml" }},
		{"balancer", func(o *Options) { o.Balancer = "random" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			tc.modify(&o)
			assert.Error(t, o.Validate())
		})
	}
}
