package rsconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_Minimal_AppliesDefaults(t *testing.T) {
	yaml := `
bind_address: "0.0.0.0:1080"
acl_file: "/etc/rustsocks/acl.toml"
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	require.Equal(t, 1024, cfg.MaxConnections)
	require.Equal(t, 8*1024, cfg.RelayBufferSize)
	require.Equal(t, []string{"noauth"}, cfg.Auth.Methods)
	require.Equal(t, "memory", cfg.Session.Storage)
	require.Equal(t, 30, cfg.BindPeerWaitSecs)
}

func TestParse_MissingBindAddress(t *testing.T) {
	_, err := Parse([]byte(`acl_file: "/x/acl.toml"`))
	require.ErrorContains(t, err, "bind_address")
}

func TestParse_MissingAclFile(t *testing.T) {
	_, err := Parse([]byte(`bind_address: "0.0.0.0:1080"`))
	require.ErrorContains(t, err, "acl_file")
}

func TestParse_UserPassWithoutFile(t *testing.T) {
	yaml := `
bind_address: "0.0.0.0:1080"
acl_file: "/x/acl.toml"
auth:
  methods: ["userpass"]
`
	_, err := Parse([]byte(yaml))
	require.ErrorContains(t, err, "userpass_file")
}

func TestParse_PersistentWithoutDSN(t *testing.T) {
	yaml := `
bind_address: "0.0.0.0:1080"
acl_file: "/x/acl.toml"
session:
  storage: "persistent"
`
	_, err := Parse([]byte(yaml))
	require.ErrorContains(t, err, "session.dsn")
}

func TestParse_BindPeerWaitOutOfRange(t *testing.T) {
	yaml := `
bind_address: "0.0.0.0:1080"
acl_file: "/x/acl.toml"
bind_peer_wait_secs: 90
`
	_, err := Parse([]byte(yaml))
	require.ErrorContains(t, err, "bind_peer_wait_secs")
}

func TestToPoolConfig_Conversion(t *testing.T) {
	yaml := `
bind_address: "0.0.0.0:1080"
acl_file: "/x/acl.toml"
pool:
  enabled: true
  max_idle_per_dest: 8
  idle_timeout_secs: 60
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	pc := cfg.ToPoolConfig()
	require.True(t, pc.Enabled)
	require.Equal(t, 8, pc.MaxIdlePerDest)
	require.Equal(t, 60, int(pc.IdleTimeout.Seconds()))
}
