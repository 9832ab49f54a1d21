package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadConfigServer(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "0.0.0.0:443"
  token: "hunter2"
  certificate: "/path/to/cert.pem"
  certificate_key: "/path/to/key.pem"
  udp_relay_mode: "native"
  congestion_control: "bbr"
  heartbeat: 3s
  max_idle_time: 15s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0:443", cfg.Server.Listen)
	assert.Equal(t, "hunter2", cfg.Server.Token)
	assert.Equal(t, "native", cfg.Server.UDPRelayMode)
	assert.Equal(t, "bbr", cfg.Server.CongestionControl)
	assert.Equal(t, 3*time.Second, cfg.Server.Heartbeat)
	assert.Equal(t, 15*time.Second, cfg.Server.MaxIdleTime)
	assert.Equal(t, DefaultMaxPacketSize, cfg.Server.MaxUDPPacketSize)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:443"
  token: "hunter2"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultUDPRelayMode, cfg.Server.UDPRelayMode)
	assert.Equal(t, DefaultCongestionControl, cfg.Server.CongestionControl)
	assert.Equal(t, DefaultMaxIdleTime, cfg.Server.MaxIdleTime)
	assert.Equal(t, DefaultHeartbeat, cfg.Server.Heartbeat)
}

func TestLoadConfigRejectsMissingToken(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:443"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsHeartbeatNotLessThanIdle(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:443"
  token: "hunter2"
  heartbeat: 15s
  max_idle_time: 15s
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigClientRequiresPairedSocks5Credentials(t *testing.T) {
	path := writeConfig(t, `
client:
  server: "example.com:443"
  token: "hunter2"
  socks5_username: "alice"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigClientAcceptsNoSocks5Credentials(t *testing.T) {
	path := writeConfig(t, `
client:
  server: "example.com:443"
  local: "127.0.0.1:1080"
  token: "hunter2"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "example.com:443", cfg.Client.Server)
	assert.Equal(t, DefaultMaxPacketSize, cfg.Client.MaxPacketSize)
}

func TestLoadConfigRejectsUnknownCongestionControl(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:443"
  token: "hunter2"
  congestion_control: "reno2000"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigFileNotFound(t *testing.T) {
	cfg, err := LoadConfig("non-existent-file.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestGetConfigReturnsMostRecentlyLoaded(t *testing.T) {
	conf = nil
	assert.Nil(t, GetConfig())

	path := writeConfig(t, `
server:
  listen: "127.0.0.1:443"
  token: "hunter2"
`)
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Same(t, loaded, GetConfig())
}

func TestValidateAcceptsNewRenoAlias(t *testing.T) {
	c := Config{Server: ServerConfig{
		Listen:            "x",
		Token:             "t",
		Heartbeat:         time.Second,
		MaxIdleTime:       2 * time.Second,
		UDPRelayMode:      "native",
		CongestionControl: "newreno",
	}}
	assert.NoError(t, c.Validate())
}
