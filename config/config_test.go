package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dyastin-0/zipline/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, int(core.DefaultPort), cfg.ListenPort)
	assert.Equal(t, core.DefaultPeerTimeout, cfg.PeerTimeout)
	assert.Equal(t, core.DefaultBufferSize, cfg.BufferSize)
	assert.NotEmpty(t, cfg.DownloadDirectory)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_port: 7000
device_name: desk
user_name: alice
platform: Linux
download_directory: /srv/inbox
peer_timeout: 30s
heartbeat_interval: 10s
buffer_size: 65536
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.ListenPort)
	assert.Equal(t, "/srv/inbox", cfg.DownloadDirectory)
	assert.Equal(t, 30*time.Second, cfg.PeerTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 65536, cfg.BufferSize)
	// untouched keys keep their defaults
	assert.Equal(t, core.DefaultBroadcastMinGap, cfg.BroadcastMinGap)
	assert.Equal(t, "alice at desk (Linux)", cfg.Signature())
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "listen_port: [nope"))
	require.ErrorIs(t, err, core.ErrConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero port", mutate: func(c *Config) { c.ListenPort = 0 }, wantErr: core.ErrInvalidPort},
		{name: "last port is reserved for the avatar", mutate: func(c *Config) { c.ListenPort = 65535 }, wantErr: core.ErrInvalidPort},
		{name: "no download dir", mutate: func(c *Config) { c.DownloadDirectory = "" }, wantErr: core.ErrNoDownloadDir},
		{name: "zero timeout", mutate: func(c *Config) { c.PeerTimeout = 0 }, wantErr: core.ErrConfig},
		{name: "negative discovery count", mutate: func(c *Config) { c.InitialDiscoveryCount = -1 }, wantErr: core.ErrConfig},
		{name: "zero buffer", mutate: func(c *Config) { c.BufferSize = 0 }, wantErr: core.ErrConfig},
		{name: "zero progress interval", mutate: func(c *Config) { c.ProgressUpdateInterval = 0 }, wantErr: core.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOptions(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 7100
	cfg.UserName = "alice"
	cfg.DeviceName = "desk"
	cfg.Platform = "Linux"
	cfg.AvatarPath = "/tmp/me.png"

	opts := cfg.Options()
	assert.Equal(t, uint16(7100), opts.Port)
	assert.Equal(t, "alice at desk (Linux)", opts.Signature)
	assert.Equal(t, cfg.DownloadDirectory, opts.DownloadDir)
	assert.Equal(t, "/tmp/me.png", opts.AvatarPath)
	assert.Equal(t, cfg.InitialDiscoveryCount, opts.InitialCount)
	assert.Equal(t, cfg.TCPConnectTimeout, opts.ConnectTimeout)
}
