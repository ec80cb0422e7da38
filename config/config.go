// Package config loads the zipline configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Dyastin-0/zipline/core"
	"gopkg.in/yaml.v3"
)

// Config holds the zipline configuration. Durations accept Go duration
// strings such as "60s".
type Config struct {
	ListenPort        int    `yaml:"listen_port"`
	DeviceName        string `yaml:"device_name"`
	UserName          string `yaml:"user_name"`
	Platform          string `yaml:"platform"`
	DownloadDirectory string `yaml:"download_directory"`
	AvatarPath        string `yaml:"avatar_path"`
	StatePath         string `yaml:"state_path"`
	LogPath           string `yaml:"log_path"`

	PeerTimeout              time.Duration `yaml:"peer_timeout"`
	HeartbeatInterval        time.Duration `yaml:"heartbeat_interval"`
	InitialDiscoveryInterval time.Duration `yaml:"initial_discovery_interval"`
	InitialDiscoveryCount    int           `yaml:"initial_discovery_count"`
	BroadcastMinGap          time.Duration `yaml:"broadcast_min_gap"`
	TCPConnectTimeout        time.Duration `yaml:"tcp_connect_timeout"`
	NetworkWatchInterval     time.Duration `yaml:"network_watch_interval"`

	BufferSize             int   `yaml:"buffer_size"`
	ProgressUpdateInterval int64 `yaml:"progress_update_interval"`
}

func Default() *Config {
	home := homeDir()

	return &Config{
		ListenPort:        int(core.DefaultPort),
		DownloadDirectory: filepath.Join(home, "Downloads", "zipline"),
		StatePath:         filepath.Join(home, ".zipline", "state.json"),
		LogPath:           filepath.Join(home, ".zipline", "logs"),

		PeerTimeout:              core.DefaultPeerTimeout,
		HeartbeatInterval:        core.DefaultHeartbeatInterval,
		InitialDiscoveryInterval: core.DefaultInitialDiscoveryInterval,
		InitialDiscoveryCount:    core.DefaultInitialDiscoveryCount,
		BroadcastMinGap:          core.DefaultBroadcastMinGap,
		TCPConnectTimeout:        core.DefaultConnectTimeout,
		NetworkWatchInterval:     core.DefaultNetworkWatchInterval,

		BufferSize:             core.DefaultBufferSize,
		ProgressUpdateInterval: core.DefaultProgressInterval,
	}
}

// DefaultPath returns the default config file path: ~/.zipline/config.yaml
func DefaultPath() string {
	return filepath.Join(homeDir(), ".zipline", "config.yaml")
}

// Load reads the configuration from the given YAML file path. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: %v", core.ErrConfig, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrConfig, path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65534 {
		return fmt.Errorf("%w: listen_port %d out of range", core.ErrInvalidPort, c.ListenPort)
	}
	if c.DownloadDirectory == "" {
		return core.ErrNoDownloadDir
	}

	durations := map[string]time.Duration{
		"peer_timeout":               c.PeerTimeout,
		"heartbeat_interval":         c.HeartbeatInterval,
		"initial_discovery_interval": c.InitialDiscoveryInterval,
		"broadcast_min_gap":          c.BroadcastMinGap,
		"tcp_connect_timeout":        c.TCPConnectTimeout,
		"network_watch_interval":     c.NetworkWatchInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", core.ErrConfig, name)
		}
	}

	if c.InitialDiscoveryCount < 0 {
		return fmt.Errorf("%w: initial_discovery_count must not be negative", core.ErrConfig)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer_size must be positive", core.ErrConfig)
	}
	if c.ProgressUpdateInterval <= 0 {
		return fmt.Errorf("%w: progress_update_interval must be positive", core.ErrConfig)
	}

	return nil
}

// Signature renders the discovery signature from the identity fields,
// filling the blanks from the OS.
func (c *Config) Signature() string {
	host := c.DeviceName
	if host == "" {
		if hn, err := os.Hostname(); err == nil {
			host = hn
		}
	}
	return core.BuildSignature(c.UserName, host, c.Platform)
}

// Options converts the configuration to engine options.
func (c *Config) Options() core.Options {
	return core.Options{
		Port:              uint16(c.ListenPort),
		Signature:         c.Signature(),
		DownloadDir:       c.DownloadDirectory,
		AvatarPath:        c.AvatarPath,
		PeerTimeout:       c.PeerTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		InitialInterval:   c.InitialDiscoveryInterval,
		InitialCount:      c.InitialDiscoveryCount,
		MinGap:            c.BroadcastMinGap,
		WatchInterval:     c.NetworkWatchInterval,
		ConnectTimeout:    c.TCPConnectTimeout,
		BufferSize:        c.BufferSize,
		ProgressInterval:  c.ProgressUpdateInterval,
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
