// Package config loads the YAML configuration surface shared by the TUIC
// server and client binaries (spec.md §6).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level document. A single binary only ever populates
// one of Server/Client, matching whichever cmd/ entry point loaded it.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// LogConfig controls structured log output and file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // text, json
	Output     string `yaml:"output"`      // stdout, stderr, file
	File       string `yaml:"file"`        // log file path when output is file
	MaxSize    int    `yaml:"max_size"`    // maximum size in MB before rotation
	MaxBackups int    `yaml:"max_backups"` // maximum number of old log files to retain
	MaxAge     int    `yaml:"max_age"`     // maximum number of days to retain old log files
	Compress   bool   `yaml:"compress"`    // whether to compress rotated log files
}

// ServerConfig is the TUIC server's configuration surface (spec.md §6).
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	Token             string        `yaml:"token"`
	Certificate       string        `yaml:"certificate"`
	CertificateKey    string        `yaml:"certificate_key"`
	ALPN              []string      `yaml:"alpn"`
	UDPRelayMode      string        `yaml:"udp_relay_mode"`
	CongestionControl string        `yaml:"congestion_control"`
	ZeroRTTHandshake  bool          `yaml:"zero_rtt_handshake"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	MaxUDPPacketSize  int           `yaml:"max_udp_packet_size"`
}

// ClientConfig is the TUIC client's configuration surface, including the
// local SOCKS5 front-end it exposes (spec.md §6).
type ClientConfig struct {
	Server            string        `yaml:"server"`
	Local             string        `yaml:"local"`
	Token             string        `yaml:"token"`
	CertificateTrust  []string      `yaml:"certificates"`
	ALPN              []string      `yaml:"alpn"`
	UDPRelayMode      string        `yaml:"udp_relay_mode"`
	CongestionControl string        `yaml:"congestion_control"`
	ZeroRTTHandshake  bool          `yaml:"zero_rtt_handshake"`
	Timeout           time.Duration `yaml:"timeout"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	MaxPacketSize     int           `yaml:"max_packet_size"`
	SOCKS5Username    string        `yaml:"socks5_username"`
	SOCKS5Password    string        `yaml:"socks5_password"`
}

// Defaults mirrored from spec.md §6 / the original client's tuic-client
// profile.
const (
	DefaultUDPRelayMode      = "native"
	DefaultCongestionControl = "cubic"
	DefaultMaxIdleTime       = 15 * time.Second
	DefaultHeartbeat         = 10 * time.Second
	DefaultMaxPacketSize     = 1500
)

// UDP relay mode values, per spec.md §4.6 ("mode selection is per
// direction and per side").
const (
	UDPRelayModeNative = "native"
	UDPRelayModeQuic   = "quic"
)

var conf *Config

// LoadConfig reads filename as YAML, applies defaults, validates the
// result, and records it as the process-wide configuration snapshot
// (spec.md §3).
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename) // nolint:gosec // path supplied by the operator via -c
	if err != nil {
		return nil, err
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	conf = &c
	return &c, nil
}

// GetConfig returns the most recently loaded configuration, or nil if
// LoadConfig has not been called.
func GetConfig() *Config {
	return conf
}

func (c *Config) applyDefaults() {
	if c.Server.UDPRelayMode == "" {
		c.Server.UDPRelayMode = DefaultUDPRelayMode
	}
	if c.Server.CongestionControl == "" {
		c.Server.CongestionControl = DefaultCongestionControl
	}
	if c.Server.MaxIdleTime == 0 {
		c.Server.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.Server.Heartbeat == 0 {
		c.Server.Heartbeat = DefaultHeartbeat
	}
	if c.Server.MaxUDPPacketSize == 0 {
		c.Server.MaxUDPPacketSize = DefaultMaxPacketSize
	}

	if c.Client.UDPRelayMode == "" {
		c.Client.UDPRelayMode = DefaultUDPRelayMode
	}
	if c.Client.CongestionControl == "" {
		c.Client.CongestionControl = DefaultCongestionControl
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = DefaultMaxIdleTime
	}
	if c.Client.Heartbeat == 0 {
		c.Client.Heartbeat = DefaultHeartbeat
	}
	if c.Client.MaxPacketSize == 0 {
		c.Client.MaxPacketSize = DefaultMaxPacketSize
	}
}

// Validate enforces spec.md §6's cross-field invariants: heartbeat must be
// strictly less than the effective idle timeout, and SOCKS5 credentials on
// the client are either both set or both empty.
func (c *Config) Validate() error {
	if c.Server.Listen != "" {
		if c.Server.Token == "" {
			return fmt.Errorf("server: token cannot be empty")
		}
		if c.Server.Heartbeat >= c.Server.MaxIdleTime {
			return fmt.Errorf("server: heartbeat (%s) must be less than max_idle_time (%s)", c.Server.Heartbeat, c.Server.MaxIdleTime)
		}
		if err := validateUDPRelayMode(c.Server.UDPRelayMode); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		if err := validateCongestionControl(c.Server.CongestionControl); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	if c.Client.Server != "" {
		if c.Client.Token == "" {
			return fmt.Errorf("client: token cannot be empty")
		}
		if c.Client.Heartbeat >= c.Client.Timeout {
			return fmt.Errorf("client: heartbeat (%s) must be less than timeout (%s)", c.Client.Heartbeat, c.Client.Timeout)
		}
		if (c.Client.SOCKS5Username == "") != (c.Client.SOCKS5Password == "") {
			return fmt.Errorf("client: socks5_username and socks5_password must both be set or both be empty")
		}
		if err := validateUDPRelayMode(c.Client.UDPRelayMode); err != nil {
			return fmt.Errorf("client: %w", err)
		}
		if err := validateCongestionControl(c.Client.CongestionControl); err != nil {
			return fmt.Errorf("client: %w", err)
		}
	}

	return nil
}

func validateUDPRelayMode(mode string) error {
	switch strings.ToLower(mode) {
	case "native", "quic":
		return nil
	default:
		return fmt.Errorf("unknown udp_relay_mode %q", mode)
	}
}

func validateCongestionControl(cc string) error {
	switch strings.ToLower(cc) {
	case "cubic", "new_reno", "newreno", "bbr":
		return nil
	default:
		return fmt.Errorf("unknown congestion_control %q", cc)
	}
}
