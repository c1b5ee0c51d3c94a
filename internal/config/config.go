// Package config provides configuration parsing for the overlay mesh
// core: the network identity, route algorithm, listen/peer addresses,
// and transport/encryption settings needed to construct a running
// peermanager.Manager.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netspan/meshcore/internal/route"
)

// Config is the complete configuration for one mesh node.
type Config struct {
	Network  NetworkConfig   `yaml:"network"`
	Routing  RoutingConfig   `yaml:"routing"`
	Listen   []ListenConfig  `yaml:"listen"`
	Peers    []PeerConfig    `yaml:"peers"`
	TLS      TLSConfig       `yaml:"tls"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// NetworkConfig names the mesh a node joins and the shared secret new
// connections are gated against.
type NetworkConfig struct {
	Name      string `yaml:"name"`
	SecretHex string `yaml:"secret_hex"`
}

// Secret decodes SecretHex, returning an error if it is not valid hex.
func (n NetworkConfig) Secret() ([]byte, error) {
	if n.SecretHex == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(n.SecretHex)
	if err != nil {
		return nil, fmt.Errorf("config: network.secret_hex: %w", err)
	}
	return b, nil
}

// RoutingConfig selects the route algorithm and whether overlay frame
// payloads are encrypted.
type RoutingConfig struct {
	Algorithm        string `yaml:"algorithm"` // "rip", "ospf", or "none"
	EnableEncryption bool   `yaml:"enable_encryption"`
	EncryptionKeyHex string `yaml:"encryption_key_hex"` // 16 bytes, hex-encoded
}

// Kind maps the configured algorithm name to a route.Kind, defaulting
// to route.Rip for an empty or unrecognized value.
func (r RoutingConfig) Kind() route.Kind {
	switch r.Algorithm {
	case "ospf":
		return route.Ospf
	case "none":
		return route.None
	default:
		return route.Rip
	}
}

// EncryptionKey decodes EncryptionKeyHex into the fixed-size secret
// packet.NewChaChaEncryptor expects, erroring if the decoded length is
// not exactly 16 bytes.
func (r RoutingConfig) EncryptionKey() ([16]byte, error) {
	var key [16]byte
	if !r.EnableEncryption {
		return key, nil
	}
	b, err := hex.DecodeString(r.EncryptionKeyHex)
	if err != nil {
		return key, fmt.Errorf("config: routing.encryption_key_hex: %w", err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("config: routing.encryption_key_hex: want %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

// ListenConfig describes one transport listener to bring up.
type ListenConfig struct {
	Transport string `yaml:"transport"` // "quic", "h2", or "ws"
	Addr      string `yaml:"addr"`
}

// PeerConfig describes one outbound peer to dial and keep connected.
type PeerConfig struct {
	Transport         string        `yaml:"transport"`
	Addr              string        `yaml:"addr"`
	PublicRelay       bool          `yaml:"public_relay"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// TLSConfig names the certificate material transports use for both
// dialing and listening.
type TLSConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoggingConfig selects the structured logger's level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig selects whether and where Prometheus metrics are served.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config with Rip routing and no encryption (the same
// choices a zero-value peermanager.Config makes) and text logging at
// info level.
func Default() Config {
	return Config{
		Routing: RoutingConfig{Algorithm: "rip"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads and parses a YAML config file from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields Load cannot recover from at construction
// time: an empty network name, or encryption enabled without a key.
func (c Config) Validate() error {
	if c.Network.Name == "" {
		return fmt.Errorf("config: network.name is required")
	}
	if _, err := c.Network.Secret(); err != nil {
		return err
	}
	if c.Routing.EnableEncryption {
		if _, err := c.Routing.EncryptionKey(); err != nil {
			return err
		}
	}
	for i, l := range c.Listen {
		if l.Addr == "" {
			return fmt.Errorf("config: listen[%d].addr is required", i)
		}
	}
	for i, p := range c.Peers {
		if p.Addr == "" {
			return fmt.Errorf("config: peers[%d].addr is required", i)
		}
	}
	return nil
}
