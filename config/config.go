// Package config loads and validates the tunnel's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CongestionController selects the QUIC congestion-control algorithm.
type CongestionController int

const (
	Bbr CongestionController = iota
	Cubic
	NewReno
)

func (c CongestionController) String() string {
	switch c {
	case Bbr:
		return "bbr"
	case Cubic:
		return "cubic"
	case NewReno:
		return "new_reno"
	default:
		return "unknown"
	}
}

func (c *CongestionController) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(value.Value) {
	case "", "bbr":
		*c = Bbr
	case "cubic":
		*c = Cubic
	case "new_reno", "newreno", "reno":
		*c = NewReno
	default:
		return fmt.Errorf("invalid congestion_controller: %q (want bbr, cubic or new_reno)", value.Value)
	}
	return nil
}

// BackendAddr is a tagged union of a dialable socket address or a filesystem
// path to a Unix-domain socket. Which one it is follows the same convention
// the rest of the Go ecosystem uses: a value containing no ':' or that
// starts with '/' is a filesystem path.
type BackendAddr struct {
	Path     string // non-empty for a Unix-domain socket
	SockAddr string // non-empty for a TCP socket address
}

func (b BackendAddr) Network() string {
	if b.Path != "" {
		return "unix"
	}
	return "tcp"
}

func (b BackendAddr) Address() string {
	if b.Path != "" {
		return b.Path
	}
	return b.SockAddr
}

func (b BackendAddr) String() string {
	return b.Address()
}

func (b *BackendAddr) UnmarshalYAML(value *yaml.Node) error {
	raw := value.Value
	if raw == "" {
		return fmt.Errorf("empty remote_addrs entry")
	}
	if strings.HasPrefix(raw, "/") || !strings.Contains(raw, ":") {
		b.Path = raw
		return nil
	}
	b.SockAddr = raw
	return nil
}

// ClientConfig configures the near-side daemon: it accepts local TCP
// connections and tunnels each one to RemoteAddr over QUIC.
type ClientConfig struct {
	LocalAddr            string               `yaml:"local_addr"`
	RemoteAddr           string               `yaml:"remote_addr"`
	DomainName           string               `yaml:"domain_name"`
	CACertificate        string               `yaml:"ca_certificate"`
	CongestionController CongestionController `yaml:"congestion_controller"`
}

// ServerConfig configures the far-side daemon: it accepts inbound QUIC
// connections and round-robins each inbound stream to one of RemoteAddrs.
type ServerConfig struct {
	LocalAddr            string               `yaml:"local_addr"`
	RemoteAddrs          []BackendAddr        `yaml:"remote_addrs"`
	ServerCert           string               `yaml:"server_cert"`
	ServerKey            string               `yaml:"server_key"`
	CongestionController CongestionController `yaml:"congestion_controller"`
}

// LogConfig controls the ambient logging stack (not part of the tunnel's
// core data plane, but carried regardless of any feature Non-goal).
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func (l *LogConfig) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = 20
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = 5
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = 28
	}
}

// Config is the top-level configuration document. At least one of Client or
// Server must be present.
type Config struct {
	Client *ClientConfig `yaml:"client"`
	Server *ServerConfig `yaml:"server"`
	Log    *LogConfig    `yaml:"log"`
}

func (c *Config) setDefaults() {
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	c.Log.setDefaults()
}

func (c *Config) Validate() error {
	if c.Client == nil && c.Server == nil {
		return fmt.Errorf("config: at least one of client or server must be present")
	}
	if c.Client != nil {
		if c.Client.LocalAddr == "" {
			return fmt.Errorf("client: local_addr is required")
		}
		if c.Client.RemoteAddr == "" {
			return fmt.Errorf("client: remote_addr is required")
		}
		if c.Client.DomainName == "" {
			return fmt.Errorf("client: domain_name is required")
		}
		if c.Client.CACertificate == "" {
			return fmt.Errorf("client: ca_certificate is required")
		}
	}
	if c.Server != nil {
		if c.Server.LocalAddr == "" {
			return fmt.Errorf("server: local_addr is required")
		}
		if len(c.Server.RemoteAddrs) == 0 {
			return fmt.Errorf("server: remote_addrs must have at least one entry")
		}
		if c.Server.ServerCert == "" || c.Server.ServerKey == "" {
			return fmt.Errorf("server: server_cert and server_key are required")
		}
	}
	return nil
}

// Load reads path, parses it as YAML, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
