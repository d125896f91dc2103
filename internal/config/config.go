// Package config provides configuration parsing and validation for the node.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
)

// DefaultPort is the port a node listens on unless configured otherwise.
const DefaultPort = 30303

// Config represents the complete node configuration.
type Config struct {
	Node      NodeConfig        `yaml:"node"`
	Listen    ListenConfig      `yaml:"listen"`
	Bootstrap []BootstrapConfig `yaml:"bootstrap"`
	Peers     PeersConfig       `yaml:"peers"`
	Dial      DialConfig        `yaml:"dial"`
	Handshake HandshakeConfig   `yaml:"handshake"`
	Mux       MuxConfig         `yaml:"mux"`
	Reconnect ReconnectConfig   `yaml:"reconnect"`
	Health    HealthConfig      `yaml:"health"`
}

// NodeConfig contains node identity and logging settings.
type NodeConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory holding the node key
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	Agent     string `yaml:"agent"`      // Software identifier sent to peers
}

// ListenConfig defines the inbound listener.
type ListenConfig struct {
	Transport   string    `yaml:"transport"` // tcp, ws, quic
	Address     string    `yaml:"address"`
	Path        string    `yaml:"path"`        // HTTP path for ws
	MaxInbound  int       `yaml:"max_inbound"` // 0 = unlimited
	AcceptRate  float64   `yaml:"accept_rate"` // accepted connections per second, 0 = unlimited
	AcceptBurst int       `yaml:"accept_burst"`
	TLS         TLSConfig `yaml:"tls"`
}

// TLSConfig defines TLS settings for ws and quic listeners.
type TLSConfig struct {
	Cert string `yaml:"cert"` // Certificate file path
	Key  string `yaml:"key"`  // Private key file path
}

// BootstrapConfig is an address dialed at startup.
type BootstrapConfig struct {
	Address    string `yaml:"address"`
	ID         string `yaml:"id"`         // Expected PeerID (optional)
	Transport  string `yaml:"transport"`  // Defaults to listen.transport
	Path       string `yaml:"path"`       // HTTP path for ws
	Persistent bool   `yaml:"persistent"` // Reconnect after failures
}

// PeersConfig defines peer table limits.
type PeersConfig struct {
	MaxPeers  int           `yaml:"max_peers"` // 0 = unlimited
	Retention time.Duration `yaml:"retention"`
}

// DialConfig defines outbound connection settings.
type DialConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	CA                 string        `yaml:"ca"` // PEM bundle for verifying wss/quic peers
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// HandshakeConfig defines handshake parameters.
type HandshakeConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Encryption   bool          `yaml:"encryption"`
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// MuxConfig defines multiplexer parameters.
type MuxConfig struct {
	StreamWindow      ByteSize      `yaml:"stream_window"`
	MaxFramePayload   ByteSize      `yaml:"max_frame_payload"`
	MaxStreams        int           `yaml:"max_streams"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ByteSize is a size in bytes that accepts human forms such as "256KiB".
type ByteSize uint64

// ParseByteSize parses a size like "16384", "16KiB" or "1 MB".
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = n
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
			Agent:     "p2p-node",
		},
		Listen: ListenConfig{
			Transport:   "tcp",
			Address:     fmt.Sprintf("0.0.0.0:%d", DefaultPort),
			Path:        "/p2p",
			MaxInbound:  256,
			AcceptRate:  50,
			AcceptBurst: 100,
		},
		Bootstrap: []BootstrapConfig{},
		Peers: PeersConfig{
			MaxPeers:  50,
			Retention: 10 * time.Minute,
		},
		Dial: DialConfig{
			Timeout: 10 * time.Second,
		},
		Handshake: HandshakeConfig{
			Timeout:      10 * time.Second,
			Encryption:   true,
			MaxClockSkew: 5 * time.Minute,
		},
		Mux: MuxConfig{
			StreamWindow:      256 * 1024,
			MaxFramePayload:   16 * 1024,
			MaxStreams:        256,
			KeepaliveInterval: 15 * time.Second,
			IdleTimeout:       45 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
			MaxRetries:   0,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !logging.ValidLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid node.log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid node.log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if err := validateListen(c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: %v", err))
	}

	for i, b := range c.Bootstrap {
		if err := validateBootstrap(b); err != nil {
			errs = append(errs, fmt.Sprintf("bootstrap[%d]: %v", i, err))
		}
	}

	if c.Peers.MaxPeers < 0 {
		errs = append(errs, "peers.max_peers must not be negative")
	}
	if c.Peers.Retention < 0 {
		errs = append(errs, "peers.retention must not be negative")
	}

	if c.Dial.Timeout <= 0 {
		errs = append(errs, "dial.timeout must be positive")
	}
	if c.Handshake.Timeout <= 0 {
		errs = append(errs, "handshake.timeout must be positive")
	}
	if c.Handshake.MaxClockSkew < 0 {
		errs = append(errs, "handshake.max_clock_skew must not be negative")
	}

	if c.Mux.StreamWindow < 1024 || c.Mux.StreamWindow > 1<<31-1 {
		errs = append(errs, "mux.stream_window must be between 1KiB and 2GiB")
	}
	if c.Mux.MaxFramePayload < 1024 || c.Mux.MaxFramePayload > 16*1024*1024 {
		errs = append(errs, "mux.max_frame_payload must be between 1KiB and 16MiB")
	}
	if c.Mux.MaxStreams < 1 {
		errs = append(errs, "mux.max_streams must be positive")
	}
	if c.Mux.IdleTimeout > 0 && c.Mux.KeepaliveInterval > 0 && c.Mux.KeepaliveInterval >= c.Mux.IdleTimeout {
		errs = append(errs, "mux.keepalive_interval must be shorter than mux.idle_timeout")
	}

	if c.Reconnect.InitialDelay <= 0 {
		errs = append(errs, "reconnect.initial_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, "reconnect.max_delay must be >= initial_delay")
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, "reconnect.multiplier must be at least 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, "reconnect.jitter must be between 0 and 1")
	}
	if c.Reconnect.MaxRetries < 0 {
		errs = append(errs, "reconnect.max_retries must not be negative")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tcp", "ws", "quic":
		return true
	default:
		return false
	}
}

func validateListen(l ListenConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be tcp, ws, or quic)", l.Transport)
	}
	if _, _, err := net.SplitHostPort(l.Address); err != nil {
		return fmt.Errorf("invalid address %q: %v", l.Address, err)
	}
	if l.Transport == "ws" && !strings.HasPrefix(l.Path, "/") {
		return fmt.Errorf("path must start with / for ws transport")
	}
	if (l.TLS.Cert == "") != (l.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	if l.MaxInbound < 0 {
		return fmt.Errorf("max_inbound must not be negative")
	}
	if l.AcceptRate < 0 {
		return fmt.Errorf("accept_rate must not be negative")
	}
	if l.AcceptRate > 0 && l.AcceptBurst < 1 {
		return fmt.Errorf("accept_burst must be positive when accept_rate is set")
	}
	return nil
}

func validateBootstrap(b BootstrapConfig) error {
	if b.Address == "" {
		return fmt.Errorf("address is required")
	}
	if b.Transport != "" && !isValidTransport(b.Transport) {
		return fmt.Errorf("invalid transport: %s (must be tcp, ws, or quic)", b.Transport)
	}
	if b.ID != "" {
		if _, err := identity.ParsePeerID(b.ID); err != nil {
			return fmt.Errorf("invalid id: %v", err)
		}
	}
	return nil
}

// ExpectedID returns the PeerID pinned for the entry, or the zero ID.
func (b BootstrapConfig) ExpectedID() identity.PeerID {
	if b.ID == "" {
		return identity.ZeroID
	}
	id, err := identity.ParsePeerID(b.ID)
	if err != nil {
		return identity.ZeroID
	}
	return id
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted; use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Listen.TLS.Key != "" {
		redacted.Listen.TLS.Key = redactedValue
	}
	return redacted
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
