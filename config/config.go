// Package config loads and validates the server registry used by the
// connection manager.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Parse when the corresponding field is absent.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 500 * time.Millisecond
)

// Duration wraps time.Duration so YAML values can be written as "30s" or
// "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration: the server registry plus session-wide
// defaults.
type Config struct {
	Servers        []ServerEntry `yaml:"servers"`
	DefaultTimeout Duration      `yaml:"default_timeout,omitempty"`
	RetryAttempts  int           `yaml:"retry_attempts,omitempty"`
	RetryDelay     Duration      `yaml:"retry_delay,omitempty"`
}

// ServerEntry describes one server in the registry.
type ServerEntry struct {
	// ID uniquely identifies the server within the registry.
	ID string `yaml:"id"`
	// Name is a human-readable label. Defaults to ID.
	Name string `yaml:"name,omitempty"`
	// Transport selects and configures how to reach the server.
	Transport TransportConfig `yaml:"transport"`
	// AutoStart connects the server as part of manager startup.
	AutoStart bool `yaml:"auto_start,omitempty"`
	// Enabled gates the server entirely. Absent means enabled.
	Enabled *bool `yaml:"enabled,omitempty"`
	// Priority orders cross-server routing; lower wins. Entries with equal
	// priority keep registry order.
	Priority int `yaml:"priority,omitempty"`
}

// IsEnabled reports whether the entry is enabled, defaulting to true.
func (e ServerEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Label returns the display name, falling back to the ID.
func (e ServerEntry) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}

// Transport type names accepted in configuration.
const (
	TransportStdio  = "stdio"
	TransportSocket = "socket"
	TransportSSE    = "sse"
)

// TransportConfig selects a transport kind and carries its settings. Exactly
// the section matching Type must be present.
type TransportConfig struct {
	Type   string         `yaml:"type"`
	Stdio  *StdioSection  `yaml:"stdio,omitempty"`
	Socket *SocketSection `yaml:"socket,omitempty"`
	SSE    *SSESection    `yaml:"sse,omitempty"`
}

// StdioSection configures a spawned subprocess transport.
type StdioSection struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
}

// SocketSection configures a websocket transport.
type SocketSection struct {
	URL                  string            `yaml:"url"`
	Headers              map[string]string `yaml:"headers,omitempty"`
	Protocols            []string          `yaml:"protocols,omitempty"`
	HandshakeTimeout     Duration          `yaml:"handshake_timeout,omitempty"`
	ReconnectBaseDelay   Duration          `yaml:"reconnect_base_delay,omitempty"`
	MaxReconnectAttempts int               `yaml:"max_reconnect_attempts,omitempty"`
}

// SSESection configures a Server-Sent Events transport.
type SSESection struct {
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	HandshakeTimeout Duration          `yaml:"handshake_timeout,omitempty"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes, applies defaults, and validates the
// result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = Duration(DefaultTimeout)
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = Duration(DefaultRetryDelay)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the registry is internally consistent: unique IDs and
// a complete transport section per entry.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i, entry := range c.Servers {
		if entry.ID == "" {
			return fmt.Errorf("server %d: empty id", i)
		}
		if seen[entry.ID] {
			return fmt.Errorf("duplicate server id: %s", entry.ID)
		}
		seen[entry.ID] = true

		if err := entry.Transport.validate(); err != nil {
			return fmt.Errorf("server %s: %w", entry.ID, err)
		}
	}
	return nil
}

func (t TransportConfig) validate() error {
	switch t.Type {
	case TransportStdio:
		if t.Stdio == nil || t.Stdio.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportSocket:
		if t.Socket == nil || t.Socket.URL == "" {
			return fmt.Errorf("socket transport requires a url")
		}
	case TransportSSE:
		if t.SSE == nil || t.SSE.URL == "" {
			return fmt.Errorf("sse transport requires a url")
		}
	case "":
		return fmt.Errorf("missing transport type")
	default:
		return fmt.Errorf("unknown transport type: %s", t.Type)
	}
	return nil
}
