// ABOUTME: Configuration loading and parsing for portal-server and portal-proxy
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete portal configuration. The server and proxy
// binaries read the same file; each validates only its own sections.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Relay     RelayConfig     `yaml:"relay"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds broker listen address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RelayConfig holds broker-side relay timing and retention configuration
type RelayConfig struct {
	HeartbeatInterval     time.Duration `yaml:"-"`
	HeartbeatTimeout      time.Duration `yaml:"-"`
	SweepInterval         time.Duration `yaml:"-"`
	MessageMaxAge         time.Duration `yaml:"-"`
	MaxMessagesPerSession int           `yaml:"max_messages_per_session"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
	MessageMaxAgeRaw     string `yaml:"message_max_age"`
}

// ProxyConfig holds launcher-side configuration
type ProxyConfig struct {
	ServerURL   string   `yaml:"server_url"`
	Token       string   `yaml:"token"`
	MaxSessions int      `yaml:"max_sessions"`
	AgentCmd    string   `yaml:"agent_cmd"`
	AgentArgs   []string `yaml:"agent_args"`
	StateDir    string   `yaml:"state_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Relay timing defaults. The timeout must exceed the interval by enough to
// tolerate one missed beat.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second
	DefaultSweepInterval     = 10 * time.Minute
	DefaultMessageMaxAge     = 30 * 24 * time.Hour
	DefaultMaxMessages       = 10_000
	DefaultMaxSessions       = 10
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued timing and limit fields.
func (c *Config) applyDefaults() {
	if c.Relay.HeartbeatInterval == 0 {
		c.Relay.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Relay.HeartbeatTimeout == 0 {
		c.Relay.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Relay.SweepInterval == 0 {
		c.Relay.SweepInterval = DefaultSweepInterval
	}
	if c.Relay.MessageMaxAge == 0 {
		c.Relay.MessageMaxAge = DefaultMessageMaxAge
	}
	if c.Relay.MaxMessagesPerSession == 0 {
		c.Relay.MaxMessagesPerSession = DefaultMaxMessages
	}
	if c.Proxy.MaxSessions == 0 {
		c.Proxy.MaxSessions = DefaultMaxSessions
	}
}

// ValidateServer checks the fields the broker requires.
func (c *Config) ValidateServer() error {
	// Listen address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Relay.HeartbeatTimeout <= c.Relay.HeartbeatInterval {
		return fmt.Errorf("relay.heartbeat_timeout must exceed relay.heartbeat_interval")
	}

	return nil
}

// ValidateProxy checks the fields the launcher requires.
func (c *Config) ValidateProxy() error {
	if c.Proxy.ServerURL == "" {
		return fmt.Errorf("proxy.server_url is required")
	}
	if c.Proxy.Token == "" {
		return fmt.Errorf("proxy.token is required")
	}
	if c.Proxy.AgentCmd == "" {
		return fmt.Errorf("proxy.agent_cmd is required")
	}
	if c.Proxy.MaxSessions < 1 {
		return fmt.Errorf("proxy.max_sessions must be at least 1")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Relay.HeartbeatIntervalRaw, "heartbeat_interval", &cfg.Relay.HeartbeatInterval},
		{cfg.Relay.HeartbeatTimeoutRaw, "heartbeat_timeout", &cfg.Relay.HeartbeatTimeout},
		{cfg.Relay.SweepIntervalRaw, "sweep_interval", &cfg.Relay.SweepInterval},
		{cfg.Relay.MessageMaxAgeRaw, "message_max_age", &cfg.Relay.MessageMaxAge},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
