// Package config provides configuration parsing and validation for adbridge.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Auth      AuthConfig      `yaml:"auth"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
	Health    HealthConfig    `yaml:"health"`
}

// DeviceConfig selects how the device is reached.
type DeviceConfig struct {
	Transport string `yaml:"transport"` // tcp or ws
	Address   string `yaml:"address"`   // host:port for tcp, ws:// or wss:// URL for ws
	Proxy     string `yaml:"proxy"`     // optional socks5:// URL (tcp only)

	// KillServer asks a local host ADB server to exit before connecting.
	KillServer    bool   `yaml:"kill_server"`
	ServerAddress string `yaml:"server_address"`
}

// AuthConfig contains the RSA key location and the identity sent with it.
type AuthConfig struct {
	KeyDir   string `yaml:"key_dir"`
	Identity string `yaml:"identity"` // empty means user@host
}

// TransportConfig tunes transport retries.
type TransportConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// SessionConfig tunes the session.
type SessionConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	VerifyChecksums bool          `yaml:"verify_checksums"`
	BindMode        string        `yaml:"bind_mode"`    // first-unclaimed or local-id
	AddressMode     string        `yaml:"address_mode"` // local or remote
	MaxPayload      uint32        `yaml:"max_payload"`
	MaxStreams      int           `yaml:"max_streams"`
	Features        []string      `yaml:"features"` // empty means the built-in list
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HealthConfig configures the HTTP health server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// maxPayloadLimit is the largest payload the protocol allows.
const maxPayloadLimit = 1 << 20

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Transport:     "tcp",
			Address:       "127.0.0.1:5555",
			ServerAddress: "127.0.0.1:5037",
		},
		Auth: AuthConfig{
			KeyDir: "~/.android",
		},
		Transport: TransportConfig{
			RetryAttempts: 10,
			RetryInterval: 100 * time.Millisecond,
			DialTimeout:   10 * time.Second,
		},
		Session: SessionConfig{
			ConnectTimeout: 30 * time.Second,
			BindMode:       "first-unclaimed",
			AddressMode:    "local",
			MaxPayload:     maxPayloadLimit,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
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
// ${VAR:-default} falls back to default; unknown variables are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Device.Transport {
	case "tcp":
		if c.Device.Address == "" {
			errs = append(errs, "device.address is required")
		}
	case "ws":
		if !strings.HasPrefix(c.Device.Address, "ws://") && !strings.HasPrefix(c.Device.Address, "wss://") {
			errs = append(errs, fmt.Sprintf("device.address must be a ws:// or wss:// URL for ws transport: %q", c.Device.Address))
		}
		if c.Device.Proxy != "" {
			errs = append(errs, "device.proxy is only supported with tcp transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid device.transport: %s (must be tcp or ws)", c.Device.Transport))
	}
	if c.Device.Proxy != "" {
		if u, err := url.Parse(c.Device.Proxy); err != nil || (u.Scheme != "socks5" && u.Scheme != "socks5h") {
			errs = append(errs, fmt.Sprintf("invalid device.proxy: %q (must be a socks5:// URL)", c.Device.Proxy))
		}
	}
	if c.Device.KillServer && c.Device.ServerAddress == "" {
		errs = append(errs, "device.server_address is required when kill_server is set")
	}

	if c.Auth.KeyDir == "" {
		errs = append(errs, "auth.key_dir is required")
	}

	if c.Transport.RetryAttempts < 1 {
		errs = append(errs, "transport.retry_attempts must be positive")
	}
	if c.Transport.RetryInterval < 0 {
		errs = append(errs, "transport.retry_interval must not be negative")
	}
	if c.Transport.DialTimeout <= 0 {
		errs = append(errs, "transport.dial_timeout must be positive")
	}

	if c.Session.ConnectTimeout <= 0 {
		errs = append(errs, "session.connect_timeout must be positive")
	}
	if !isValidBindMode(c.Session.BindMode) {
		errs = append(errs, fmt.Sprintf("invalid session.bind_mode: %s (must be first-unclaimed or local-id)", c.Session.BindMode))
	}
	if !isValidAddressMode(c.Session.AddressMode) {
		errs = append(errs, fmt.Sprintf("invalid session.address_mode: %s (must be local or remote)", c.Session.AddressMode))
	}
	if c.Session.MaxPayload < 4096 || c.Session.MaxPayload > maxPayloadLimit {
		errs = append(errs, fmt.Sprintf("session.max_payload must be between 4096 and %d", maxPayloadLimit))
	}
	if c.Session.MaxStreams < 0 {
		errs = append(errs, "session.max_streams must not be negative")
	}
	for i, f := range c.Session.Features {
		if f == "" || strings.ContainsAny(f, ",;=") {
			errs = append(errs, fmt.Sprintf("session.features[%d]: invalid feature name %q", i, f))
		}
	}

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidBindMode(mode string) bool {
	switch mode {
	case "first-unclaimed", "local-id":
		return true
	default:
		return false
	}
}

func isValidAddressMode(mode string) bool {
	switch mode {
	case "local", "remote":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the key directory and any
// proxy password replaced.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Auth.KeyDir != "" {
		redacted.Auth.KeyDir = redactedValue
	}
	if u, err := url.Parse(redacted.Device.Proxy); err == nil && u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), redactedValue)
			redacted.Device.Proxy = u.String()
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains a proxy password.
func (c *Config) HasSensitiveData() bool {
	u, err := url.Parse(c.Device.Proxy)
	if err != nil || u.User == nil {
		return false
	}
	_, ok := u.User.Password()
	return ok
}

// ExpandHome replaces a leading ~ in path with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
