// Package config loads the capture sink configuration from defaults, an
// optional YAML file, environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultSMTPPort       = 1025
	DefaultHTTPPort       = 1080
	DefaultIP             = "0.0.0.0"
	DefaultMax            = 100
	DefaultStaticDir      = "build"
	DefaultMaxMessageSize = 26214400 // 25 MB
	DefaultLogLevel       = "info"
)

// ErrInvalidAuth is returned when the auth credential is not in
// USERNAME:PASSWORD form.
var ErrInvalidAuth = errors.New("please provide authentication details in USERNAME:PASSWORD format")

// Config holds the complete application configuration.
type Config struct {
	SMTP      SMTPConfig    `yaml:"smtp"`
	HTTP      HTTPConfig    `yaml:"http"`
	Whitelist []string      `yaml:"whitelist"`
	Max       int           `yaml:"max"`
	Auth      string        `yaml:"auth"`
	Headers   bool          `yaml:"headers"`
	Logging   LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	IP             string    `yaml:"ip"`
	Port           int       `yaml:"port"`
	MaxMessageSize int64     `yaml:"max_message_size"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig controls STARTTLS on the SMTP listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// HTTPConfig holds HTTP API configuration.
type HTTPConfig struct {
	IP        string `yaml:"ip"`
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Whitelist = cleanList(cfg.Whitelist)

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// SMTPAddr returns the SMTP listen address.
func (c *Config) SMTPAddr() string {
	return net.JoinHostPort(c.SMTP.IP, strconv.Itoa(c.SMTP.Port))
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTP.IP, strconv.Itoa(c.HTTP.Port))
}

// AuthEnabled returns true if an HTTP basic-auth credential is configured.
func (c *Config) AuthEnabled() bool {
	return c.Auth != ""
}

// Credentials splits Auth on its first colon. ok is false when auth is
// disabled or malformed.
func (c *Config) Credentials() (username, password string, ok bool) {
	username, password, found := strings.Cut(c.Auth, ":")
	if !found || username == "" || password == "" {
		return "", "", false
	}
	return username, password, true
}

// Validate reports configuration that must stop the process before any
// listener is started.
func (c *Config) Validate() error {
	if c.AuthEnabled() {
		if _, _, ok := c.Credentials(); !ok {
			return ErrInvalidAuth
		}
	}
	if c.Max < 1 {
		return fmt.Errorf("max must be at least 1, got %d", c.Max)
	}
	if err := validPort("smtp port", c.SMTP.Port); err != nil {
		return err
	}
	if err := validPort("http port", c.HTTP.Port); err != nil {
		return err
	}
	if c.SMTP.MaxMessageSize < 0 {
		return fmt.Errorf("max message size must not be negative, got %d", c.SMTP.MaxMessageSize)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.IP = DefaultIP
	c.SMTP.Port = DefaultSMTPPort
	c.SMTP.MaxMessageSize = DefaultMaxMessageSize
	c.HTTP.IP = DefaultIP
	c.HTTP.Port = DefaultHTTPPort
	c.HTTP.StaticDir = DefaultStaticDir
	c.Max = DefaultMax
	c.Logging.Level = DefaultLogLevel
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that do not parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_IP"); v != "" {
		c.SMTP.IP = v
	}
	envInt("SMTP_PORT", &c.SMTP.Port)
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	envBool("SMTP_TLS", &c.SMTP.TLS.Enabled)
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.SMTP.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.SMTP.TLS.KeyFile = v
	}

	if v := os.Getenv("HTTP_IP"); v != "" {
		c.HTTP.IP = v
	}
	envInt("HTTP_PORT", &c.HTTP.Port)
	if v := os.Getenv("STATIC_DIR"); v != "" {
		c.HTTP.StaticDir = v
	}

	if v := os.Getenv("WHITELIST"); v != "" {
		c.Whitelist = SplitList(v)
	}
	envInt("MAX_EMAILS", &c.Max)
	if v := os.Getenv("AUTH"); v != "" {
		c.Auth = v
	}
	envBool("HEADERS", &c.Headers)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = normalizeLevel(v)
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func normalizeLevel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "warning" {
		return "warn"
	}
	return v
}

// SplitList parses a comma-separated address list. Surrounding whitespace
// is trimmed and empty entries dropped.
func SplitList(s string) []string {
	return cleanList(strings.Split(s, ","))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
