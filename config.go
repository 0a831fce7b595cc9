package temprepo

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration shared by the temprepo commands
type Config struct {
	Port              int                        `yaml:"port"`
	TempDir           string                     `yaml:"temp_dir"`
	Timeout           time.Duration              `yaml:"timeout"`
	UserAgent         string                     `yaml:"user_agent"`
	StrictLayout      *bool                      `yaml:"strict_layout"`
	MaxSize           int64                      `yaml:"max_size"`
	LogLevel          string                     `yaml:"log_level"`
	AllowedHosts      []string                   `yaml:"allowed_hosts"`
	BlockPrivateHosts bool                       `yaml:"block_private_hosts"`
	Credentials       map[string]HostCredentials `yaml:"credentials"`
	Auth              AuthConfig                 `yaml:"auth"`
}

// AuthConfig protects the server endpoints that check out tarballs
type AuthConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Realm    string   `yaml:"realm"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	APIKeys  []string `yaml:"api_keys"`
}

// DefaultAuthRealm is announced in WWW-Authenticate when no realm is configured
const DefaultAuthRealm = "temprepo"

// NormalizeAPIKeys trims surrounding whitespace and drops blank keys
func NormalizeAPIKeys(keys []string) []string {
	var normalized []string
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			normalized = append(normalized, key)
		}
	}
	return normalized
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	config := &Config{}
	config.ApplyDefaults()
	return config
}

// ApplyDefaults sets default values for unspecified configuration options
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.StrictLayout == nil {
		strict := true
		c.StrictLayout = &strict
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Auth.Realm == "" {
		c.Auth.Realm = DefaultAuthRealm
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Port)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("invalid max_size: %d", c.MaxSize)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.Auth.Enabled && c.Auth.Username == "" && len(NormalizeAPIKeys(c.Auth.APIKeys)) == 0 {
		return fmt.Errorf("auth is enabled but neither username nor api_keys are set")
	}
	if strings.ContainsAny(c.Auth.Realm, "\"\\") {
		return fmt.Errorf("auth realm must not contain quotes or backslashes")
	}
	for _, host := range c.AllowedHosts {
		if strings.TrimSpace(host) == "" {
			return fmt.Errorf("allowed_hosts cannot contain empty entries")
		}
	}
	return nil
}

// NewLogger builds a logrus logger at the configured level
func (c *Config) NewLogger() *log.Logger {
	logger := log.New()
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// Options converts the configuration into repository options
func (c *Config) Options(logger log.FieldLogger) []Option {
	opts := []Option{
		WithTempDir(c.TempDir),
		WithTimeout(c.Timeout),
		WithUserAgent(c.UserAgent),
		WithMaxSize(c.MaxSize),
	}
	if c.StrictLayout != nil {
		opts = append(opts, WithStrictLayout(*c.StrictLayout))
	}
	if len(c.Credentials) > 0 {
		opts = append(opts, WithCredentials(c.CredentialStore()))
	}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	return opts
}

// CredentialStore builds a store holding the configured host credentials
func (c *Config) CredentialStore() *CredentialStore {
	store := NewCredentialStore()
	for host, creds := range c.Credentials {
		store.Set(host, creds)
	}
	return store
}
