// Package config loads the orchestrator configuration from a YAML file,
// CUMULUS_* environment variables and built-in defaults, in increasing order
// of precedence: defaults, file, environment. Command-line flags are applied
// on top by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/cumulus/pkg/cloud"
)

// Config is the full orchestrator configuration
type Config struct {
	DataDir           string            `yaml:"data_dir" validate:"required"`
	Provider          ProviderConfig    `yaml:"provider"`
	DefaultZone       string            `yaml:"default_zone" validate:"required"`
	SecurityGroup     SecurityGroup     `yaml:"security_group"`
	Workers           int               `yaml:"workers" validate:"min=1,max=256"`
	ReconcileInterval time.Duration     `yaml:"reconcile_interval" validate:"min=1s"`
	ZombieTimeout     time.Duration     `yaml:"zombie_timeout" validate:"min=0s"`
	BackendTimeout    time.Duration     `yaml:"backend_timeout" validate:"min=0s"`
	KeyPairPrefix     string            `yaml:"key_pair_prefix" validate:"required,max=32"`
	Architectures     map[string]string `yaml:"architectures" validate:"dive,keys,required,endkeys,oneof=i386 x86_64 arm64"`
	DefaultArch       string            `yaml:"default_architecture" validate:"oneof=i386 x86_64 arm64"`
	DefaultInstance   string            `yaml:"default_instance_type" validate:"required"`
	SecretsKey        string            `yaml:"secrets_key"` // Seals key material and credential secrets when set
	Log               LogConfig         `yaml:"log"`
	API               APIConfig         `yaml:"api"`
}

// ProviderConfig selects the backend implementation
type ProviderConfig struct {
	Type string `yaml:"type" validate:"oneof=ec2 eucalyptus hcloud fake"`
}

// SecurityGroup is created with these rules when absent on the backend
type SecurityGroup struct {
	Name        string        `yaml:"name" validate:"required"`
	Description string        `yaml:"description"`
	Rules       []IngressRule `yaml:"rules" validate:"dive"`
}

// IngressRule is one inbound rule of the default security group
type IngressRule struct {
	Protocol string `yaml:"protocol" validate:"oneof=tcp udp icmp"`
	FromPort int    `yaml:"from_port" validate:"min=-1,max=65535"`
	ToPort   int    `yaml:"to_port" validate:"min=-1,max=65535,gtefield=FromPort"`
	CIDR     string `yaml:"cidr" validate:"cidr"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// APIConfig configures the admin HTTP server
type APIConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	// ReadOnly rejects every mutating request
	ReadOnly bool `yaml:"read_only"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir:     "/var/lib/cumulus",
		Provider:    ProviderConfig{Type: "ec2"},
		DefaultZone: "us-east-1a",
		SecurityGroup: SecurityGroup{
			Name:        "cumulus",
			Description: "Default security group for user configured instances",
			Rules: []IngressRule{
				{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDR: "0.0.0.0/0"},
				{Protocol: "tcp", FromPort: 80, ToPort: 80, CIDR: "0.0.0.0/0"},
				{Protocol: "tcp", FromPort: 443, ToPort: 443, CIDR: "0.0.0.0/0"},
				{Protocol: "icmp", FromPort: -1, ToPort: -1, CIDR: "0.0.0.0/0"},
			},
		},
		Workers:           4,
		ReconcileInterval: 60 * time.Second,
		ZombieTimeout:     180 * time.Second,
		BackendTimeout:    2 * time.Minute,
		KeyPairPrefix:     "cumulus",
		Architectures:     map[string]string{},
		DefaultArch:       "x86_64",
		DefaultInstance:   "m1.small",
		Log:               LogConfig{Level: "info"},
		API:               APIConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Architecture returns the architecture used to pick an image for
// instanceType
func (c *Config) Architecture(instanceType string) string {
	if arch, ok := c.Architectures[instanceType]; ok {
		return arch
	}
	return c.DefaultArch
}

// IngressRules converts the configured rules for the backend connector
func (c *Config) IngressRules() []cloud.IngressRule {
	rules := make([]cloud.IngressRule, 0, len(c.SecurityGroup.Rules))
	for _, r := range c.SecurityGroup.Rules {
		rules = append(rules, cloud.IngressRule(r))
	}
	return rules
}

func (c *Config) applyEnv() {
	c.DataDir = parseString("CUMULUS_DATA_DIR", c.DataDir)
	c.Provider.Type = parseString("CUMULUS_PROVIDER", c.Provider.Type)
	c.DefaultZone = parseString("CUMULUS_DEFAULT_ZONE", c.DefaultZone)
	c.SecurityGroup.Name = parseString("CUMULUS_SECURITY_GROUP", c.SecurityGroup.Name)
	c.Workers = parseInt("CUMULUS_WORKERS", c.Workers)
	c.ReconcileInterval = parseDuration("CUMULUS_RECONCILE_INTERVAL", c.ReconcileInterval)
	c.ZombieTimeout = parseDuration("CUMULUS_ZOMBIE_TIMEOUT", c.ZombieTimeout)
	c.BackendTimeout = parseDuration("CUMULUS_BACKEND_TIMEOUT", c.BackendTimeout)
	c.KeyPairPrefix = parseString("CUMULUS_KEY_PAIR_PREFIX", c.KeyPairPrefix)
	c.SecretsKey = parseString("CUMULUS_SECRETS_KEY", c.SecretsKey)
	c.Log.Level = parseString("CUMULUS_LOG_LEVEL", c.Log.Level)
	c.Log.JSON = parseBool("CUMULUS_LOG_JSON", c.Log.JSON)
	c.API.Addr = parseString("CUMULUS_API_ADDR", c.API.Addr)
	c.API.ReadOnly = parseBool("CUMULUS_API_READ_ONLY", c.API.ReadOnly)
}

func parseString(envVar, defaultVal string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultVal
}

// parseDuration parses a duration from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseDuration(envVar string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}

	return d
}

func parseInt(envVar string, defaultVal int) int {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}

	return i
}

func parseBool(envVar string, defaultVal bool) bool {
	b, err := strconv.ParseBool(os.Getenv(envVar))
	if err != nil {
		return defaultVal
	}
	return b
}
