package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cumulus.yaml")
	err := os.WriteFile(path, []byte(`
data_dir: /tmp/cumulus
provider:
  type: hcloud
default_zone: fsn1
workers: 8
reconcile_interval: 30s
zombie_timeout: 5m
architectures:
  cx22: x86_64
  cax11: arm64
security_group:
  name: ucis
  rules:
    - protocol: tcp
      from_port: 22
      to_port: 22
      cidr: 10.0.0.0/8
`), 0o600)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cumulus", cfg.DataDir)
	assert.Equal(t, "hcloud", cfg.Provider.Type)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 5*time.Minute, cfg.ZombieTimeout)
	assert.Equal(t, "arm64", cfg.Architecture("cax11"))
	assert.Equal(t, "x86_64", cfg.Architecture("unknown"))

	rules := cfg.IngressRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "10.0.0.0/8", rules[0].CIDR)

	// Untouched fields keep their defaults
	assert.Equal(t, "cumulus", cfg.KeyPairPrefix)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CUMULUS_WORKERS", "2")
	t.Setenv("CUMULUS_ZOMBIE_TIMEOUT", "90s")
	t.Setenv("CUMULUS_PROVIDER", "fake")
	t.Setenv("CUMULUS_LOG_JSON", "true")
	t.Setenv("CUMULUS_RECONCILE_INTERVAL", "not-a-duration")
	t.Setenv("CUMULUS_SECRETS_KEY", "hunter2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.ZombieTimeout)
	assert.Equal(t, "fake", cfg.Provider.Type)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 60*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, "hunter2", cfg.SecretsKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider.Type = "gcp" }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"interval too short", func(c *Config) { c.ReconcileInterval = 10 * time.Millisecond }},
		{"bad cidr", func(c *Config) { c.SecurityGroup.Rules[0].CIDR = "everywhere" }},
		{"bad architecture", func(c *Config) { c.Architectures["t2.micro"] = "sparc" }},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
