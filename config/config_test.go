package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Controller, cfg.Controller)
	assert.Equal(t, RegistryNone, cfg.Registry.Type)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
controller:
  name: ctl-1
  listen: 127.0.0.1:9000
  request_timeout: 2s
  rate_limit: 5
worker:
  name: w1
  balancer: consistent-hash
registry:
  type: etcd
  endpoints: [etcd-1:2379, etcd-2:2379]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "unset keys keep their default")
	assert.Equal(t, "ctl-1", cfg.Controller.Name)
	assert.Equal(t, "127.0.0.1:9000", cfg.Controller.Listen)
	assert.Equal(t, 2*time.Second, cfg.Controller.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Controller.HandshakeTimeout)
	assert.Equal(t, 5.0, cfg.Controller.RateLimit)
	assert.Equal(t, "consistent-hash", cfg.Worker.Balancer)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Registry.Endpoints)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "controller: [unterminated"))
	assert.ErrorContains(t, err, "config: parse")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CALLGATE_LOG_LEVEL":             "warn",
		"CALLGATE_WORKER_CONTROLLER":     "10.0.0.1:7070",
		"CALLGATE_REGISTRY_ENDPOINTS":    "a:2379,b:2379",
		"CALLGATE_CONTROLLER_RATE_LIMIT": "7.5",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "10.0.0.1:7070", cfg.Worker.Controller)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, 7.5, cfg.Controller.RateLimit)

	env["CALLGATE_CONTROLLER_RATE_LIMIT"] = "fast"
	assert.Error(t, Default().applyEnv(func(k string) string { return env[k] }))
}

func TestLoadAppliesEnv(t *testing.T) {
	t.Setenv("CALLGATE_CONTROLLER_NAME", "from-env")
	cfg, err := Load(writeConfig(t, "controller:\n  name: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Controller.Name)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"codec", func(c *Config) { c.Worker.Codec = "xml" }, "unknown codec"},
		{"registry", func(c *Config) { c.Registry.Type = "consul" }, "unknown registry"},
		{"etcd endpoints", func(c *Config) {
			c.Registry.Type = RegistryEtcd
			c.Registry.Endpoints = nil
		}, "needs endpoints"},
		{"balancer", func(c *Config) { c.Worker.Balancer = "fastest" }, "unknown balancer"},
		{"rate", func(c *Config) { c.Controller.RateLimit = -1 }, "rate_limit"},
		{"listen", func(c *Config) { c.Controller.Listen = "" }, "listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
