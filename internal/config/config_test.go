package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployctl/internal/failfast"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, DefaultDeployPath, cfg.DeployPath)
	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.False(t, cfg.Rollback)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, "/health", cfg.Health.Path)
	assert.Equal(t, 10, cfg.Health.Retries)
	assert.Equal(t, 3*time.Second, cfg.Health.Interval)
	assert.Equal(t, "npm ci --omit=dev", cfg.Release.InstallCmd)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "deployctl.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
name: api
port: 5000
rollback: true
health:
  path: /ready
  interval: 500ms
release:
  entry_file: entry.js
`), 0o644))

	t.Setenv("DEPLOYCTL_PORT", "6000")
	t.Setenv("DEPLOYCTL_HEALTH_RETRIES", "4")

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)

	assert.Equal(t, "api", cfg.Name)
	assert.Equal(t, 6000, cfg.Port)
	assert.True(t, cfg.Rollback)
	assert.Equal(t, "/ready", cfg.Health.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.Interval)
	assert.Equal(t, 4, cfg.Health.Retries)
	assert.Equal(t, "entry.js", cfg.Release.EntryFile)
	assert.Equal(t, DefaultManifestFile, cfg.Release.ManifestFile)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.Equal(t, failfast.InvalidConfig, failfast.KindOf(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "port 70000"},
		{name: "root path", mutate: func(c *Config) { c.DeployPath = "/" }, wantErr: "deploy path"},
		{name: "relative path", mutate: func(c *Config) { c.DeployPath = "app" }, wantErr: "deploy path"},
		{name: "name", mutate: func(c *Config) { c.Name = "a b" }, wantErr: "process name"},
		{name: "supervisor", mutate: func(c *Config) { c.Supervisor = "forever" }, wantErr: "supervisor"},
		{name: "retries", mutate: func(c *Config) { c.Health.Retries = 0 }, wantErr: "retries"},
		{name: "health path", mutate: func(c *Config) { c.Health.Path = "health" }, wantErr: "health path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, failfast.InvalidConfig, failfast.KindOf(err))
		})
	}
}

func TestValidateDeploy_RequiresArchive(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateDeploy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--zip-file")

	cfg.ZipFile = "/tmp/release.zip"
	assert.NoError(t, cfg.ValidateDeploy())
}

func TestResolveOwner_CurrentUser(t *testing.T) {
	own, err := ResolveOwner("")
	require.NoError(t, err)
	assert.Equal(t, os.Getuid(), own.UID)
	assert.Equal(t, os.Getgid(), own.GID)
}

func TestLoadEnvFile(t *testing.T) {
	env, err := LoadEnvFile("")
	require.NoError(t, err)
	assert.Nil(t, env)

	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("NODE_ENV=production\nAPI_KEY=\"abc\"\n"), 0o600))
	env, err = LoadEnvFile(file)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"NODE_ENV": "production", "API_KEY": "abc"}, env)
}
