package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trustagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
storage:
  path: /var/lib/trustagent/agent.db
sync:
  workers: 2
  interval: 30s
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/trustagent/agent.db", cfg.Storage.Path)
	assert.Equal(t, 2, cfg.Sync.Workers)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval.Std())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Certificates, cfg.Certificates)
	assert.Equal(t, Default().Sync.MaxUpdateRounds, cfg.Sync.MaxUpdateRounds)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown key",
			content: "storage:\n  pth: x.db\n",
			wantErr: "field pth not found",
		},
		{
			name:    "bad duration",
			content: "sync:\n  interval: soon\n",
			wantErr: "invalid duration",
		},
		{
			name:    "invalid value",
			content: "sync:\n  workers: 0\n",
			wantErr: "sync.workers must be at least 1",
		},
		{
			name:    "malformed yaml",
			content: "storage: [\n",
			wantErr: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvStoragePath, "/tmp/override.db")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(writeFile(t, "storage:\n  path: file.db\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Storage.Path)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel())
}

func TestLoad_EnvOverrideIsValidated(t *testing.T) {
	t.Setenv(EnvLogLevel, "loud")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "missing storage path",
			mutate:  func(c *Config) { c.Storage.Path = " " },
			wantErr: []string{"storage.path must be set"},
		},
		{
			name: "non-positive validities",
			mutate: func(c *Config) {
				c.Certificates.IdentityValidity = 0
				c.Certificates.MembershipValidity = Duration(-time.Hour)
			},
			wantErr: []string{
				"certificates.identity_validity must be positive",
				"certificates.membership_validity must be positive",
			},
		},
		{
			name:    "missing admin group name",
			mutate:  func(c *Config) { c.AdminGroup.Name = "" },
			wantErr: []string{"admin_group.name must be set"},
		},
		{
			name: "sync limits",
			mutate: func(c *Config) {
				c.Sync.Workers = 0
				c.Sync.Interval = 0
				c.Sync.MaxUpdateRounds = -1
			},
			wantErr: []string{
				"sync.workers must be at least 1",
				"sync.interval must be positive",
				"sync.max_update_rounds must be at least 1",
			},
		},
		{
			name:    "log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: []string{`log.format must be text or json, got "xml"`},
		},
		{
			name:   "log level is case-insensitive",
			mutate: func(c *Config) { c.Log.Level = "DEBUG" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Sync.Interval = Duration(90 * time.Second)

	require.NoError(t, Write(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "interval: 1m30s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
