package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	semconfig "github.com/c360studio/semcontrol/config"
	planningmonitor "github.com/c360studio/semcontrol/processor/planning-monitor"
	taskapi "github.com/c360studio/semcontrol/processor/task-api"
	"github.com/c360studio/semstreams/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvWithDefaults(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		env      map[string]string
		expected string
	}{
		{
			name:     "default used when var unset",
			input:    `${GATEWAY_URL:-http://127.0.0.1:18789}/api`,
			env:      map[string]string{},
			expected: `http://127.0.0.1:18789/api`,
		},
		{
			name:     "env value used when set",
			input:    `${GATEWAY_URL:-http://127.0.0.1:18789}/api`,
			env:      map[string]string{"GATEWAY_URL": "http://gw:9000"},
			expected: `http://gw:9000/api`,
		},
		{
			name:     "partial env set",
			input:    `nats://${NATS_HOST:-localhost}:${NATS_PORT:-4222}`,
			env:      map[string]string{"NATS_HOST": "nats.prod"},
			expected: `nats://nats.prod:4222`,
		},
		{
			name:     "empty default",
			input:    `prefix${OPTIONAL:-}suffix`,
			env:      map[string]string{},
			expected: `prefixsuffix`,
		},
		{
			name:     "simple var unset without default",
			input:    `${SIMPLE_VAR}`,
			env:      map[string]string{},
			expected: ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range []string{"GATEWAY_URL", "NATS_HOST", "NATS_PORT", "OPTIONAL", "SIMPLE_VAR"} {
				t.Setenv(v, "")
				os.Unsetenv(v)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			assert.Equal(t, tt.expected, config.ExpandEnvWithDefaults(tt.input))
		})
	}
}

func TestBuildDefaultConfig(t *testing.T) {
	settings := semconfig.DefaultConfig()
	settings.Planning.MaxRounds = 4
	settings.Planning.DefaultOrchestrator = "master-1"
	settings.Dispatch.WebhookURL = "http://hooks.local/dispatch"
	settings.HTTP.Port = 9090

	cfg, err := buildDefaultConfig(settings)
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	require.Contains(t, cfg.Streams, "TASKS")
	assert.Equal(t, []string{"task.dispatch.>"}, cfg.Streams["TASKS"].Subjects)

	api, ok := cfg.Components["task-api"]
	require.True(t, ok)
	assert.True(t, api.Enabled)

	var apiCfg taskapi.Config
	require.NoError(t, json.Unmarshal(api.Config, &apiCfg))
	assert.Equal(t, 4, apiCfg.MaxRounds)
	assert.Equal(t, "1m30s", apiCfg.ReplyTimeout)
	assert.Equal(t, "master-1", apiCfg.DefaultOrchestrator)
	assert.Equal(t, "http://hooks.local/dispatch", apiCfg.WebhookURL)
	assert.Equal(t, semconfig.BackendKV, apiCfg.StorageBackend)

	monitor, ok := cfg.Components["planning-monitor"]
	require.True(t, ok)
	assert.True(t, monitor.Enabled)

	var monitorCfg planningmonitor.Config
	require.NoError(t, json.Unmarshal(monitor.Config, &monitorCfg))
	assert.Equal(t, "10m0s", monitorCfg.StaleAfter)
	assert.Equal(t, "1m0s", monitorCfg.CheckInterval)

	sm, ok := cfg.Services["service-manager"]
	require.True(t, ok)
	var smCfg map[string]any
	require.NoError(t, json.Unmarshal(sm.Config, &smCfg))
	assert.EqualValues(t, 9090, smCfg["http_port"])
}

func TestBuildDefaultConfig_MemoryDisablesMonitor(t *testing.T) {
	settings := semconfig.DefaultConfig()
	settings.Storage.Backend = semconfig.BackendMemory

	cfg, err := buildDefaultConfig(settings)
	require.NoError(t, err)
	assert.False(t, cfg.Components["planning-monitor"].Enabled)
	assert.True(t, cfg.Components["task-api"].Enabled)
}

func TestBuildDefaultConfig_ZeroStaleAfterDisablesMonitor(t *testing.T) {
	settings := semconfig.DefaultConfig()
	settings.Planning.StaleAfter = 0

	cfg, err := buildDefaultConfig(settings)
	require.NoError(t, err)
	assert.False(t, cfg.Components["planning-monitor"].Enabled)
}

func TestEnsureServiceManagerConfig_KeepsExisting(t *testing.T) {
	cfg := &config.Config{}
	ensureServiceManagerConfig(cfg, 0)
	first := cfg.Services["service-manager"]

	var smCfg map[string]any
	require.NoError(t, json.Unmarshal(first.Config, &smCfg))
	assert.EqualValues(t, 8080, smCfg["http_port"])

	ensureServiceManagerConfig(cfg, 9999)
	assert.Equal(t, first.Config, cfg.Services["service-manager"].Config)
}

func TestExtractPlatformMeta(t *testing.T) {
	cfg := &config.Config{Platform: config.PlatformConfig{Org: "o", ID: "id", InstanceID: "inst"}}
	assert.Equal(t, "inst", extractPlatformMeta(cfg).Platform)

	cfg.Platform.InstanceID = ""
	assert.Equal(t, "id", extractPlatformMeta(cfg).Platform)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SEMCONTROL_TEST_FROM_FILE=file\nSEMCONTROL_TEST_PRESET=file\n"), 0o644))

	t.Setenv("SEMCONTROL_TEST_PRESET", "env")
	t.Setenv("SEMCONTROL_TEST_FROM_FILE", "")
	os.Unsetenv("SEMCONTROL_TEST_FROM_FILE")

	loaded, err := loadEnvFile(path)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "file", os.Getenv("SEMCONTROL_TEST_FROM_FILE"))
	assert.Equal(t, "env", os.Getenv("SEMCONTROL_TEST_PRESET"))

	loaded, err = loadEnvFile(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.False(t, loaded)

	loaded, err = loadEnvFile("")
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestNATSURL(t *testing.T) {
	cfg := &config.Config{NATS: config.NATSConfig{URLs: []string{"nats://a:4222", "nats://b:4222"}}}

	t.Setenv("NATS_URL", "")
	t.Setenv("SEMCONTROL_NATS_URL", "")
	assert.Equal(t, "nats://a:4222,nats://b:4222", natsURL(cfg))
	assert.Equal(t, defaultNATSURL, natsURL(&config.Config{}))

	t.Setenv("SEMCONTROL_NATS_URL", "nats://semcontrol:4222")
	assert.Equal(t, "nats://semcontrol:4222", natsURL(cfg))

	t.Setenv("NATS_URL", "nats://override:4222")
	assert.Equal(t, "nats://override:4222", natsURL(cfg))
}

func TestNATSHint(t *testing.T) {
	refused := natsHint(errors.New("dial tcp: connection refused"), "nats://x:4222")
	assert.Contains(t, refused.Error(), "nats://x:4222")
	assert.Contains(t, refused.Error(), "docker run")

	other := natsHint(errors.New("authorization violation"), "nats://x:4222")
	assert.NotContains(t, other.Error(), "docker run")

	base := errors.New("no servers available")
	assert.ErrorIs(t, natsHint(base, "u"), base)
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("warn").Enabled(ctx, slog.LevelInfo))
	assert.True(t, newLogger("bogus").Enabled(ctx, slog.LevelInfo))
	assert.False(t, newLogger("bogus").Enabled(ctx, slog.LevelDebug))
}
