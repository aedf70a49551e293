package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"ODK_CENTRAL_URL", "ODK_CENTRAL_USER", "ODK_CENTRAL_PASSWD", "FMTM_DB_URL"} {
		t.Setenv(k, "")
	}
}

func TestLoad_NewFileDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "configs", "fmtm.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Distance(100), cfg.Split.SquareSize)
	assert.Equal(t, 50, cfg.Split.FeaturesPerTask)
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.Server.RequestTimeout))
	assert.False(t, cfg.PostGIS.Enabled)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "features_per_task: 50")
	assert.Contains(t, string(content), "# Options: DEBUG, INFO, WARN, ERROR")
	assert.Contains(t, string(content), "square_size: 100m")
	assert.Contains(t, string(content), "artifact_retention: 30d")
}

func TestLoad_ExistingFileMergesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "fmtm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("split:\n  square_size: 0.25km\nserver:\n  address: \":9000\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Distance(250), cfg.Split.SquareSize)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 50, cfg.Split.FeaturesPerTask, "unset keys keep defaults")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(content), "features_per_task"), "existing file is not rewritten")
}

func TestLoad_EnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("ODK_CENTRAL_URL", "https://central.example.org")
	t.Setenv("ODK_CENTRAL_USER", "admin@fmtm.dev")
	t.Setenv("ODK_CENTRAL_PASSWD", "secret")
	t.Setenv("FMTM_DB_URL", "postgres://fmtm@localhost/fmtm")

	path := filepath.Join(t.TempDir(), "fmtm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("odk:\n  user: from-file\npostgis:\n  enabled: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://central.example.org", cfg.ODK.URL)
	assert.Equal(t, "from-file", cfg.ODK.User, "file values win over env")
	assert.Equal(t, "secret", cfg.ODK.Password)
	assert.Equal(t, "postgres://fmtm@localhost/fmtm", cfg.PostGIS.DSN)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "secret")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "split: [", "failed to parse"},
		{"zero square", "split:\n  square_size: 0m\n", "square_size"},
		{"negative features", "split:\n  features_per_task: -1\n", "features_per_task"},
		{"postgis without dsn", "postgis:\n  enabled: true\n", "no dsn"},
		{"relative odk url", "odk:\n  url: central.local\n", "invalid odk.url"},
		{"bad log level", "log:\n  server:\n    level: LOUD\n", "log.server.level"},
		{"bad duration", "server:\n  request_timeout: soon\n", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), "fmtm.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGenerateDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fmtm.yaml")
	require.NoError(t, GenerateDefault(path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("custom: true\n"), 0o644))
	require.NoError(t, GenerateDefault(path))
	content, _ := os.ReadFile(path)
	assert.Equal(t, "custom: true\n", string(content), "existing file left alone")
}
