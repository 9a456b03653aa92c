package config

import (
	"os"
	"path/filepath"
	"testing"

	"goods-dynamics/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"table": "ROA1_NL", "database": {"dsn": "user:pw@tcp(localhost:3306)/x"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ROA1_NL", cfg.Table)
	assert.Equal(t, 7, cfg.Trend.Window)
	assert.Equal(t, 30, cfg.Backfill.GapLookbackDays)
	assert.Equal(t, models.ManualWins, cfg.OverridePolicy)
	assert.Equal(t, "info", cfg.LogConfig.Level)
	assert.Equal(t, "History_Dynamic", cfg.History.Dir)
	assert.Empty(t, cfg.Tables)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("DYNAMICS_TABLE", "ROA2_DE")
	t.Setenv("DYNAMICS_DSN", "env-dsn")
	t.Setenv("DYNAMICS_WORKERS", "3")
	t.Setenv("DYNAMICS_TABLES", "ROA1_NL, ROA1_CZ,,")
	path := writeConfig(t, `{"table": "ROA1_NL", "tables": ["ROA1_FR"], "database": {"dsn": "file-dsn"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ROA2_DE", cfg.Table)
	assert.Equal(t, "env-dsn", cfg.Database.DSN)
	assert.Equal(t, 3, cfg.Backfill.Workers)
	assert.Equal(t, []string{"ROA1_NL", "ROA1_CZ"}, cfg.Tables)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"override_policy": "manual_wins"}`))
	assert.Error(t, err, "missing table")

	_, err = LoadConfig(writeConfig(t, `{"table": "T", "override_policy": "whatever"}`))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{"table": "T", "tables": ["ROA1_NL", " "]}`))
	assert.Error(t, err)

	t.Setenv("DYNAMICS_WORKERS", "many")
	_, err = LoadConfig(writeConfig(t, `{"table": "T"}`))
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
