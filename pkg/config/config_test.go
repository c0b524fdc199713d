package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxskiss/gwxlate/pkg/capability"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "gwxlate.yaml")
	require.NoError(t, os.WriteFile(file, []byte(text), 0o644))
	return file
}

func TestReadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := ReadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "./generated", cfg.OutputDir)
	assert.False(t, cfg.FailOnWarnings)

	_, err = cfg.Target("")
	assert.Error(t, err)
	target, err := cfg.Target("haproxy")
	require.NoError(t, err)
	assert.Equal(t, capability.HAProxy, target)
}

func TestReadConfigFileAndEnv(t *testing.T) {
	file := writeConfig(t, `
logLevel: warn
outputDir: /tmp/out
defaultProvider: kong
`)
	t.Setenv("GWXLATE_FAIL_ON_WARNINGS", "true")
	t.Setenv("GWXLATE_OUTPUT_DIR", "/srv/gateway")

	cfg, err := ReadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/srv/gateway", cfg.OutputDir)
	assert.True(t, cfg.FailOnWarnings)

	target, err := cfg.Target("")
	require.NoError(t, err)
	assert.Equal(t, capability.Kong, target)
}

func TestReadConfigInvalid(t *testing.T) {
	_, err := ReadConfig(writeConfig(t, "logLevel: loud\n"))
	assert.ErrorContains(t, err, "invalid log level")

	_, err = ReadConfig(writeConfig(t, "defaultProvider: caddy\n"))
	assert.ErrorContains(t, err, "invalid default provider")

	_, err = ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
