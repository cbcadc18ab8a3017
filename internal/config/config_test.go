package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServersMissingFileYieldsEmpty(t *testing.T) {
	file, err := LoadServers(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, file.Servers)
}

func TestLoadServersParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"servers":[{"name":"alpha","transport":"http","url":"http://localhost:9000"}]}`), 0644))

	file, err := LoadServers(path)
	require.NoError(t, err)
	require.Len(t, file.Servers, 1)
	assert.Equal(t, "alpha", file.Servers[0].Name)
}

func TestLoadRulesMissingFileYieldsEmptyClients(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.NotNil(t, rules.Clients)
	assert.Empty(t, rules.Clients)
}

func TestLoadSettingsDefaultsWhenMissing(t *testing.T) {
	settings, err := LoadSettings(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, 9090, settings.ListenPort)
	assert.Equal(t, 0.85, settings.SimilarityThreshold)
}

func TestLoadSettingsEnvOverride(t *testing.T) {
	t.Setenv("INFERENCE_URL", "http://override:1234")
	settings, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, "http://override:1234", settings.InferenceURL)
}

func TestLoadSettingsListenPortEnvOverride(t *testing.T) {
	t.Setenv("LISTEN_PORT", "9191")
	settings, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, 9191, settings.ListenPort)
}

func TestLoadSettingsListenPortEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("LISTEN_PORT", "not-a-port")
	settings, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, 9090, settings.ListenPort, "an unparseable override must not corrupt the default")
}
