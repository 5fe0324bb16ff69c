package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLoggingConfig(t *testing.T, ws, body string) {
	t.Helper()
	dir := filepath.Join(ws, ".farsight")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0644))
}

func TestInitializeWithoutConfigIsSilent(t *testing.T) {
	t.Cleanup(CloseAll)
	ws := t.TempDir()

	require.NoError(t, Initialize(ws))
	assert.False(t, IsDebugMode())

	// Logging calls must be harmless no-ops.
	Job("no-op entry %d", 1)
	_, err := os.Stat(filepath.Join(ws, ".farsight", "logs"))
	assert.True(t, os.IsNotExist(err), "logs dir should not be created in production mode")
}

func TestInitializeDebugModeWritesCategoryFile(t *testing.T) {
	t.Cleanup(CloseAll)
	ws := t.TempDir()
	writeLoggingConfig(t, ws, `{"logging":{"debug_mode":true,"level":"debug"}}`)

	require.NoError(t, Initialize(ws))
	require.True(t, IsDebugMode())

	Harvest("extracted %d urls", 7)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".farsight", "logs"))
	require.NoError(t, err)

	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".log" {
			data, rerr := os.ReadFile(filepath.Join(ws, ".farsight", "logs", e.Name()))
			require.NoError(t, rerr)
			if len(data) > 0 {
				found = true
			}
		}
	}
	assert.True(t, found, "at least one non-empty category log expected")
}

func TestCategoryFilter(t *testing.T) {
	t.Cleanup(CloseAll)
	ws := t.TempDir()
	writeLoggingConfig(t, ws, `{"logging":{"debug_mode":true,"level":"info","categories":{"store":false}}}`)

	require.NoError(t, Initialize(ws))
	assert.False(t, IsCategoryEnabled(CategoryStore))
	assert.True(t, IsCategoryEnabled(CategoryHarvest))
}

func TestInitializeRequiresWorkspace(t *testing.T) {
	assert.Error(t, Initialize(""))
}
