package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/objectnode/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	doc := fmt.Sprintf(`
server:
  node_id: node-a
  port: 6200
storage:
  devices_dir: %s
  devices: [sda]
ring:
  hash_path_suffix: test
  part_power: 4
  replicas: 1
  devices:
    - {id: 0, node: node-a, address: "127.0.0.1:6200", device: sda}
container_ring:
  hash_path_suffix: test
  part_power: 4
  replicas: 1
  devices:
    - {id: 0, node: node-a, address: "127.0.0.1:6200", device: sda}
logging:
  level: error
`, filepath.Join(dir, "node"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "auditor", "replicator", "container-replicator", "updater"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	cmd, _, err := root.Find([]string{"updater", "once"})
	require.NoError(t, err)
	assert.Equal(t, "once", cmd.Name())
}

func TestOnceCommands(t *testing.T) {
	path := writeConfig(t)
	for _, name := range []string{"auditor", "replicator", "container-replicator"} {
		t.Run(name, func(t *testing.T) {
			root := newRootCmd()
			root.SetArgs([]string{name, "once", "--config", path})
			assert.NoError(t, root.Execute())
		})
	}
}

func TestUpdaterOnce_RefusesMemoryAccountTier(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"updater", "once", "--config", writeConfig(t)})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account.backend")
}

func TestInitLogger(t *testing.T) {
	_, err := initLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	assert.NoError(t, err)
	_, err = initLogger(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestLoadConfig_EnvFallback(t *testing.T) {
	configPath = ""
	t.Setenv("CONFIG_PATH", writeConfig(t))
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Server.NodeID)
}
