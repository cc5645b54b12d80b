package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
server:
  node_id: node-a
storage:
  devices: [sda, sdb]
ring:
  hash_path_suffix: changeme
  devices:
    - {id: 0, node: node-a, address: "10.0.0.1:6200", device: sda}
    - {id: 1, node: node-b, address: "10.0.0.2:6200", device: sda}
container_ring:
  hash_path_suffix: changeme
  part_power: 8
  replicas: 2
  devices:
    - {id: 0, node: node-a, address: "10.0.0.1:6200", device: sdb}
    - {id: 1, node: node-b, address: "10.0.0.2:6200", device: sdb}
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6200", cfg.Server.Addr())
	assert.Equal(t, "/srv/node", cfg.Storage.DevicesDir)
	assert.Equal(t, filepath.Join("/srv/node", "sda"), cfg.Storage.DevicePath("sda"))
	assert.Equal(t, uint(10), cfg.Ring.PartPower)
	assert.Equal(t, 3, cfg.Ring.Replicas)
	assert.Equal(t, uint(8), cfg.ContainerRing.PartPower)
	assert.Equal(t, 2, cfg.ContainerRing.Replicas)
	assert.Equal(t, 7*24*time.Hour, cfg.Replicator.ReclaimAge)
	assert.Equal(t, cfg.Replicator.Interval, cfg.Replicator.ContainerInterval)
	assert.Equal(t, "memory", cfg.Account.Backend)
	assert.Equal(t, "json", cfg.Logging.Format)

	local := cfg.LocalNodeDevices(cfg.Ring)
	require.Len(t, local, 1)
	assert.Equal(t, "sda", local[0].Device)

	r, err := cfg.ContainerRing.Build()
	require.NoError(t, err)
	assert.Equal(t, 2, r.Replicas())
	assert.Equal(t, 256, r.Hasher().PartitionCount())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing node id", strings.Replace(minimal, "node_id: node-a", "node_id: \"\"", 1)},
		{"bad backend", minimal + "account:\n  backend: postgres\n"},
		{"bad log format", minimal + "logging:\n  format: xml\n"},
		{"negative reclaim age", minimal + "replicator:\n  reclaim_age: -1s\n"},
		{"part power too large", strings.Replace(minimal, "part_power: 8", "part_power: 40", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_RingWithoutDevices(t *testing.T) {
	_, err := config.Parse([]byte(`
server: {node_id: node-a}
storage: {devices: [sda]}
ring: {hash_path_suffix: x}
container_ring: {hash_path_suffix: x}
`))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal+"replicator:\n  reclaim_age: 1h\n"), 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Replicator.ReclaimAge)

	_, err = config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
