package ring_test

import (
	"fmt"
	"testing"

	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevices(nodes, perNode int) []ring.Device {
	var devs []ring.Device
	id := 0
	for n := 1; n <= nodes; n++ {
		for d := 1; d <= perNode; d++ {
			devs = append(devs, ring.Device{
				ID:      id,
				Node:    fmt.Sprintf("node%d", n),
				Address: fmt.Sprintf("10.0.0.%d:6200", n),
				Device:  fmt.Sprintf("sdb%d", d),
				Weight:  1,
			})
			id++
		}
	}
	return devs
}

func TestPathHasher_HashPath(t *testing.T) {
	h, err := ring.NewPathHasher("", "changeme", 10)
	require.NoError(t, err)

	objHash := h.HashPath("AUTH_test", "c1", "obj1")
	assert.Len(t, objHash, 32)
	assert.Equal(t, objHash, h.HashPath("AUTH_test", "c1", "obj1"))
	assert.NotEqual(t, objHash, h.HashPath("AUTH_test", "c1", "obj2"))

	// trailing empty components are ignored
	assert.Equal(t, h.HashPath("AUTH_test", "c1"), h.HashPath("AUTH_test", "c1", ""))

	salted, err := ring.NewPathHasher("", "other", 10)
	require.NoError(t, err)
	assert.NotEqual(t, objHash, salted.HashPath("AUTH_test", "c1", "obj1"))
}

func TestPathHasher_Partition(t *testing.T) {
	h, err := ring.NewPathHasher("", "", 8)
	require.NoError(t, err)

	assert.Equal(t, 0, h.Partition("00000000000000000000000000000000"))
	assert.Equal(t, 255, h.Partition("ffffffff000000000000000000000000"))
	assert.Equal(t, 0x12, h.Partition("12345678000000000000000000000abc"))
	assert.Equal(t, 256, h.PartitionCount())
	assert.Equal(t, "abc", ring.SuffixOf("12345678000000000000000000000abc"))
}

func TestNewPathHasher_InvalidPartPower(t *testing.T) {
	_, err := ring.NewPathHasher("", "", 0)
	assert.Error(t, err)
	_, err = ring.NewPathHasher("", "", 33)
	assert.Error(t, err)
}

func TestRing_GetPartNodes(t *testing.T) {
	h, err := ring.NewPathHasher("", "suffix", 6)
	require.NoError(t, err)
	r, err := ring.New(h, 3, testDevices(4, 2), 16)
	require.NoError(t, err)

	for p := 0; p < h.PartitionCount(); p++ {
		devs := r.GetPartNodes(p)
		require.Len(t, devs, 3)

		nodes := map[string]bool{}
		for _, d := range devs {
			nodes[d.Node] = true
		}
		assert.Len(t, nodes, 3, "replicas of partition %d should land on distinct nodes", p)
		assert.Equal(t, devs, r.GetPartNodes(p), "placement must be stable")
	}
}

func TestRing_FewerNodesThanReplicas(t *testing.T) {
	h, err := ring.NewPathHasher("", "", 4)
	require.NoError(t, err)
	r, err := ring.New(h, 3, testDevices(1, 3), 8)
	require.NoError(t, err)

	devs := r.GetPartNodes(5)
	require.Len(t, devs, 3)
	seen := map[string]bool{}
	for _, d := range devs {
		assert.False(t, seen[d.String()])
		seen[d.String()] = true
	}
}

func TestRing_GetNodesMatchesHasher(t *testing.T) {
	h, err := ring.NewPathHasher("", "", 8)
	require.NoError(t, err)
	r, err := ring.New(h, 2, testDevices(3, 1), 0)
	require.NoError(t, err)

	part, devs := r.GetNodes("AUTH_a", "c", "o")
	assert.Equal(t, h.Partition(h.HashPath("AUTH_a", "c", "o")), part)
	assert.Len(t, devs, 2)
	assert.True(t, ring.IsPrimary(devs, devs[0].Node, devs[0].Device))
	assert.False(t, ring.IsPrimary(devs, "nope", "sdz"))
}

func TestRing_Invalid(t *testing.T) {
	h, err := ring.NewPathHasher("", "", 4)
	require.NoError(t, err)

	_, err = ring.New(h, 0, testDevices(1, 1), 0)
	assert.Error(t, err)
	_, err = ring.New(h, 1, nil, 0)
	assert.Error(t, err)
	dup := testDevices(1, 1)
	_, err = ring.New(h, 1, append(dup, dup[0]), 0)
	assert.Error(t, err)
}
