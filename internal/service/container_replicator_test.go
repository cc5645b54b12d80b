package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/devrev/pairdb/objectnode/internal/service"
	"github.com/devrev/pairdb/objectnode/internal/storage/containerdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestContainerReplicator_ConvergesRows(t *testing.T) {
	ctx := context.Background()
	h := newHasher(t)
	containerRing := newRing(t, h, 2,
		ring.Device{Node: "n1", Device: "sda"},
		ring.Device{Node: "n2", Device: "sdb"})
	a := newContainerStore(t, h, "sda")
	b := newContainerStore(t, h, "sdb")
	replicas := map[string]service.Replica[*model.ContainerRow]{
		"sda": service.NewLocalContainerReplica(a, fixedClock(t0), zap.NewNop()),
		"sdb": service.NewLocalContainerReplica(b, fixedClock(t0), zap.NewNop()),
	}

	upsert := func(s *containerdb.Store, name string, ts model.Timestamp, size int64) {
		_, err := s.Upsert(ctx, containerRef, model.ContainerListingEntry{Name: name, Timestamp: ts, Size: size})
		require.NoError(t, err)
	}
	upsert(a, "obj1", t0, 4)
	upsert(a, "obj2", t0, 4)
	upsert(b, "obj2", t0.Add(time.Second), 10)
	upsert(b, "obj3", t0, 1)
	_, err := b.MarkDeleted(ctx, containerRef, "obj1", t0.Add(time.Second))
	require.NoError(t, err)

	replicator := func(node string, s *containerdb.Store) *service.ContainerReplicatorService {
		return service.NewContainerReplicatorService(
			service.ReplicatorConfig{NodeID: node},
			containerRing,
			[]service.LocalDevice[*model.ContainerRow]{{Device: s.Device(), Store: s, Replica: replicas[s.Device()]}},
			byDevice(replicas),
			nil, nil, zap.NewNop())
	}

	report, err := replicator("n1", a).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Partitions)
	assert.Positive(t, report.SuffixesSynced)

	for _, s := range []*containerdb.Store{a, b} {
		stats, err := s.Aggregate(containerRef, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, model.ContainerStats{ObjectCount: 2, BytesUsed: 11}, stats, s.Device())

		row, ok := s.Get(containerRef, "obj1")
		require.True(t, ok)
		assert.True(t, row.Deleted)
	}

	again, err := replicator("n2", b).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.SuffixesSynced)
	assert.Zero(t, again.RecordsPulled)
	assert.Zero(t, again.RecordsPushed)
}
