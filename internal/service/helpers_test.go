package service_test

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/devrev/pairdb/objectnode/internal/service"
	"github.com/devrev/pairdb/objectnode/internal/storage/containerdb"
	"github.com/devrev/pairdb/objectnode/internal/storage/objectstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = model.TimestampFromSeconds(1_700_000_000)

func fixedClock(ts model.Timestamp) service.Clock {
	return func() model.Timestamp { return ts }
}

func newHasher(t *testing.T) *ring.PathHasher {
	t.Helper()
	h, err := ring.NewPathHasher("", "test", 4)
	require.NoError(t, err)
	return h
}

func newRing(t *testing.T, h *ring.PathHasher, replicas int, devs ...ring.Device) *ring.Ring {
	t.Helper()
	for i := range devs {
		devs[i].ID = i
		devs[i].Weight = 1
	}
	r, err := ring.New(h, replicas, devs, 0)
	require.NoError(t, err)
	return r
}

func newObjectStore(t *testing.T, h *ring.PathHasher, device string) *objectstore.Store {
	t.Helper()
	s, err := objectstore.New(objectstore.Config{
		DevicesDir: t.TempDir(),
		Device:     device,
	}, h, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return s
}

func newContainerStore(t *testing.T, h *ring.PathHasher, device string) *containerdb.Store {
	t.Helper()
	s, err := containerdb.Open(containerdb.Config{
		DevicesDir: t.TempDir(),
		Device:     device,
	}, h, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func objKey(name string) model.ObjectKey {
	return model.ObjectKey{Account: "AUTH_test", Container: "c1", Object: name}
}

func objectReplica(s *objectstore.Store) *service.LocalObjectReplica {
	return service.NewLocalObjectReplica(s, fixedClock(t0), zap.NewNop())
}

// byDevice resolves ring devices to replicas by device name.
func byDevice[R model.Versioned](replicas map[string]service.Replica[R]) service.PeerResolver[R] {
	return func(dev ring.Device) service.Replica[R] {
		return replicas[dev.Device]
	}
}

// allDigests collects the digests of every partition either store holds.
func allDigests(t *testing.T, stores ...*objectstore.Store) []map[int]map[string]string {
	t.Helper()
	parts := map[int]bool{}
	for _, s := range stores {
		ps, err := s.Partitions()
		require.NoError(t, err)
		for _, p := range ps {
			parts[p] = true
		}
	}
	out := make([]map[int]map[string]string, len(stores))
	for i, s := range stores {
		out[i] = map[int]map[string]string{}
		for p := range parts {
			d, err := s.Index().Digests(context.Background(), p)
			require.NoError(t, err)
			out[i][p] = d
		}
	}
	return out
}
