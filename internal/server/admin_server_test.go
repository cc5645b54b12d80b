package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/devrev/pairdb/objectnode/internal/metrics"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/devrev/pairdb/objectnode/internal/server"
	"github.com/devrev/pairdb/objectnode/internal/storage/containerdb"
	"github.com/devrev/pairdb/objectnode/internal/storage/objectstore"
	"github.com/devrev/pairdb/objectnode/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = model.TimestampFromSeconds(1_700_000_000)

type fixture struct {
	srv        *server.AdminServer
	objects    *objectstore.Store
	containers *containerdb.Store
	accounts   *store.MemoryAccountStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h, err := ring.NewPathHasher("", "test", 4)
	require.NoError(t, err)

	objects, err := objectstore.New(objectstore.Config{DevicesDir: t.TempDir(), Device: "sda"}, h, nil, nil, zap.NewNop())
	require.NoError(t, err)
	containers, err := containerdb.Open(containerdb.Config{DevicesDir: t.TempDir(), Device: "sda"}, h, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { containers.Close() })

	accounts := store.NewMemoryAccountStore()
	srv := server.NewAdminServer(server.AdminServerConfig{}, []*objectstore.Store{objects}, []*containerdb.Store{containers},
		accounts, nil, metrics.NewMetrics("node-a"), zap.NewNop())
	srv.SetClock(func() model.Timestamp { return t0 })

	return &fixture{srv: srv, objects: objects, containers: containers, accounts: accounts}
}

func (f *fixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestAdminServer_Probes(t *testing.T) {
	f := newFixture(t)

	rec, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, _ = f.get(t, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminServer_PartitionHashes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	key := model.ObjectKey{Account: "AUTH_test", Container: "c1", Object: "obj1"}
	_, err := f.objects.Put(ctx, key, []byte("data"), nil, t0)
	require.NoError(t, err)
	partition := f.objects.Partition(key)
	want, err := f.objects.Index().Digests(ctx, partition)
	require.NoError(t, err)

	rec, body := f.get(t, "/v1/devices/sda/partitions/"+strconv.Itoa(partition)+"/hashes")
	require.Equal(t, http.StatusOK, rec.Code)
	hashes := body["hashes"].(map[string]interface{})
	require.Len(t, hashes, len(want))
	for suffix, digest := range want {
		assert.Equal(t, digest, hashes[suffix])
	}

	rec, _ = f.get(t, "/v1/devices/sdz/partitions/0/hashes")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.get(t, "/v1/devices/sda/partitions/0/hashes?tier=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminServer_ContainerAndAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ref := model.ContainerRef{Account: "AUTH_test", Container: "c1"}
	_, err := f.containers.Upsert(ctx, ref, model.ContainerListingEntry{Name: "obj1", Timestamp: t0, Size: 4})
	require.NoError(t, err)

	rec, body := f.get(t, "/v1/containers/AUTH_test/c1?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	replicas := body["replicas"].([]interface{})
	require.Len(t, replicas, 1)
	rep := replicas[0].(map[string]interface{})
	stats := rep["stats"].(map[string]interface{})
	assert.EqualValues(t, 1, stats["object_count"])
	assert.EqualValues(t, 4, stats["bytes_used"])
	assert.Len(t, rep["listing"], 1)

	rec, _ = f.get(t, "/v1/containers/AUTH_test/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err = f.accounts.ApplyDelta(ctx, &model.AggregateDelta{
		Account: "AUTH_test", Container: "c1", Sequence: 1,
		Delta: model.ContainerStats{ObjectCount: 1, BytesUsed: 4},
	})
	require.NoError(t, err)

	rec, body = f.get(t, "/v1/accounts/AUTH_test")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["object_count"])
	assert.EqualValues(t, 4, body["bytes_used"])
}
