package service_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/devrev/pairdb/objectnode/internal/service"
	"github.com/devrev/pairdb/objectnode/internal/storage/containerdb"
	"github.com/devrev/pairdb/objectnode/internal/storage/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type auditFixture struct {
	hasher     *ring.PathHasher
	objects    *objectstore.Store
	containers *containerdb.Store
	notifier   *service.ListingNotifier
}

func newAuditFixture(t *testing.T) *auditFixture {
	h := newHasher(t)
	f := &auditFixture{
		hasher:     h,
		objects:    newObjectStore(t, h, "sdb1"),
		containers: newContainerStore(t, h, "sdb1"),
	}
	containerRing := newRing(t, h, 1, ring.Device{Node: "n1", Device: "sdb1"})
	f.notifier = service.NewListingNotifier(containerRing, byDevice(map[string]service.Replica[*model.ContainerRow]{
		"sdb1": service.NewLocalContainerReplica(f.containers, fixedClock(t0), zap.NewNop()),
	}), zap.NewNop())
	return f
}

// put writes an object and its listing row the way the write path does.
func (f *auditFixture) put(t *testing.T, name string, size int, deleteAt model.Timestamp) {
	t.Helper()
	ctx := context.Background()
	var meta map[string]string
	if !deleteAt.IsZero() {
		meta = map[string]string{model.MetaDeleteAt: deleteAt.Internal()}
	}
	_, err := f.objects.Put(ctx, objKey(name), make([]byte, size), meta, t0)
	require.NoError(t, err)
	_, err = f.containers.Upsert(ctx, objKey(name).ContainerRef(), model.ContainerListingEntry{
		Name:      name,
		Timestamp: t0,
		Size:      int64(size),
		DeleteAt:  deleteAt,
	})
	require.NoError(t, err)
}

func (f *auditFixture) digest(t *testing.T, k model.ObjectKey) string {
	t.Helper()
	hash := f.hasher.HashPath(k.Account, k.Container, k.Object)
	d, err := f.objects.Index().Digest(context.Background(), f.hasher.Partition(hash), ring.SuffixOf(hash))
	require.NoError(t, err)
	return d
}

func TestAuditor_ExpiresDueObjects(t *testing.T) {
	ctx := context.Background()
	f := newAuditFixture(t)
	deleteAt := t0.Add(time.Second)
	f.put(t, "obj1", 4, deleteAt)
	f.put(t, "obj2", 4, 0)
	before := f.digest(t, objKey("obj1"))

	auditor := service.NewAuditorService(service.AuditorConfig{}, []*objectstore.Store{f.objects}, f.notifier, nil, zap.NewNop())
	stats, err := auditor.RunPass(ctx, "sdb1", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Expired)
	assert.Zero(t, stats.Errors)
	assert.Zero(t, stats.ListingFailures)

	rec, err := f.objects.Get(ctx, objKey("obj1"))
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, rec.State)
	assert.Equal(t, deleteAt, rec.Timestamp)
	assert.NotEqual(t, before, f.digest(t, objKey("obj1")))

	rec, err = f.objects.Get(ctx, objKey("obj2"))
	require.NoError(t, err)
	assert.True(t, rec.IsLive())

	row, ok := f.containers.Get(objKey("obj1").ContainerRef(), "obj1")
	require.True(t, ok)
	assert.True(t, row.Deleted)
	assert.Equal(t, deleteAt, row.Timestamp)

	agg, err := f.containers.Aggregate(objKey("obj1").ContainerRef(), t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.ContainerStats{ObjectCount: 1, BytesUsed: 4}, agg)

	again, err := auditor.RunPass(ctx, "sdb1", t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Zero(t, again.Expired, "a rerun finds nothing left to expire")
}

func TestAuditor_NotDueObjectsUntouched(t *testing.T) {
	f := newAuditFixture(t)
	f.put(t, "obj1", 4, t0.Add(time.Hour))
	before := f.digest(t, objKey("obj1"))

	auditor := service.NewAuditorService(service.AuditorConfig{FilesPerSecond: 100}, []*objectstore.Store{f.objects}, f.notifier, nil, zap.NewNop())
	stats, err := auditor.RunPass(context.Background(), "sdb1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Zero(t, stats.Expired)
	assert.Equal(t, before, f.digest(t, objKey("obj1")))
}

type failingListing struct{}

func (failingListing) ObjectExpired(ctx context.Context, key model.ObjectKey, ts model.Timestamp) error {
	return stderrors.New("container server unreachable")
}

func TestAuditor_ListingFailureDoesNotStopPass(t *testing.T) {
	f := newAuditFixture(t)
	f.put(t, "obj1", 4, t0.Add(time.Second))
	f.put(t, "obj2", 4, t0.Add(time.Second))

	auditor := service.NewAuditorService(service.AuditorConfig{}, []*objectstore.Store{f.objects}, failingListing{}, nil, zap.NewNop())
	stats, err := auditor.RunPass(context.Background(), "sdb1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Expired)
	assert.Equal(t, 2, stats.ListingFailures)
}

func TestAuditor_RunOnceAndCancellation(t *testing.T) {
	f := newAuditFixture(t)
	f.put(t, "obj1", 4, t0.Add(time.Second))
	other := newObjectStore(t, f.hasher, "sdc1")

	auditor := service.NewAuditorService(service.AuditorConfig{}, []*objectstore.Store{f.objects, other}, nil, nil, zap.NewNop())
	results, err := auditor.RunOnce(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "sdb1", results[0].Device)
	assert.Equal(t, 1, results[0].Expired)
	assert.Equal(t, "sdc1", results[1].Device)

	_, err = auditor.RunPass(context.Background(), "missing", t0)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = auditor.RunPass(ctx, "sdb1", t0)
	assert.ErrorIs(t, err, context.Canceled)
}
