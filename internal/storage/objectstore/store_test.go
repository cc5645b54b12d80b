package objectstore_test

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/devrev/pairdb/objectnode/internal/storage/diskfile"
	"github.com/devrev/pairdb/objectnode/internal/storage/objectstore"
	"github.com/devrev/pairdb/objectnode/internal/storage/suffixindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = model.TimestampFromSeconds(1_700_000_000)

func newStore(t *testing.T) *objectstore.Store {
	t.Helper()
	hasher, err := ring.NewPathHasher("", "test", 4)
	require.NoError(t, err)
	s, err := objectstore.New(objectstore.Config{
		DevicesDir: t.TempDir(),
		Device:     "sdb1",
		ReclaimAge: time.Hour,
	}, hasher, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return s
}

func key(name string) model.ObjectKey {
	return model.ObjectKey{Account: "AUTH_test", Container: "c1", Object: name}
}

func suffixDigest(t *testing.T, s *objectstore.Store, hasher *ring.PathHasher, k model.ObjectKey) string {
	t.Helper()
	hash := hasher.HashPath(k.Account, k.Container, k.Object)
	d, err := s.Index().Digest(context.Background(), hasher.Partition(hash), ring.SuffixOf(hash))
	require.NoError(t, err)
	return d
}

func TestPut_StaleWriteRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	k := key("obj")

	outcome, err := s.Put(ctx, k, []byte("new"), nil, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApplied, outcome)

	outcome, err = s.Put(ctx, k, []byte("old"), nil, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStale, outcome)

	outcome, err = s.Put(ctx, k, []byte("same"), nil, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStale, outcome, "equal timestamp is stale")

	rec, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("new"), rec.Data)
	assert.Equal(t, t0.Add(2*time.Second), rec.Timestamp)
}

func TestDelete_TombstoneOrdering(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	k := key("obj")

	_, err := s.Put(ctx, k, []byte("v1"), nil, t0)
	require.NoError(t, err)
	outcome, err := s.Delete(ctx, k, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApplied, outcome)

	outcome, err = s.Put(ctx, k, []byte("late"), nil, t0.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStale, outcome)

	rec, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, model.StateTombstone, rec.State)
	assert.False(t, rec.IsLive())
}

func TestGet_Absent(t *testing.T) {
	s := newStore(t)
	rec, err := s.Get(context.Background(), key("never"))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestExpireIfDue(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	hasher, _ := ring.NewPathHasher("", "test", 4)
	k := key("obj1")
	deleteAt := t0.Add(time.Second)

	_, err := s.Put(ctx, k, []byte("test"), map[string]string{
		model.MetaDeleteAt: strconv.FormatInt(deleteAt.Seconds(), 10),
	}, t0)
	require.NoError(t, err)
	before := suffixDigest(t, s, hasher, k)

	outcome, _, err := s.ExpireIfDue(ctx, k, t0)
	require.NoError(t, err)
	assert.Equal(t, model.ExpireNotDue, outcome)
	assert.Equal(t, before, suffixDigest(t, s, hasher, k))

	outcome, markerTS, err := s.ExpireIfDue(ctx, k, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.ExpireApplied, outcome)
	assert.Equal(t, deleteAt, markerTS)

	rec, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, rec.State)
	assert.Nil(t, rec.Data)
	assert.NotEqual(t, before, suffixDigest(t, s, hasher, k))

	outcome, _, err = s.ExpireIfDue(ctx, k, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.ExpireNotLive, outcome)
}

func TestExpireIfDue_NoDeleteAt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	k := key("obj2")
	_, err := s.Put(ctx, k, []byte("test"), nil, t0)
	require.NoError(t, err)

	outcome, _, err := s.ExpireIfDue(ctx, k, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.ExpireNotDue, outcome)

	outcome, _, err = s.ExpireIfDue(ctx, key("missing"), t0)
	require.NoError(t, err)
	assert.Equal(t, model.ExpireNotLive, outcome)
}

func TestExpireIfDue_PastDeleteAtUsesNextTimestamp(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	k := key("backdated")
	_, err := s.Put(ctx, k, []byte("x"), map[string]string{
		model.MetaDeleteAt: strconv.FormatInt(t0.Seconds()-10, 10),
	}, t0)
	require.NoError(t, err)

	outcome, markerTS, err := s.ExpireIfDue(ctx, k, t0)
	require.NoError(t, err)
	assert.Equal(t, model.ExpireApplied, outcome)
	assert.Equal(t, t0.Next(), markerTS)
}

func TestWalkAndSuffixRecords(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		_, err := s.Put(ctx, key(n), []byte(n), nil, t0)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	total := 0
	err := s.Walk(ctx, func(e objectstore.WalkEntry) error {
		require.NoError(t, e.Err)
		seen[e.Record.Key.Object] = true
		assert.Nil(t, e.Record.Data, "walk does not load payloads")

		records, err := s.SuffixRecords(ctx, e.Partition, e.Suffix)
		require.NoError(t, err)
		assert.NotEmpty(t, records)
		total++
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, len(names))
	assert.Equal(t, len(names), total)
}

func TestReclaim(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	k := key("gone")
	keep := key("kept")

	_, err := s.Delete(ctx, k, t0)
	require.NoError(t, err)
	_, err = s.Put(ctx, keep, []byte("x"), nil, t0)
	require.NoError(t, err)

	n, err := s.Reclaim(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "tombstone younger than reclaim age is kept")

	n, err = s.Reclaim(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = s.Get(ctx, keep)
	require.NoError(t, err)
	assert.True(t, rec.IsLive())

	tomb := &model.ObjectRecord{Key: k, Timestamp: t0, State: model.StateTombstone}
	assert.True(t, s.Reclaimable(tomb, t0.Add(2*time.Hour)))
	assert.False(t, s.Reclaimable(tomb, t0.Add(time.Minute)))
}

func TestPartitionsAndRemove(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	k := key("obj")
	_, err := s.Put(ctx, k, []byte("x"), nil, t0)
	require.NoError(t, err)

	parts, err := s.Partitions()
	require.NoError(t, err)
	require.Equal(t, []int{s.Partition(k)}, parts)

	require.NoError(t, s.RemovePartition(parts[0]))
	parts, err = s.Partitions()
	require.NoError(t, err)
	assert.Empty(t, parts)

	digests, err := s.Index().Digests(ctx, s.Partition(k))
	require.NoError(t, err)
	assert.Empty(t, digests)
}

func TestApply_InvalidRecord(t *testing.T) {
	s := newStore(t)
	_, err := s.Apply(context.Background(), &model.ObjectRecord{Key: key("x"), Timestamp: t0, State: "bogus"})
	assert.Error(t, err)
	_, err = s.Apply(context.Background(), &model.ObjectRecord{Key: key("x"), State: model.StateLive})
	assert.Error(t, err)
}

// observedHashStore lets a test look at the device at the moment digests
// are persisted, or make persisting fail.
type observedHashStore struct {
	*suffixindex.MemoryHashStore
	onSave func(partition int, hashes map[string]string)
	fail   bool
}

func (o *observedHashStore) Save(partition int, hashes map[string]string) error {
	if o.fail {
		return stderrors.New("read-only filesystem")
	}
	if o.onSave != nil {
		o.onSave(partition, hashes)
	}
	return o.MemoryHashStore.Save(partition, hashes)
}

func TestPut_InvalidationPersistedBeforeVersionLands(t *testing.T) {
	ctx := context.Background()
	devicesDir := t.TempDir()
	hasher, err := ring.NewPathHasher("", "test", 4)
	require.NoError(t, err)
	open := func(hashes suffixindex.HashStore) *objectstore.Store {
		s, err := objectstore.New(objectstore.Config{DevicesDir: devicesDir, Device: "sdb1"}, hasher, hashes, nil, zap.NewNop())
		require.NoError(t, err)
		return s
	}

	k := key("obj")
	hash := hasher.HashPath(k.Account, k.Container, k.Object)
	partition, suffix := hasher.Partition(hash), ring.SuffixOf(hash)
	hashDir := filepath.Join(devicesDir, "sdb1", objectstore.ObjectsDir, ring.PartitionDir(partition), suffix, hash)

	hashes := &observedHashStore{MemoryHashStore: suffixindex.NewMemoryHashStore()}
	s := open(hashes)
	_, err = s.Put(ctx, k, []byte("v1"), nil, t0)
	require.NoError(t, err)
	cached, err := s.Index().Digest(ctx, partition, suffix)
	require.NoError(t, err)
	require.NotEmpty(t, cached)

	saves := 0
	hashes.onSave = func(p int, saved map[string]string) {
		if p != partition {
			return
		}
		saves++
		newest, err := diskfile.Newest(hashDir)
		require.NoError(t, err)
		require.NotNil(t, newest)
		assert.Equal(t, t0, newest.Timestamp, "the new version must not be on disk yet")
		assert.NotContains(t, saved, suffix)
	}
	_, err = s.Put(ctx, k, []byte("v2"), nil, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, saves)

	// Restarting from what was persisted recomputes from the files on disk.
	hashes.onSave = nil
	restarted := open(hashes)
	entries, err := restarted.SuffixEntries(ctx, partition, suffix)
	require.NoError(t, err)
	digest, err := restarted.Index().Digest(ctx, partition, suffix)
	require.NoError(t, err)
	assert.Equal(t, suffixindex.ComputeDigest(entries), digest)
	assert.NotEqual(t, cached, digest)
}

func TestPut_FailedInvalidationLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	hasher, err := ring.NewPathHasher("", "test", 4)
	require.NoError(t, err)
	hashes := &observedHashStore{MemoryHashStore: suffixindex.NewMemoryHashStore()}
	s, err := objectstore.New(objectstore.Config{DevicesDir: t.TempDir(), Device: "sdb1"}, hasher, hashes, nil, zap.NewNop())
	require.NoError(t, err)

	k := key("obj")
	_, err = s.Put(ctx, k, []byte("v1"), nil, t0)
	require.NoError(t, err)
	_, err = s.Index().Digest(ctx, s.Partition(k), ring.SuffixOf(hasher.HashPath(k.Account, k.Container, k.Object)))
	require.NoError(t, err)

	hashes.fail = true
	_, err = s.Put(ctx, k, []byte("v2"), nil, t0.Add(time.Second))
	require.Error(t, err)
	assert.True(t, errors.IsStorageIO(err))

	rec, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.Timestamp)
}
