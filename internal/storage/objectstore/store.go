// Package objectstore is the per-device object store. Keys map to hash
// directories under <device>/objects/<partition>/<suffix>/<hash>, each
// holding exactly one current version file once a write completes.
package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/devrev/pairdb/objectnode/internal/storage/diskfile"
	"github.com/devrev/pairdb/objectnode/internal/storage/diskmanager"
	"github.com/devrev/pairdb/objectnode/internal/storage/suffixindex"
	"go.uber.org/zap"
)

// ObjectsDir is the directory under a device holding object partitions.
const ObjectsDir = "objects"

// Config configures one device's object store.
type Config struct {
	DevicesDir string
	Device     string
	SyncWrites bool
	// ReclaimAge is how long tombstones and expiration markers are kept
	// before Reclaim purges them.
	ReclaimAge time.Duration
}

// Store is the object store of one device.
type Store struct {
	cfg    Config
	root   string
	hasher *ring.PathHasher
	index  *suffixindex.Index
	disk   *diskmanager.DiskManager
	logger *zap.Logger
}

// New opens the store. A nil hashes store persists digests next to the
// partitions; a nil disk manager disables the space check.
func New(cfg Config, hasher *ring.PathHasher, hashes suffixindex.HashStore, disk *diskmanager.DiskManager, logger *zap.Logger) (*Store, error) {
	if cfg.Device == "" {
		return nil, errors.InvalidArgument("device is required", nil)
	}
	root := filepath.Join(cfg.DevicesDir, cfg.Device, ObjectsDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.StorageIO("failed to create objects directory", err)
	}
	if hashes == nil {
		hashes = suffixindex.NewFileHashStore(root)
	}

	s := &Store{
		cfg:    cfg,
		root:   root,
		hasher: hasher,
		disk:   disk,
		logger: logger.With(zap.String("device", cfg.Device)),
	}
	s.index = suffixindex.New(s, hashes, s.logger)
	return s, nil
}

func (s *Store) Device() string {
	return s.cfg.Device
}

// Index returns the suffix hash index over this store.
func (s *Store) Index() *suffixindex.Index {
	return s.index
}

type location struct {
	partition int
	suffix    string
	hash      string
	dir       string
}

func (s *Store) locate(key model.ObjectKey) location {
	hash := s.hasher.HashPath(key.Account, key.Container, key.Object)
	partition := s.hasher.Partition(hash)
	suffix := ring.SuffixOf(hash)
	return location{
		partition: partition,
		suffix:    suffix,
		hash:      hash,
		dir:       filepath.Join(s.root, ring.PartitionDir(partition), suffix, hash),
	}
}

// Partition returns the partition a key belongs to.
func (s *Store) Partition(key model.ObjectKey) int {
	return s.locate(key).partition
}

// Put stores a live version of key unless an equal or newer version exists.
func (s *Store) Put(ctx context.Context, key model.ObjectKey, data []byte, metadata map[string]string, ts model.Timestamp) (model.WriteOutcome, error) {
	return s.Apply(ctx, &model.ObjectRecord{
		Key:       key,
		Data:      data,
		Metadata:  metadata,
		Timestamp: ts,
		State:     model.StateLive,
	})
}

// Delete writes a tombstone for key unless an equal or newer version exists.
func (s *Store) Delete(ctx context.Context, key model.ObjectKey, ts model.Timestamp) (model.WriteOutcome, error) {
	return s.Apply(ctx, &model.ObjectRecord{
		Key:       key,
		Timestamp: ts,
		State:     model.StateTombstone,
	})
}

// Apply writes rec at its own timestamp whatever its state. Replication
// merges go through here.
func (s *Store) Apply(ctx context.Context, rec *model.ObjectRecord) (model.WriteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return model.OutcomeStale, err
	}
	if !rec.State.Valid() {
		return model.OutcomeStale, errors.InvalidArgument("unknown record state "+string(rec.State), nil)
	}
	if rec.Timestamp <= 0 {
		return model.OutcomeStale, errors.InvalidArgument("timestamp must be positive", nil)
	}

	loc := s.locate(rec.Key)
	unlock := s.index.LockSuffix(loc.partition, loc.suffix)
	defer unlock()

	return s.writeLocked(loc, rec)
}

func (s *Store) writeLocked(loc location, rec *model.ObjectRecord) (model.WriteOutcome, error) {
	newest, err := diskfile.Newest(loc.dir)
	if err != nil {
		return model.OutcomeStale, err
	}
	if newest != nil && !model.Supersedes(rec.Timestamp, newest.Timestamp) {
		s.logger.Debug("Rejected stale write",
			zap.String("path", rec.Key.Path()),
			zap.String("incoming", rec.Timestamp.Internal()),
			zap.String("existing", newest.Timestamp.Internal()))
		return model.OutcomeStale, nil
	}

	if rec.State == model.StateLive {
		if err := s.disk.CheckBeforeWrite(uint64(len(rec.Data))); err != nil {
			return model.OutcomeStale, err
		}
	}

	if err := s.index.Invalidate(loc.partition, loc.suffix); err != nil {
		return model.OutcomeStale, errors.StorageIO("failed to invalidate suffix", err)
	}
	if _, err := diskfile.WriteFile(loc.dir, rec, s.cfg.SyncWrites); err != nil {
		return model.OutcomeStale, err
	}

	if _, err := diskfile.Cleanup(loc.dir); err != nil {
		s.logger.Warn("Failed to remove old versions",
			zap.String("path", rec.Key.Path()),
			zap.Error(err))
	}
	return model.OutcomeApplied, nil
}

// ExpireIfDue replaces a live record whose delete-at has passed with an
// expiration marker. It returns the marker timestamp when it expired the
// record.
func (s *Store) ExpireIfDue(ctx context.Context, key model.ObjectKey, now model.Timestamp) (model.ExpireOutcome, model.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return model.ExpireNotDue, 0, err
	}

	loc := s.locate(key)
	unlock := s.index.LockSuffix(loc.partition, loc.suffix)
	defer unlock()

	newest, err := diskfile.Newest(loc.dir)
	if err != nil {
		return model.ExpireNotLive, 0, err
	}
	if newest == nil || newest.State != model.StateLive {
		return model.ExpireNotLive, 0, nil
	}
	current, err := diskfile.ReadFile(filepath.Join(loc.dir, newest.Name), false)
	if err != nil {
		return model.ExpireNotLive, 0, err
	}
	if !current.IsDue(now) {
		return model.ExpireNotDue, 0, nil
	}

	marker := &model.ObjectRecord{
		Key:       current.Key,
		Metadata:  current.Metadata,
		Timestamp: current.ExpirationTimestamp(),
		State:     model.StateExpired,
	}
	outcome, err := s.writeLocked(loc, marker)
	if err != nil {
		return model.ExpireNotLive, 0, err
	}
	if outcome == model.OutcomeStale {
		return model.ExpireNotLive, 0, nil
	}
	return model.ExpireApplied, marker.Timestamp, nil
}

// Get returns the current version of key, or nil when it was never written
// or has been reclaimed.
func (s *Store) Get(ctx context.Context, key model.ObjectKey) (*model.ObjectRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc := s.locate(key)
	unlock := s.index.LockSuffix(loc.partition, loc.suffix)
	defer unlock()

	newest, err := diskfile.Newest(loc.dir)
	if err != nil || newest == nil {
		return nil, err
	}
	return diskfile.ReadFile(filepath.Join(loc.dir, newest.Name), true)
}

// Reclaimable reports whether rec is a deletion old enough to be purged.
// Replication drops such records instead of resurrecting them on a replica
// that already reclaimed the key.
func (s *Store) Reclaimable(rec *model.ObjectRecord, now model.Timestamp) bool {
	if s.cfg.ReclaimAge <= 0 || !rec.State.IsDeletion() {
		return false
	}
	return rec.Timestamp < now.Add(-s.cfg.ReclaimAge)
}

// Partitions lists the partitions present on the device.
func (s *Store) Partitions() ([]int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.StorageIO("failed to list partitions", err)
	}
	var parts []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if p, ok := ring.ParsePartitionDir(e.Name()); ok {
			parts = append(parts, p)
		}
	}
	sort.Ints(parts)
	return parts, nil
}

// ListSuffixes lists the suffix directories of a partition, including ones
// that may have become empty.
func (s *Store) ListSuffixes(ctx context.Context, partition int) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, ring.PartitionDir(partition)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.StorageIO("failed to list suffixes", err)
	}
	var suffixes []string
	for _, e := range entries {
		if e.IsDir() && isSuffix(e.Name()) {
			suffixes = append(suffixes, e.Name())
		}
	}
	return suffixes, nil
}

// SuffixEntries lists the newest version of each key in a suffix.
func (s *Store) SuffixEntries(ctx context.Context, partition int, suffix string) ([]suffixindex.Entry, error) {
	hashes, err := s.hashDirs(partition, suffix)
	if err != nil {
		return nil, err
	}
	entries := make([]suffixindex.Entry, 0, len(hashes))
	for _, hash := range hashes {
		newest, err := diskfile.Newest(s.hashDir(partition, suffix, hash))
		if err != nil {
			return nil, err
		}
		if newest == nil {
			continue
		}
		entries = append(entries, suffixindex.Entry{
			Name:      hash,
			Timestamp: newest.Timestamp,
			State:     string(newest.State),
		})
	}
	return entries, nil
}

// SuffixRecords reads the current version of every key in a suffix,
// payloads included. Records that fail to decode are logged and skipped.
func (s *Store) SuffixRecords(ctx context.Context, partition int, suffix string) ([]*model.ObjectRecord, error) {
	unlock := s.index.LockSuffix(partition, suffix)
	defer unlock()

	hashes, err := s.hashDirs(partition, suffix)
	if err != nil {
		return nil, err
	}
	records := make([]*model.ObjectRecord, 0, len(hashes))
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := s.hashDir(partition, suffix, hash)
		newest, err := diskfile.Newest(dir)
		if err != nil {
			return nil, err
		}
		if newest == nil {
			continue
		}
		rec, err := diskfile.ReadFile(filepath.Join(dir, newest.Name), true)
		if err != nil {
			if errors.GetCode(err) == errors.ErrCodeCorruptedData {
				s.logger.Warn("Skipping corrupted object file", zap.String("dir", dir), zap.Error(err))
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// WalkEntry is one key visited by Walk. Err is set when the key could not be
// read; the walk continues past it.
type WalkEntry struct {
	Partition int
	Suffix    string
	Hash      string
	Record    *model.ObjectRecord
	Err       error
}

// Walk visits the current version of every key on the device without
// loading payloads. Returning an error from fn stops the walk.
func (s *Store) Walk(ctx context.Context, fn func(WalkEntry) error) error {
	partitions, err := s.Partitions()
	if err != nil {
		return err
	}
	for _, partition := range partitions {
		suffixes, err := s.ListSuffixes(ctx, partition)
		if err != nil {
			return err
		}
		for _, suffix := range suffixes {
			hashes, err := s.hashDirs(partition, suffix)
			if err != nil {
				if err := fn(WalkEntry{Partition: partition, Suffix: suffix, Err: err}); err != nil {
					return err
				}
				continue
			}
			for _, hash := range hashes {
				if err := ctx.Err(); err != nil {
					return err
				}
				entry := WalkEntry{Partition: partition, Suffix: suffix, Hash: hash}
				dir := s.hashDir(partition, suffix, hash)
				newest, err := diskfile.Newest(dir)
				switch {
				case err != nil:
					entry.Err = err
				case newest == nil:
					continue
				default:
					entry.Record, entry.Err = diskfile.ReadFile(filepath.Join(dir, newest.Name), false)
				}
				if err := fn(entry); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Reclaim removes keys whose current version is a tombstone or expiration
// marker older than the reclaim age. It returns the number of keys purged.
func (s *Store) Reclaim(ctx context.Context, now model.Timestamp) (int, error) {
	if s.cfg.ReclaimAge <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.cfg.ReclaimAge)

	partitions, err := s.Partitions()
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, partition := range partitions {
		suffixes, err := s.ListSuffixes(ctx, partition)
		if err != nil {
			return reclaimed, err
		}
		for _, suffix := range suffixes {
			if err := ctx.Err(); err != nil {
				return reclaimed, err
			}
			n, err := s.reclaimSuffix(partition, suffix, cutoff)
			reclaimed += n
			if err != nil {
				s.logger.Warn("Failed to reclaim suffix",
					zap.Int("partition", partition),
					zap.String("suffix", suffix),
					zap.Error(err))
			}
		}
	}
	return reclaimed, nil
}

func (s *Store) reclaimSuffix(partition int, suffix string, cutoff model.Timestamp) (int, error) {
	unlock := s.index.LockSuffix(partition, suffix)
	defer unlock()

	hashes, err := s.hashDirs(partition, suffix)
	if err != nil {
		return 0, err
	}
	var victims []string
	records := 0
	for _, hash := range hashes {
		dir := s.hashDir(partition, suffix, hash)
		newest, err := diskfile.Newest(dir)
		if err != nil {
			return 0, err
		}
		if newest != nil && (!newest.State.IsDeletion() || newest.Timestamp >= cutoff) {
			continue
		}
		victims = append(victims, dir)
		if newest != nil {
			records++
		}
	}
	if records > 0 {
		if err := s.index.Invalidate(partition, suffix); err != nil {
			return 0, errors.StorageIO("failed to invalidate suffix", err)
		}
	}

	removed := 0
	for _, dir := range victims {
		newest, err := diskfile.Newest(dir)
		if err != nil {
			return removed, err
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, errors.StorageIO("failed to remove hash directory", err)
		}
		if newest != nil {
			removed++
		}
	}
	// an empty suffix directory disappears from ListSuffixes
	_ = os.Remove(filepath.Join(s.root, ring.PartitionDir(partition), suffix))
	return removed, nil
}

// RemovePartition deletes a whole partition, used once a handoff partition
// has reached all of its primaries.
func (s *Store) RemovePartition(partition int) error {
	if err := os.RemoveAll(filepath.Join(s.root, ring.PartitionDir(partition))); err != nil {
		return errors.StorageIO("failed to remove partition", err)
	}
	s.index.Forget(partition)
	return nil
}

func (s *Store) hashDir(partition int, suffix, hash string) string {
	return filepath.Join(s.root, ring.PartitionDir(partition), suffix, hash)
}

func (s *Store) hashDirs(partition int, suffix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, ring.PartitionDir(partition), suffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.StorageIO("failed to list suffix", err)
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}
	return hashes, nil
}

func isSuffix(name string) bool {
	if len(name) != ring.SuffixLength {
		return false
	}
	for _, c := range name {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
