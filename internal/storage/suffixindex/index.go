// Package suffixindex caches one digest per suffix bucket of a partition so
// replication compares buckets instead of individual records. Digests are
// computed lazily from a Source and cleared whenever the bucket changes.
package suffixindex

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/util"
	"go.uber.org/zap"
)

// Entry is the part of a record that contributes to a bucket digest.
type Entry struct {
	Name      string
	Timestamp model.Timestamp
	State     string
}

// Source enumerates the records behind an index.
type Source interface {
	ListSuffixes(ctx context.Context, partition int) ([]string, error)
	SuffixEntries(ctx context.Context, partition int, suffix string) ([]Entry, error)
}

// Index is the suffix hash index of one device and one record kind.
type Index struct {
	source Source
	store  HashStore
	logger *zap.Logger
	locks  *util.KeyedMutex

	mu    sync.Mutex
	parts map[int]map[string]string
}

// New creates an index reading records from source and persisting digests
// in store.
func New(source Source, store HashStore, logger *zap.Logger) *Index {
	return &Index{
		source: source,
		store:  store,
		logger: logger,
		locks:  util.NewKeyedMutex(),
		parts:  make(map[int]map[string]string),
	}
}

// SetSource replaces the record source. Stores that own their index call it
// once during construction.
func (i *Index) SetSource(source Source) {
	i.source = source
}

// LockSuffix enters the critical section of a suffix. Record mutations and
// digest computation for the same suffix never overlap.
func (i *Index) LockSuffix(partition int, suffix string) func() {
	return i.locks.Lock(strconv.Itoa(partition) + "/" + suffix)
}

// Invalidate clears the cached digest of a suffix and persists the removal.
// Callers hold the suffix lock and invalidate before making a change
// durable: a crash in between leaves a missing digest, never a stale one.
// An error means the removal did not reach the hash store and the change
// must not be made.
func (i *Index) Invalidate(partition int, suffix string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	hashes := i.loadLocked(partition)
	if _, ok := hashes[suffix]; !ok {
		return nil
	}
	delete(hashes, suffix)
	if err := i.store.Save(partition, hashes); err != nil {
		return fmt.Errorf("failed to persist invalidation of suffix %s: %w", suffix, err)
	}
	return nil
}

// Digest returns the digest of one suffix, computing and caching it when
// absent. An empty bucket has the empty digest and is never cached.
func (i *Index) Digest(ctx context.Context, partition int, suffix string) (string, error) {
	digest, changed, err := i.digest(ctx, partition, suffix)
	if err != nil {
		return "", err
	}
	if changed {
		i.persist(partition)
	}
	return digest, nil
}

// Digests returns the digest of every non-empty suffix of a partition. The
// hash store is written once for the whole partition.
func (i *Index) Digests(ctx context.Context, partition int) (map[string]string, error) {
	suffixes, err := i.source.ListSuffixes(ctx, partition)
	if err != nil {
		return nil, err
	}

	dirty := false
	defer func() {
		if dirty {
			i.persist(partition)
		}
	}()

	result := make(map[string]string, len(suffixes))
	for _, suffix := range suffixes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		digest, changed, err := i.digest(ctx, partition, suffix)
		if err != nil {
			return nil, fmt.Errorf("suffix %s: %w", suffix, err)
		}
		dirty = dirty || changed
		if digest != "" {
			result[suffix] = digest
		}
	}
	return result, nil
}

func (i *Index) digest(ctx context.Context, partition int, suffix string) (string, bool, error) {
	unlock := i.LockSuffix(partition, suffix)
	defer unlock()

	i.mu.Lock()
	cached, ok := i.loadLocked(partition)[suffix]
	i.mu.Unlock()
	if ok {
		return cached, false, nil
	}

	entries, err := i.source.SuffixEntries(ctx, partition, suffix)
	if err != nil {
		return "", false, err
	}
	digest := ComputeDigest(entries)
	if digest == "" {
		return "", false, nil
	}

	i.mu.Lock()
	i.loadLocked(partition)[suffix] = digest
	i.mu.Unlock()
	return digest, true, nil
}

// ListSuffixes returns the suffixes of a partition that hold records.
func (i *Index) ListSuffixes(ctx context.Context, partition int) ([]string, error) {
	digests, err := i.Digests(ctx, partition)
	if err != nil {
		return nil, err
	}
	suffixes := make([]string, 0, len(digests))
	for s := range digests {
		suffixes = append(suffixes, s)
	}
	sort.Strings(suffixes)
	return suffixes, nil
}

// Forget drops the cached state of a partition that left the device.
func (i *Index) Forget(partition int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.parts, partition)
}

func (i *Index) loadLocked(partition int) map[string]string {
	if hashes, ok := i.parts[partition]; ok {
		return hashes
	}
	hashes, err := i.store.Load(partition)
	if err != nil {
		i.logger.Warn("Discarding unreadable suffix hashes",
			zap.Int("partition", partition),
			zap.Error(err))
		hashes = nil
	}
	if hashes == nil {
		hashes = make(map[string]string)
	}
	i.parts[partition] = hashes
	return hashes
}

// saveLocked persists under i.mu so an older snapshot can never overwrite
// a newer invalidation.
func (i *Index) saveLocked(partition int, hashes map[string]string) {
	if err := i.store.Save(partition, hashes); err != nil {
		i.logger.Warn("Failed to persist suffix hashes",
			zap.Int("partition", partition),
			zap.Error(err))
	}
}

func (i *Index) persist(partition int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if hashes, ok := i.parts[partition]; ok {
		i.saveLocked(partition, hashes)
	}
}

// ComputeDigest hashes the canonical form of a bucket: one line per entry,
// sorted by name and timestamp. No entries yield the empty digest.
func ComputeDigest(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Name != sorted[b].Name {
			return sorted[a].Name < sorted[b].Name
		}
		return sorted[a].Timestamp < sorted[b].Timestamp
	})

	h := md5.New()
	for _, e := range sorted {
		fmt.Fprintf(h, "%s %s %s\n", e.Name, e.Timestamp.Internal(), e.State)
	}
	return hex.EncodeToString(h.Sum(nil))
}
