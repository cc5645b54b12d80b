// Package containerdb is the per-device container listing store. Every
// container replica is a DB of listing rows ordered by object name and
// persisted in a journal at <device>/containers/<partition>/<hash>.journal.
package containerdb

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/devrev/pairdb/objectnode/internal/storage/memtable"
	"github.com/devrev/pairdb/objectnode/internal/storage/suffixindex"
	"go.uber.org/zap"
)

// ContainersDir is the directory under a device holding container DBs.
const ContainersDir = "containers"

const (
	stateLive    = "live"
	stateDeleted = "deleted"
)

// Config configures one device's container store.
type Config struct {
	DevicesDir string
	Device     string
	SyncWrites bool
	// ReclaimAge is how long deleted rows are kept.
	ReclaimAge time.Duration
}

// DB is one container replica.
type DB struct {
	ref       model.ContainerRef
	partition int

	mu       sync.Mutex
	rows     *memtable.SkipList[model.ContainerListingEntry]
	suffixes map[string]map[string]struct{} // row suffix -> names
	report   model.ReportState
	journal  *journal
}

func (db *DB) Ref() model.ContainerRef {
	return db.ref
}

func (db *DB) Partition() int {
	return db.partition
}

// Store holds every container DB of a device.
type Store struct {
	cfg    Config
	root   string
	hasher *ring.PathHasher
	index  *suffixindex.Index
	logger *zap.Logger

	mu  sync.RWMutex
	dbs map[string]*DB
}

// Open loads every journal found under the device. hasher must be the
// container ring's hasher.
func Open(cfg Config, hasher *ring.PathHasher, hashes suffixindex.HashStore, logger *zap.Logger) (*Store, error) {
	if cfg.Device == "" {
		return nil, errors.InvalidArgument("device is required", nil)
	}
	root := filepath.Join(cfg.DevicesDir, cfg.Device, ContainersDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.StorageIO("failed to create containers directory", err)
	}
	if hashes == nil {
		hashes = suffixindex.NewFileHashStore(root)
	}

	s := &Store{
		cfg:    cfg,
		root:   root,
		hasher: hasher,
		logger: logger.With(zap.String("device", cfg.Device)),
		dbs:    make(map[string]*DB),
	}
	s.index = suffixindex.New(s, hashes, s.logger)

	if err := s.load(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	journals, err := filepath.Glob(filepath.Join(s.root, "*", "*"+journalExt))
	if err != nil {
		return errors.StorageIO("failed to scan journals", err)
	}
	for _, path := range journals {
		db := &DB{
			rows:     memtable.NewSkipList[model.ContainerListingEntry](),
			suffixes: make(map[string]map[string]struct{}),
		}
		var haveRef bool
		count, damaged, err := recoverJournal(path, s.logger, func(rec journalRecord) {
			switch rec.Kind {
			case kindRef:
				if rec.Ref != nil {
					db.ref = *rec.Ref
					haveRef = true
				}
			case kindRow:
				if rec.Row != nil && haveRef {
					s.insertRow(db, *rec.Row)
				}
			case kindReport:
				if rec.Report != nil {
					db.report = *rec.Report
				}
			}
		})
		if err != nil {
			return errors.StorageIO("failed to recover container journal", err).WithDetail("path", path)
		}
		if !haveRef {
			s.logger.Warn("Ignoring journal without container header", zap.String("path", path))
			continue
		}

		db.partition = s.hasher.Partition(s.hasher.HashPath(db.ref.Account, db.ref.Container))
		db.journal, err = openJournal(path, s.cfg.SyncWrites, s.logger)
		if err != nil {
			return errors.StorageIO("failed to reopen container journal", err).WithDetail("path", path)
		}
		if damaged {
			if err := s.compactLocked(db); err != nil {
				db.journal.close()
				return err
			}
		}
		s.dbs[db.ref.Path()] = db

		s.logger.Debug("Recovered container",
			zap.String("container", db.ref.Path()),
			zap.Int("records", count),
			zap.Int("rows", db.rows.Len()))
	}
	return nil
}

// Close closes every journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, db := range s.dbs {
		db.mu.Lock()
		if db.journal != nil {
			if err := db.journal.close(); err != nil && firstErr == nil {
				firstErr = err
			}
			db.journal = nil
		}
		db.mu.Unlock()
	}
	return firstErr
}

func (s *Store) Device() string {
	return s.cfg.Device
}

// Index returns the suffix hash index over container rows.
func (s *Store) Index() *suffixindex.Index {
	return s.index
}

// PartitionOf returns the container ring partition of ref.
func (s *Store) PartitionOf(ref model.ContainerRef) int {
	return s.hasher.Partition(s.hasher.HashPath(ref.Account, ref.Container))
}

func (s *Store) rowSuffix(ref model.ContainerRef, name string) string {
	return ring.SuffixOf(s.hasher.HashPath(ref.Account, ref.Container, name))
}

func (s *Store) insertRow(db *DB, entry model.ContainerListingEntry) {
	db.rows.Insert(entry.Name, entry)
	suffix := s.rowSuffix(db.ref, entry.Name)
	names, ok := db.suffixes[suffix]
	if !ok {
		names = make(map[string]struct{})
		db.suffixes[suffix] = names
	}
	names[entry.Name] = struct{}{}
}

func (s *Store) removeRow(db *DB, name string) {
	db.rows.Delete(name)
	suffix := s.rowSuffix(db.ref, name)
	if names, ok := db.suffixes[suffix]; ok {
		delete(names, name)
		if len(names) == 0 {
			delete(db.suffixes, suffix)
		}
	}
}

func (s *Store) get(ref model.ContainerRef) *DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbs[ref.Path()]
}

func (s *Store) getOrCreate(ref model.ContainerRef) (*DB, error) {
	if db := s.get(ref); db != nil {
		return db, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[ref.Path()]; ok {
		return db, nil
	}

	hash := s.hasher.HashPath(ref.Account, ref.Container)
	partition := s.hasher.Partition(hash)
	path := filepath.Join(s.root, ring.PartitionDir(partition), hash+journalExt)
	j, err := openJournal(path, s.cfg.SyncWrites, s.logger)
	if err != nil {
		return nil, errors.StorageIO("failed to create container journal", err)
	}
	refCopy := ref
	if err := j.append(journalRecord{Kind: kindRef, Ref: &refCopy}); err != nil {
		j.close()
		return nil, errors.StorageIO("failed to write container header", err)
	}

	db := &DB{
		ref:       ref,
		partition: partition,
		rows:      memtable.NewSkipList[model.ContainerListingEntry](),
		suffixes:  make(map[string]map[string]struct{}),
		journal:   j,
	}
	s.dbs[ref.Path()] = db
	return db, nil
}

// Upsert applies entry unless the container already holds an equal or newer
// row for the same name.
func (s *Store) Upsert(ctx context.Context, ref model.ContainerRef, entry model.ContainerListingEntry) (model.WriteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return model.OutcomeStale, err
	}
	if entry.Name == "" {
		return model.OutcomeStale, errors.InvalidArgument("row name is required", nil)
	}
	if entry.Timestamp <= 0 {
		return model.OutcomeStale, errors.InvalidArgument("timestamp must be positive", nil)
	}

	partition := s.PartitionOf(ref)
	suffix := s.rowSuffix(ref, entry.Name)
	unlock := s.index.LockSuffix(partition, suffix)
	defer unlock()

	db, err := s.getOrCreate(ref)
	if err != nil {
		return model.OutcomeStale, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.journal == nil {
		return model.OutcomeStale, errors.StorageIO("container store is closed", nil)
	}

	if existing, ok := db.rows.Search(entry.Name); ok && !model.Supersedes(entry.Timestamp, existing.Timestamp) {
		return model.OutcomeStale, nil
	}
	if err := s.index.Invalidate(partition, suffix); err != nil {
		return model.OutcomeStale, errors.StorageIO("failed to invalidate suffix", err)
	}
	row := entry
	if err := db.journal.append(journalRecord{Kind: kindRow, Row: &row}); err != nil {
		return model.OutcomeStale, errors.StorageIO("failed to journal row", err)
	}
	s.insertRow(db, entry)
	return model.OutcomeApplied, nil
}

// MarkDeleted records a deletion of name at ts.
func (s *Store) MarkDeleted(ctx context.Context, ref model.ContainerRef, name string, ts model.Timestamp) (model.WriteOutcome, error) {
	return s.Upsert(ctx, ref, model.ContainerListingEntry{
		Name:      name,
		Timestamp: ts,
		Deleted:   true,
	})
}

// Apply merges a replicated row.
func (s *Store) Apply(ctx context.Context, row *model.ContainerRow) (model.WriteOutcome, error) {
	return s.Upsert(ctx, row.Ref, row.Entry)
}

// Aggregate counts the rows that are neither deleted nor past their
// delete-at at now.
func (s *Store) Aggregate(ref model.ContainerRef, now model.Timestamp) (model.ContainerStats, error) {
	db := s.get(ref)
	if db == nil {
		return model.ContainerStats{}, errors.NotFound("container " + ref.Path())
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	var stats model.ContainerStats
	it := db.rows.Iterator()
	for it.Next() {
		entry := it.Value()
		if entry.CountsAt(now) {
			stats.ObjectCount++
			stats.BytesUsed += entry.Size
		}
	}
	return stats, nil
}

// Get returns one row, deleted or not.
func (s *Store) Get(ref model.ContainerRef, name string) (model.ContainerListingEntry, bool) {
	db := s.get(ref)
	if db == nil {
		return model.ContainerListingEntry{}, false
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rows.Search(name)
}

// ListOptions selects rows for List.
type ListOptions struct {
	// Marker lists names strictly greater than it.
	Marker string
	Prefix string
	Limit  int
	// IncludeDeleted also returns deleted and expired rows.
	IncludeDeleted bool
	Now            model.Timestamp
}

// List returns rows in name order.
func (s *Store) List(ref model.ContainerRef, opts ListOptions) ([]model.ContainerListingEntry, error) {
	db := s.get(ref)
	if db == nil {
		return nil, errors.NotFound("container " + ref.Path())
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	from := opts.Prefix
	if opts.Marker > from {
		from = opts.Marker
	}
	var out []model.ContainerListingEntry
	it := db.rows.Seek(from)
	for it.Next() {
		entry := it.Value()
		if entry.Name == opts.Marker {
			continue
		}
		if !strings.HasPrefix(entry.Name, opts.Prefix) {
			break
		}
		if !opts.IncludeDeleted && !entry.CountsAt(opts.Now) {
			continue
		}
		out = append(out, entry)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Containers lists the containers held on the device.
func (s *Store) Containers() []model.ContainerRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]model.ContainerRef, 0, len(s.dbs))
	for _, db := range s.dbs {
		refs = append(refs, db.ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path() < refs[j].Path() })
	return refs
}

// ReportState returns what the container has already pushed to its account.
func (s *Store) ReportState(ref model.ContainerRef) (model.ReportState, error) {
	db := s.get(ref)
	if db == nil {
		return model.ReportState{}, errors.NotFound("container " + ref.Path())
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	state := db.report
	if state.Pending != nil {
		pending := *state.Pending
		state.Pending = &pending
	}
	return state, nil
}

// SetReportState journals a new report state.
func (s *Store) SetReportState(ref model.ContainerRef, state model.ReportState) error {
	db := s.get(ref)
	if db == nil {
		return errors.NotFound("container " + ref.Path())
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.journal == nil {
		return errors.StorageIO("container store is closed", nil)
	}
	if err := db.journal.append(journalRecord{Kind: kindReport, Report: &state}); err != nil {
		return errors.StorageIO("failed to journal report state", err)
	}
	db.report = state
	return nil
}

// Compact rewrites a container's journal from its current state.
func (s *Store) Compact(ref model.ContainerRef) error {
	db := s.get(ref)
	if db == nil {
		return errors.NotFound("container " + ref.Path())
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return s.compactLocked(db)
}

func (s *Store) compactLocked(db *DB) error {
	if db.journal == nil {
		return errors.StorageIO("container store is closed", nil)
	}
	ref := db.ref
	records := []journalRecord{{Kind: kindRef, Ref: &ref}}
	it := db.rows.Iterator()
	for it.Next() {
		row := it.Value()
		records = append(records, journalRecord{Kind: kindRow, Row: &row})
	}
	report := db.report
	records = append(records, journalRecord{Kind: kindReport, Report: &report})

	if err := db.journal.rewrite(records); err != nil {
		return errors.StorageIO("failed to compact container journal", err)
	}
	return nil
}

// Reclaim drops deleted rows older than the reclaim age and compacts the
// journals it touched. It returns the number of rows dropped.
func (s *Store) Reclaim(ctx context.Context, now model.Timestamp) (int, error) {
	if s.cfg.ReclaimAge <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.cfg.ReclaimAge)

	total := 0
	for _, ref := range s.Containers() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.reclaimContainer(ref, cutoff)
		total += n
		if err != nil {
			s.logger.Warn("Failed to reclaim container rows",
				zap.String("container", ref.Path()),
				zap.Error(err))
		}
	}
	return total, nil
}

func (s *Store) reclaimContainer(ref model.ContainerRef, cutoff model.Timestamp) (int, error) {
	db := s.get(ref)
	if db == nil {
		return 0, nil
	}

	db.mu.Lock()
	var victims []string
	it := db.rows.Iterator()
	for it.Next() {
		if e := it.Value(); e.Deleted && e.Timestamp < cutoff {
			victims = append(victims, e.Name)
		}
	}
	db.mu.Unlock()

	removed := 0
	for _, name := range victims {
		suffix := s.rowSuffix(ref, name)
		unlock := s.index.LockSuffix(db.partition, suffix)
		db.mu.Lock()
		if e, ok := db.rows.Search(name); ok && e.Deleted && e.Timestamp < cutoff {
			if err := s.index.Invalidate(db.partition, suffix); err != nil {
				s.logger.Warn("Keeping row whose suffix could not be invalidated",
					zap.String("container", ref.Path()),
					zap.String("name", name),
					zap.Error(err))
			} else {
				s.removeRow(db, name)
				removed++
			}
		}
		db.mu.Unlock()
		unlock()
	}
	if removed == 0 {
		return 0, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	return removed, s.compactLocked(db)
}

// Reclaimable reports whether a replicated row is a deletion old enough to
// have been purged already.
func (s *Store) Reclaimable(row *model.ContainerRow, now model.Timestamp) bool {
	if s.cfg.ReclaimAge <= 0 || !row.Entry.Deleted {
		return false
	}
	return row.Entry.Timestamp < now.Add(-s.cfg.ReclaimAge)
}

// Partitions lists the container partitions present on the device.
func (s *Store) Partitions() ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int]bool)
	var parts []int
	for _, db := range s.dbs {
		if !seen[db.partition] {
			seen[db.partition] = true
			parts = append(parts, db.partition)
		}
	}
	sort.Ints(parts)
	return parts, nil
}

func (s *Store) dbsIn(partition int) []*DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DB
	for _, db := range s.dbs {
		if db.partition == partition {
			out = append(out, db)
		}
	}
	return out
}

// ListSuffixes lists the row suffixes of a partition.
func (s *Store) ListSuffixes(ctx context.Context, partition int) ([]string, error) {
	seen := make(map[string]bool)
	var suffixes []string
	for _, db := range s.dbsIn(partition) {
		db.mu.Lock()
		for suffix := range db.suffixes {
			if !seen[suffix] {
				seen[suffix] = true
				suffixes = append(suffixes, suffix)
			}
		}
		db.mu.Unlock()
	}
	sort.Strings(suffixes)
	return suffixes, nil
}

// SuffixEntries lists the rows of a partition suffix for digesting.
func (s *Store) SuffixEntries(ctx context.Context, partition int, suffix string) ([]suffixindex.Entry, error) {
	rows := s.suffixRows(partition, suffix)
	entries := make([]suffixindex.Entry, 0, len(rows))
	for _, row := range rows {
		state := stateLive
		if row.Entry.Deleted {
			state = stateDeleted
		}
		entries = append(entries, suffixindex.Entry{
			Name:      row.RecordKey(),
			Timestamp: row.Entry.Timestamp,
			State:     state,
		})
	}
	return entries, nil
}

// SuffixRecords returns the rows of a partition suffix for transfer.
func (s *Store) SuffixRecords(ctx context.Context, partition int, suffix string) ([]*model.ContainerRow, error) {
	unlock := s.index.LockSuffix(partition, suffix)
	defer unlock()
	return s.suffixRows(partition, suffix), nil
}

func (s *Store) suffixRows(partition int, suffix string) []*model.ContainerRow {
	var rows []*model.ContainerRow
	for _, db := range s.dbsIn(partition) {
		db.mu.Lock()
		for name := range db.suffixes[suffix] {
			if entry, ok := db.rows.Search(name); ok {
				rows = append(rows, &model.ContainerRow{Ref: db.ref, Entry: entry})
			}
		}
		db.mu.Unlock()
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RecordKey() < rows[j].RecordKey() })
	return rows
}

// RemovePartition drops every container of a handed-off partition.
func (s *Store) RemovePartition(partition int) error {
	s.mu.Lock()
	for key, db := range s.dbs {
		if db.partition != partition {
			continue
		}
		db.mu.Lock()
		if db.journal != nil {
			db.journal.close()
			db.journal = nil
		}
		db.mu.Unlock()
		delete(s.dbs, key)
	}
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.root, ring.PartitionDir(partition))); err != nil {
		return errors.StorageIO("failed to remove container partition", err)
	}
	s.index.Forget(partition)
	return nil
}
