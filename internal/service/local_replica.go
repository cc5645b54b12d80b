package service

import (
	"context"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/storage/containerdb"
	"github.com/devrev/pairdb/objectnode/internal/storage/objectstore"
	"go.uber.org/zap"
)

// Clock returns the current time. Passes take it as a parameter so tests can
// pin it.
type Clock func() model.Timestamp

// LocalObjectReplica exposes a device's object store to the syncer.
type LocalObjectReplica struct {
	store  *objectstore.Store
	clock  Clock
	logger *zap.Logger
}

func NewLocalObjectReplica(store *objectstore.Store, clock Clock, logger *zap.Logger) *LocalObjectReplica {
	if clock == nil {
		clock = model.Now
	}
	return &LocalObjectReplica{store: store, clock: clock, logger: logger}
}

func (r *LocalObjectReplica) Name() string {
	return "local/" + r.store.Device()
}

func (r *LocalObjectReplica) Digests(ctx context.Context, partition int) (map[string]string, error) {
	return r.store.Index().Digests(ctx, partition)
}

func (r *LocalObjectReplica) Digest(ctx context.Context, partition int, suffix string) (string, error) {
	return r.store.Index().Digest(ctx, partition, suffix)
}

func (r *LocalObjectReplica) Records(ctx context.Context, partition int, suffix string) ([]*model.ObjectRecord, error) {
	return r.store.SuffixRecords(ctx, partition, suffix)
}

// Merge applies every record that supersedes the local version. Deletions
// older than the reclaim age are dropped so a key reclaimed here is not
// brought back by a slower replica.
func (r *LocalObjectReplica) Merge(ctx context.Context, partition int, suffix string, records []*model.ObjectRecord) (int, error) {
	now := r.clock()
	applied := 0
	for _, rec := range records {
		if r.store.Reclaimable(rec, now) {
			continue
		}
		outcome, err := r.store.Apply(ctx, rec)
		if err != nil {
			return applied, err
		}
		if outcome == model.OutcomeApplied {
			applied++
		}
	}
	if applied > 0 {
		r.logger.Debug("Merged object records",
			zap.String("device", r.store.Device()),
			zap.Int("partition", partition),
			zap.String("suffix", suffix),
			zap.Int("applied", applied))
	}
	return applied, nil
}

// LocalContainerReplica exposes a device's container listing store to the
// syncer.
type LocalContainerReplica struct {
	store  *containerdb.Store
	clock  Clock
	logger *zap.Logger
}

func NewLocalContainerReplica(store *containerdb.Store, clock Clock, logger *zap.Logger) *LocalContainerReplica {
	if clock == nil {
		clock = model.Now
	}
	return &LocalContainerReplica{store: store, clock: clock, logger: logger}
}

func (r *LocalContainerReplica) Name() string {
	return "local/" + r.store.Device()
}

func (r *LocalContainerReplica) Digests(ctx context.Context, partition int) (map[string]string, error) {
	return r.store.Index().Digests(ctx, partition)
}

func (r *LocalContainerReplica) Digest(ctx context.Context, partition int, suffix string) (string, error) {
	return r.store.Index().Digest(ctx, partition, suffix)
}

func (r *LocalContainerReplica) Records(ctx context.Context, partition int, suffix string) ([]*model.ContainerRow, error) {
	return r.store.SuffixRecords(ctx, partition, suffix)
}

func (r *LocalContainerReplica) Merge(ctx context.Context, partition int, suffix string, rows []*model.ContainerRow) (int, error) {
	now := r.clock()
	applied := 0
	for _, row := range rows {
		if r.store.Reclaimable(row, now) {
			continue
		}
		outcome, err := r.store.Apply(ctx, row)
		if err != nil {
			return applied, err
		}
		if outcome == model.OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}
