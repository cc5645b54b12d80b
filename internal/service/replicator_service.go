package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/metrics"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	TierObject    = "object"
	TierContainer = "container"
)

// Liveness reports whether a node is reachable. GossipService implements it.
type Liveness interface {
	Alive(node string) bool
}

// LocalDevice is one device whose partitions a replicator pushes and pulls.
type LocalDevice[R model.Versioned] struct {
	Device  string
	Store   PartitionStore
	Replica Replica[R]
}

// PartitionStore is the part of a device store the replicator drives
// directly.
type PartitionStore interface {
	Partitions() ([]int, error)
	RemovePartition(partition int) error
	Reclaim(ctx context.Context, now model.Timestamp) (int, error)
}

// ReplicatorConfig holds replicator configuration
type ReplicatorConfig struct {
	NodeID      string
	Concurrency int
	// HandoffDelete removes a partition this node holds as a handoff once
	// every primary has synced it.
	HandoffDelete bool
}

// ReplicationReport summarizes one replication pass.
type ReplicationReport struct {
	SyncStats
	Partitions      int
	PeerFailures    int
	PeersSkipped    int
	HandoffsRemoved int
	Reclaimed       int
}

// Replicator runs the suffix sync protocol for every partition of every
// local device against the other replicas the ring names.
type Replicator[R model.Versioned] struct {
	tier      string
	config    ReplicatorConfig
	placement ring.Placement
	devices   []LocalDevice[R]
	peers     PeerResolver[R]
	liveness  Liveness
	syncer    *Syncer[R]
	clock     Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// ReplicatorService replicates object records.
type ReplicatorService = Replicator[*model.ObjectRecord]

// ContainerReplicatorService replicates container listing rows.
type ContainerReplicatorService = Replicator[*model.ContainerRow]

// NewReplicatorService creates the object replicator. liveness may be nil.
func NewReplicatorService(cfg ReplicatorConfig, placement ring.Placement, devices []LocalDevice[*model.ObjectRecord],
	peers PeerResolver[*model.ObjectRecord], liveness Liveness, m *metrics.Metrics, logger *zap.Logger) *ReplicatorService {
	return newReplicator(TierObject, cfg, placement, devices, peers, liveness, m, logger)
}

// NewContainerReplicatorService creates the container listing replicator.
func NewContainerReplicatorService(cfg ReplicatorConfig, placement ring.Placement, devices []LocalDevice[*model.ContainerRow],
	peers PeerResolver[*model.ContainerRow], liveness Liveness, m *metrics.Metrics, logger *zap.Logger) *ContainerReplicatorService {
	return newReplicator(TierContainer, cfg, placement, devices, peers, liveness, m, logger)
}

func newReplicator[R model.Versioned](tier string, cfg ReplicatorConfig, placement ring.Placement, devices []LocalDevice[R],
	peers PeerResolver[R], liveness Liveness, m *metrics.Metrics, logger *zap.Logger) *Replicator[R] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger = logger.With(zap.String("tier", tier))
	return &Replicator[R]{
		tier:      tier,
		config:    cfg,
		placement: placement,
		devices:   devices,
		peers:     peers,
		liveness:  liveness,
		syncer:    NewSyncer[R](tier, m, logger),
		clock:     model.Now,
		metrics:   m,
		logger:    logger,
	}
}

// SetClock overrides the clock used for reclaim decisions.
func (r *Replicator[R]) SetClock(clock Clock) {
	r.clock = clock
}

// Syncer returns the partition syncer.
func (r *Replicator[R]) Syncer() *Syncer[R] {
	return r.syncer
}

// SyncPartition syncs one partition of a local device with one peer device.
func (r *Replicator[R]) SyncPartition(ctx context.Context, localDevice string, peer ring.Device, partition int) (SyncStats, error) {
	for _, d := range r.devices {
		if d.Device == localDevice {
			return r.syncer.SyncPartition(ctx, d.Replica, r.peers(peer), partition)
		}
	}
	return SyncStats{}, errors.NotFound("device " + localDevice)
}

// RunOnce replicates every local device, several devices at a time. Peer
// failures are counted and logged; only cancellation fails the pass.
func (r *Replicator[R]) RunOnce(ctx context.Context) (ReplicationReport, error) {
	started := time.Now()
	passID := uuid.New().String()
	logger := r.logger.With(zap.String("pass_id", passID))

	var mu sync.Mutex
	var report ReplicationReport
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)
	for _, dev := range r.devices {
		dev := dev
		g.Go(func() error {
			devReport, err := r.replicateDevice(gctx, logger.With(zap.String("device", dev.Device)), dev)
			mu.Lock()
			report.add(devReport)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	r.metrics.ObservePass(r.tier+"-replicator", started, err)
	logger.Info("Replication pass completed",
		zap.Int("partitions", report.Partitions),
		zap.Int("suffixes_checked", report.SuffixesChecked),
		zap.Int("suffixes_synced", report.SuffixesSynced),
		zap.Int("records_pulled", report.RecordsPulled),
		zap.Int("records_pushed", report.RecordsPushed),
		zap.Int("peer_failures", report.PeerFailures),
		zap.Int("handoffs_removed", report.HandoffsRemoved),
		zap.Duration("duration", time.Since(started)),
		zap.Error(err))
	return report, err
}

func (r *Replicator[R]) replicateDevice(ctx context.Context, logger *zap.Logger, dev LocalDevice[R]) (ReplicationReport, error) {
	var report ReplicationReport

	reclaimed, err := dev.Store.Reclaim(ctx, r.clock())
	if err != nil {
		logger.Warn("Failed to reclaim deletions", zap.Error(err))
	}
	report.Reclaimed = reclaimed
	if r.tier == TierContainer {
		r.metrics.RecordContainerReclaim(dev.Device, reclaimed)
	}

	partitions, err := dev.Store.Partitions()
	if err != nil {
		logger.Error("Failed to list partitions", zap.Error(err))
		return report, nil
	}
	sort.Ints(partitions)

	for _, partition := range partitions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Partitions++
		if err := r.replicatePartition(ctx, logger, dev, partition, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *Replicator[R]) replicatePartition(ctx context.Context, logger *zap.Logger, dev LocalDevice[R], partition int, report *ReplicationReport) error {
	devs := r.placement.GetPartNodes(partition)
	primary := ring.IsPrimary(devs, r.config.NodeID, dev.Device)

	synced := 0
	peers := 0
	for _, peer := range devs {
		if peer.Node == r.config.NodeID && peer.Device == dev.Device {
			continue
		}
		peers++
		if r.liveness != nil && peer.Node != r.config.NodeID && !r.liveness.Alive(peer.Node) {
			report.PeersSkipped++
			logger.Debug("Skipping peer reported dead",
				zap.Int("partition", partition),
				zap.String("peer", peer.String()))
			continue
		}

		stats, err := r.syncer.SyncPartition(ctx, dev.Replica, r.peers(peer), partition)
		report.SyncStats.add(stats)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.PeerFailures++
			logger.Warn("Abandoned partition sync with peer",
				zap.Int("partition", partition),
				zap.String("peer", peer.String()),
				zap.Error(err))
			continue
		}
		synced++
	}

	if primary || !r.config.HandoffDelete || peers == 0 || synced != peers {
		return nil
	}
	if err := dev.Store.RemovePartition(partition); err != nil {
		logger.Warn("Failed to remove handoff partition", zap.Int("partition", partition), zap.Error(err))
		return nil
	}
	report.HandoffsRemoved++
	r.metrics.RecordHandoffRemoved(r.tier)
	logger.Info("Removed handoff partition", zap.Int("partition", partition))
	return nil
}

func (r *ReplicationReport) add(o ReplicationReport) {
	r.SyncStats.add(o.SyncStats)
	r.Partitions += o.Partitions
	r.PeerFailures += o.PeerFailures
	r.PeersSkipped += o.PeersSkipped
	r.HandoffsRemoved += o.HandoffsRemoved
	r.Reclaimed += o.Reclaimed
}
