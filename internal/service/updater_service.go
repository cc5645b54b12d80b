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
	"github.com/devrev/pairdb/objectnode/internal/storage/containerdb"
	"github.com/devrev/pairdb/objectnode/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UpdaterConfig holds updater configuration
type UpdaterConfig struct {
	NodeID      string
	Concurrency int
}

// DrainResult describes what a drain did for one container.
type DrainResult struct {
	// Delta is the last delta pushed.
	Delta     *model.AggregateDelta
	Applied   bool
	Duplicate bool
	// Rebased is set when the account total differed from what this
	// replica had reported and the drain recomputed against it.
	Rebased bool
	// Skipped is set when there was nothing to report.
	Skipped bool
}

// UpdaterReport summarizes one updater pass.
type UpdaterReport struct {
	Containers int
	Pushed     int
	Duplicates int
	Rebased    int
	Failed     int
	NotOwned   int
}

// UpdaterService pushes container aggregate deltas to the account tier.
type UpdaterService struct {
	config    UpdaterConfig
	stores    map[string]*containerdb.Store
	accounts  store.AccountStore
	placement ring.Placement
	clock     Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// drains of one container are serialized
	mu       sync.Mutex
	draining map[string]*sync.Mutex
}

// NewUpdaterService creates an updater; placement is the container ring and
// decides which replica reports each container.
func NewUpdaterService(cfg UpdaterConfig, stores []*containerdb.Store, accounts store.AccountStore, placement ring.Placement,
	m *metrics.Metrics, logger *zap.Logger) *UpdaterService {
	byDevice := make(map[string]*containerdb.Store, len(stores))
	for _, s := range stores {
		byDevice[s.Device()] = s
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &UpdaterService{
		config:    cfg,
		stores:    byDevice,
		accounts:  accounts,
		placement: placement,
		clock:     model.Now,
		metrics:   m,
		logger:    logger,
		draining:  make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the clock used to aggregate and stamp deltas.
func (s *UpdaterService) SetClock(clock Clock) {
	s.clock = clock
}

// Reporter reports whether the local device is the replica that reports ref
// to the account tier: the first device the container ring names.
func (s *UpdaterService) Reporter(device string, ref model.ContainerRef) bool {
	if s.placement == nil {
		return true
	}
	_, devs := s.placement.GetNodes(ref.Account, ref.Container, "")
	return len(devs) > 0 && devs[0].Node == s.config.NodeID && devs[0].Device == device
}

func (s *UpdaterService) lockContainer(device string, ref model.ContainerRef) func() {
	key := device + ref.Path()
	s.mu.Lock()
	m, ok := s.draining[key]
	if !ok {
		m = &sync.Mutex{}
		s.draining[key] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// maxRebases bounds how often one drain recomputes its delta after the
// account tier reports a different base.
const maxRebases = 2

// Drain pushes the container's pending delta, computing one first when none
// is pending. The delta is persisted before it is sent, so a failed or
// interrupted push is retried with the same sequence and the account tier
// applies it at most once. On failure the delta stays pending and an
// AccountUnreachable error is returned.
//
// Every answer from the account tier carries its current container total,
// which becomes the replica's reported total. A replica that takes over
// reporting therefore continues from the account tier's figure instead of
// its own history.
func (s *UpdaterService) Drain(ctx context.Context, device string, ref model.ContainerRef) (DrainResult, error) {
	db, ok := s.stores[device]
	if !ok {
		return DrainResult{}, errors.NotFound("device " + device)
	}
	unlock := s.lockContainer(device, ref)
	defer unlock()

	state, err := db.ReportState(ref)
	if err != nil {
		return DrainResult{}, err
	}

	var result DrainResult
	for attempt := 0; attempt <= maxRebases; attempt++ {
		delta := state.Pending
		if delta == nil {
			now := s.clock()
			agg, err := db.Aggregate(ref, now)
			if err != nil {
				return result, err
			}
			diff := agg.Sub(state.Reported)
			if diff.IsZero() {
				result.Skipped = attempt == 0
				return result, nil
			}
			seq := state.LastSequence + 1
			if micros := uint64(now); micros > seq {
				seq = micros
			}
			delta = &model.AggregateDelta{
				Account:   ref.Account,
				Container: ref.Container,
				Sequence:  seq,
				Base:      state.Reported,
				Delta:     diff,
				CreatedAt: now,
			}
			state.Pending = delta
			state.LastSequence = seq
			if err := db.SetReportState(ref, state); err != nil {
				return result, err
			}
		}
		result.Delta = delta

		answer, err := s.accounts.ApplyDelta(ctx, delta)
		s.metrics.RecordDelta(answer.Outcome, err)
		if err != nil {
			if !errors.IsAccountUnreachable(err) {
				err = errors.AccountUnreachable(ref.Account, err)
			}
			return result, err
		}

		state.Pending = nil
		state.Reported = answer.Current
		if answer.Sequence > state.LastSequence {
			state.LastSequence = answer.Sequence
		}
		if err := db.SetReportState(ref, state); err != nil {
			// The account tier has answered; a retry is a harmless duplicate.
			return result, err
		}

		s.logger.Debug("Drained container delta",
			zap.String("device", device),
			zap.String("container", ref.Path()),
			zap.Uint64("sequence", delta.Sequence),
			zap.Int64("objects", delta.Delta.ObjectCount),
			zap.Int64("bytes", delta.Delta.BytesUsed),
			zap.Stringer("outcome", answer.Outcome))

		switch answer.Outcome {
		case model.DeltaApplied:
			result.Applied = true
			return result, nil
		case model.DeltaDuplicate:
			result.Duplicate = true
		case model.DeltaRebased:
			result.Rebased = true
		}
	}
	return result, nil
}

// RunOnce drains every container this node reports. Failed containers keep
// their pending delta for the next pass.
func (s *UpdaterService) RunOnce(ctx context.Context) (UpdaterReport, error) {
	started := time.Now()
	logger := s.logger.With(zap.String("pass_id", uuid.New().String()))

	devices := make([]string, 0, len(s.stores))
	for d := range s.stores {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	var mu sync.Mutex
	var report UpdaterReport
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, device := range devices {
		device := device
		g.Go(func() error {
			devReport, err := s.drainDevice(gctx, logger, device)
			mu.Lock()
			report.Containers += devReport.Containers
			report.Pushed += devReport.Pushed
			report.Duplicates += devReport.Duplicates
			report.Rebased += devReport.Rebased
			report.Failed += devReport.Failed
			report.NotOwned += devReport.NotOwned
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	s.metrics.ObservePass("updater", started, err)
	logger.Info("Updater pass completed",
		zap.Int("containers", report.Containers),
		zap.Int("pushed", report.Pushed),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("rebased", report.Rebased),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(started)),
		zap.Error(err))
	return report, err
}

func (s *UpdaterService) drainDevice(ctx context.Context, logger *zap.Logger, device string) (UpdaterReport, error) {
	var report UpdaterReport
	for _, ref := range s.stores[device].Containers() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !s.Reporter(device, ref) {
			report.NotOwned++
			continue
		}
		report.Containers++
		result, err := s.Drain(ctx, device, ref)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			s.metrics.RecordContainerFailure()
			logger.Warn("Failed to drain container",
				zap.String("device", device),
				zap.String("container", ref.Path()),
				zap.Error(err))
			continue
		}
		switch {
		case result.Applied:
			report.Pushed++
		case result.Duplicate:
			report.Duplicates++
		}
		if result.Rebased {
			report.Rebased++
		}
	}
	return report, nil
}
