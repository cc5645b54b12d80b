package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/metrics"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/storage/objectstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ListingUpdater records in the container listing that an object expired.
type ListingUpdater interface {
	ObjectExpired(ctx context.Context, key model.ObjectKey, ts model.Timestamp) error
}

// AuditorConfig holds auditor configuration
type AuditorConfig struct {
	// FilesPerSecond throttles the walk of each device; zero disables it.
	FilesPerSecond int
}

// AuditStats summarizes one audit pass of a device.
type AuditStats struct {
	Device          string
	Scanned         int
	Expired         int
	Errors          int
	Reclaimed       int
	ListingFailures int
}

// AuditorService expires objects whose delete-at has passed and reclaims old
// tombstones.
type AuditorService struct {
	config  AuditorConfig
	stores  map[string]*objectstore.Store
	listing ListingUpdater
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAuditorService creates an auditor over the local object stores. listing
// may be nil when container listings are maintained elsewhere.
func NewAuditorService(cfg AuditorConfig, stores []*objectstore.Store, listing ListingUpdater, m *metrics.Metrics, logger *zap.Logger) *AuditorService {
	byDevice := make(map[string]*objectstore.Store, len(stores))
	for _, s := range stores {
		byDevice[s.Device()] = s
	}
	return &AuditorService{
		config:  cfg,
		stores:  byDevice,
		listing: listing,
		metrics: m,
		logger:  logger,
	}
}

// RunPass audits one device. Per-object failures are logged and counted;
// the pass only stops early on cancellation. Running it again after an
// interruption finishes the work because already expired records are no
// longer live.
func (s *AuditorService) RunPass(ctx context.Context, device string, now model.Timestamp) (AuditStats, error) {
	store, ok := s.stores[device]
	if !ok {
		return AuditStats{}, errors.NotFound("device " + device)
	}

	stats := AuditStats{Device: device}
	passID := uuid.New().String()
	logger := s.logger.With(zap.String("pass_id", passID), zap.String("device", device))
	started := time.Now()

	var limiter *rate.Limiter
	if s.config.FilesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.config.FilesPerSecond), s.config.FilesPerSecond)
	}

	err := store.Walk(ctx, func(entry objectstore.WalkEntry) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		stats.Scanned++
		if entry.Err != nil {
			stats.Errors++
			logger.Warn("Failed to read object",
				zap.Int("partition", entry.Partition),
				zap.String("suffix", entry.Suffix),
				zap.String("hash", entry.Hash),
				zap.Error(entry.Err))
			return nil
		}
		if !entry.Record.IsDue(now) {
			return nil
		}
		s.expire(ctx, logger, store, entry.Record.Key, now, &stats)
		return nil
	})
	if err == nil {
		stats.Reclaimed, err = store.Reclaim(ctx, now)
	}

	s.metrics.RecordAudit(device, stats.Scanned, stats.Expired, stats.Errors, stats.Reclaimed, stats.ListingFailures)
	s.metrics.ObservePass("auditor", started, err)
	if err != nil {
		logger.Warn("Audit pass interrupted", zap.Int("scanned", stats.Scanned), zap.Error(err))
		return stats, err
	}
	logger.Info("Audit pass completed",
		zap.Int("scanned", stats.Scanned),
		zap.Int("expired", stats.Expired),
		zap.Int("errors", stats.Errors),
		zap.Int("reclaimed", stats.Reclaimed),
		zap.Duration("duration", time.Since(started)))
	return stats, nil
}

func (s *AuditorService) expire(ctx context.Context, logger *zap.Logger, store *objectstore.Store, key model.ObjectKey, now model.Timestamp, stats *AuditStats) {
	outcome, markerTS, err := store.ExpireIfDue(ctx, key, now)
	if err != nil {
		stats.Errors++
		logger.Warn("Failed to expire object", zap.String("path", key.Path()), zap.Error(err))
		return
	}
	if outcome != model.ExpireApplied {
		return
	}
	stats.Expired++
	logger.Debug("Expired object",
		zap.String("path", key.Path()),
		zap.String("marker", markerTS.Internal()))

	if s.listing == nil {
		return
	}
	if err := s.listing.ObjectExpired(ctx, key, markerTS); err != nil {
		stats.ListingFailures++
		logger.Warn("Failed to update container listing",
			zap.String("path", key.Path()),
			zap.Error(err))
	}
}

// RunOnce audits every local device in parallel.
func (s *AuditorService) RunOnce(ctx context.Context, now model.Timestamp) ([]AuditStats, error) {
	devices := make([]string, 0, len(s.stores))
	for d := range s.stores {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	var mu sync.Mutex
	results := make([]AuditStats, 0, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	for _, device := range devices {
		device := device
		g.Go(func() error {
			stats, err := s.RunPass(gctx, device, now)
			mu.Lock()
			results = append(results, stats)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("audit of %s: %w", device, err)
			}
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Device < results[j].Device })
	return results, err
}
