package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"go.uber.org/zap"
)

// Usage is a filesystem usage sample.
type Usage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// Percent returns the used share of the filesystem.
func (u Usage) Percent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.TotalBytes-u.AvailableBytes) / float64(u.TotalBytes) * 100.0
}

// StatFunc samples the filesystem holding path.
type StatFunc func(path string) (Usage, error)

// Statfs samples with syscall.Statfs.
func Statfs(path string) (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return Usage{
		TotalBytes:     stat.Blocks * uint64(stat.Bsize),
		AvailableBytes: stat.Bavail * uint64(stat.Bsize),
	}, nil
}

// Config holds the thresholds of one device.
type Config struct {
	Device        string
	Path          string
	CheckInterval time.Duration
	// WarningThreshold only logs.
	WarningThreshold float64
	// FullThreshold rejects writes. Zero disables the guard.
	FullThreshold float64
	Stat          StatFunc
}

// DiskManager guards writes to one device against a full filesystem. Usage
// is sampled at most once per CheckInterval.
type DiskManager struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	lastCheck time.Time
	usage     Usage
	full      bool
}

// NewDiskManager creates a manager and takes an initial sample.
func NewDiskManager(cfg Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("device path is required")
	}
	if cfg.Stat == nil {
		cfg.Stat = Statfs
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}

	dm := &DiskManager{cfg: cfg, logger: logger}
	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed",
			zap.String("device", cfg.Device),
			zap.Error(err))
	}
	return dm, nil
}

// CheckBeforeWrite returns a DiskFull error when the device is past its
// full threshold or cannot hold estimatedBytes.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	if dm == nil || dm.cfg.FullThreshold <= 0 {
		return nil
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.cfg.CheckInterval {
		if err := dm.checkLocked(); err != nil {
			dm.logger.Warn("Disk space check failed",
				zap.String("device", dm.cfg.Device),
				zap.Error(err))
		}
	}

	if dm.full || (dm.usage.TotalBytes > 0 && estimatedBytes > dm.usage.AvailableBytes) {
		return errors.DiskFull(dm.cfg.Device, dm.usage.Percent())
	}
	return nil
}

// Usage returns the last sample.
func (dm *DiskManager) Usage() Usage {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.usage
}

// ForceCheck samples immediately.
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkLocked()
}

func (dm *DiskManager) checkLocked() error {
	usage, err := dm.cfg.Stat(dm.cfg.Path)
	if err != nil {
		return err
	}
	dm.usage = usage
	dm.lastCheck = time.Now()

	pct := usage.Percent()
	wasFull := dm.full
	dm.full = dm.cfg.FullThreshold > 0 && pct >= dm.cfg.FullThreshold

	switch {
	case dm.full && !wasFull:
		dm.logger.Error("Device full, rejecting writes",
			zap.String("device", dm.cfg.Device),
			zap.Float64("usage_percent", pct),
			zap.Float64("threshold", dm.cfg.FullThreshold))
	case !dm.full && wasFull:
		dm.logger.Info("Device accepting writes again",
			zap.String("device", dm.cfg.Device),
			zap.Float64("usage_percent", pct))
	case !dm.full && dm.cfg.WarningThreshold > 0 && pct >= dm.cfg.WarningThreshold:
		dm.logger.Warn("Disk usage warning",
			zap.String("device", dm.cfg.Device),
			zap.Float64("usage_percent", pct),
			zap.Uint64("available_bytes", usage.AvailableBytes))
	}
	return nil
}
