package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/metrics"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/storage/diskmanager"
	"go.uber.org/zap"
)

const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// HealthChecker performs health checks for the devices of a node
type HealthChecker struct {
	cfg     HealthCheckConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	readinessOK bool
	onChange    func(model.NodeStatus)
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID string
	// Devices maps a device name to its mount path.
	Devices          map[string]string
	Interval         time.Duration
	WarningThreshold float64
	// CriticalThreshold marks the device unusable.
	CriticalThreshold float64
	Stat              diskmanager.StatFunc
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg HealthCheckConfig, m *metrics.Metrics, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 90
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 95
	}
	if cfg.Stat == nil {
		cfg.Stat = diskmanager.Statfs
	}
	return &HealthChecker{
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// OnStatusChange registers fn to be called when the node status changes.
func (h *HealthChecker) OnStatusChange(fn func(model.NodeStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// Start runs the checks on the configured interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every device check once and updates the node status
func (h *HealthChecker) RunChecks() model.NodeStatus {
	devices := make([]string, 0, len(h.cfg.Devices))
	for d := range h.cfg.Devices {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	results := make([]CheckResult, 0, 2*len(devices))
	for _, d := range devices {
		path := h.cfg.Devices[d]
		results = append(results, h.checkDiskSpace(d, path), h.checkDeviceWritable(d, path))
	}

	allHealthy, allReady := true, true
	for _, r := range results {
		if r.Status != StatusHealthy {
			allHealthy = false
			if r.Status == StatusCritical {
				allReady = false
			}
		}
	}

	status := model.NodeStatusHealthy
	if !allReady {
		status = model.NodeStatusUnhealthy
	} else if !allHealthy {
		status = model.NodeStatusDegraded
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.checks = make(map[string]CheckResult, len(results))
	for _, r := range results {
		h.checks[r.Name] = r
	}
	changed := status != h.status
	h.status = status
	h.readinessOK = allReady
	onChange := h.onChange
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", allReady))

	if changed {
		h.logger.Info("Node status changed", zap.String("status", string(status)))
		if onChange != nil {
			onChange(status)
		}
	}
	return status
}

// checkDiskSpace checks if disk space on a device is sufficient
func (h *HealthChecker) checkDiskSpace(device, path string) CheckResult {
	name := device + "/disk_space"
	usage, err := h.cfg.Stat(path)
	if err != nil {
		return CheckResult{
			Name:      name,
			Status:    StatusCritical,
			Message:   fmt.Sprintf("Failed to stat filesystem: %v", err),
			Timestamp: time.Now(),
		}
	}

	pct := usage.Percent()
	h.metrics.UpdateDiskStats(device, pct, usage.AvailableBytes)

	switch {
	case pct > h.cfg.CriticalThreshold:
		return CheckResult{Name: name, Status: StatusCritical, Message: fmt.Sprintf("Disk usage critical: %.2f%%", pct), Timestamp: time.Now()}
	case pct > h.cfg.WarningThreshold:
		return CheckResult{Name: name, Status: StatusWarning, Message: fmt.Sprintf("Disk usage high: %.2f%%", pct), Timestamp: time.Now()}
	}
	return CheckResult{
		Name:      name,
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", pct, float64(usage.AvailableBytes)/1024/1024/1024),
		Timestamp: time.Now(),
	}
}

// checkDeviceWritable checks that the device directory accepts writes
func (h *HealthChecker) checkDeviceWritable(device, path string) CheckResult {
	name := device + "/writable"
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{Name: name, Status: StatusCritical, Message: fmt.Sprintf("Device not accessible: %v", err), Timestamp: time.Now()}
	}
	if !info.IsDir() {
		return CheckResult{Name: name, Status: StatusCritical, Message: "Device path is not a directory", Timestamp: time.Now()}
	}

	testFile := filepath.Join(path, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{Name: name, Status: StatusCritical, Message: fmt.Sprintf("Cannot write to device: %v", err), Timestamp: time.Now()}
	}
	f.Close()
	os.Remove(testFile)

	return CheckResult{Name: name, Status: StatusHealthy, Message: "Device is accessible and writable", Timestamp: time.Now()}
}

// IsReady returns whether every device can take writes
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// Status returns the current node status
func (h *HealthChecker) Status() model.NodeStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// LastCheck returns when the checks last ran
func (h *HealthChecker) LastCheck() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastCheck
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}
