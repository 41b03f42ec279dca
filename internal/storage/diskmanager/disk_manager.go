package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DiskManager watches the filesystem holding the changelog and refuses
// appends once usage crosses the configured thresholds. It satisfies
// logfile.WriteGuard.
type DiskManager struct {
	dataDir string
	logger  *zap.Logger
	cfg     Config
	statfs  func(dir string) (total, available uint64, err error)

	mu             sync.RWMutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64
	throttled      bool
	circuitBroken  bool
}

// Config holds disk manager thresholds, as used percentages of the filesystem
type Config struct {
	DataDir                 string        `mapstructure:"data_dir" yaml:"data_dir"`
	CheckInterval           time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	WarningThreshold        float64       `mapstructure:"warning_threshold" yaml:"warning_threshold"`
	ThrottleThreshold       float64       `mapstructure:"throttle_threshold" yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `mapstructure:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg Config, logger *zap.Logger) (*DiskManager, error) {
	return newDiskManager(cfg, logger, statFilesystem)
}

func newDiskManager(cfg Config, logger *zap.Logger, statfs func(string) (uint64, uint64, error)) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DiskManager{
		dataDir: cfg.DataDir,
		logger:  logger,
		cfg:     cfg,
		statfs:  statfs,
	}
	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

func statFilesystem(dir string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite returns an error if a write of estimatedBytes should be rejected
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.circuitBroken {
		return &DiskSpaceError{
			Code:            ErrCodeDiskFull,
			Message:         fmt.Sprintf("disk usage at %.2f%%, circuit breaker engaged", dm.usagePercent),
			UsagePercent:    dm.usagePercent,
			AvailableBytes:  dm.availableBytes,
			IsCircuitBroken: true,
		}
	}

	// While throttled only small appends get through
	if dm.throttled && estimatedBytes > dm.availableBytes/10 {
		return &DiskSpaceError{
			Code:           ErrCodeDiskThrottled,
			Message:        fmt.Sprintf("disk usage at %.2f%%, write throttled", dm.usagePercent),
			UsagePercent:   dm.usagePercent,
			AvailableBytes: dm.availableBytes,
			IsThrottled:    true,
		}
	}

	if estimatedBytes > dm.availableBytes {
		return &DiskSpaceError{
			Code:           ErrCodeInsufficientSpace,
			Message:        fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.availableBytes),
			UsagePercent:   dm.usagePercent,
			AvailableBytes: dm.availableBytes,
		}
	}
	return nil
}

func (dm *DiskManager) refreshIfStale() {
	dm.mu.RLock()
	stale := time.Since(dm.lastCheck) > dm.cfg.CheckInterval
	dm.mu.RUnlock()
	if !stale {
		return
	}
	if err := dm.ForceCheck(); err != nil {
		dm.logger.Warn("Disk space check failed", zap.Error(err))
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	total, available, err := dm.statfs(dm.dataDir)
	if err != nil {
		return err
	}
	var usage float64
	if total > 0 {
		usage = float64(total-available) / float64(total) * 100.0
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	wasThrottled, wasBroken := dm.throttled, dm.circuitBroken
	dm.usagePercent = usage
	dm.availableBytes = available
	dm.lastCheck = time.Now()
	dm.circuitBroken = usage >= dm.cfg.CircuitBreakerThreshold
	dm.throttled = usage >= dm.cfg.ThrottleThreshold && !dm.circuitBroken

	fields := []zap.Field{
		zap.String("data_dir", dm.dataDir),
		zap.Float64("usage_percent", usage),
		zap.Uint64("available_bytes", available),
	}
	switch {
	case dm.circuitBroken && !wasBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED, changelog appends rejected", fields...)
	case !dm.circuitBroken && wasBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED", fields...)
	}
	switch {
	case dm.throttled && !wasThrottled:
		dm.logger.Warn("Disk write throttling ENABLED", fields...)
	case !dm.throttled && wasThrottled:
		dm.logger.Info("Disk write throttling DISABLED", fields...)
	}
	if usage >= dm.cfg.WarningThreshold && !dm.throttled && !dm.circuitBroken {
		dm.logger.Warn("Disk usage warning", fields...)
	}
	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return DiskUsageStats{
		UsagePercent:    dm.usagePercent,
		AvailableBytes:  dm.availableBytes,
		IsThrottled:     dm.throttled,
		IsCircuitBroken: dm.circuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64   `json:"usage_percent"`
	AvailableBytes  uint64    `json:"available_bytes"`
	IsThrottled     bool      `json:"throttled"`
	IsCircuitBroken bool      `json:"circuit_broken"`
	LastCheck       time.Time `json:"last_check"`
}

// ErrorCode classifies disk space errors
type ErrorCode int

const (
	ErrCodeDiskFull ErrorCode = iota + 1
	ErrCodeDiskThrottled
	ErrCodeInsufficientSpace
)

// DiskSpaceError represents a disk space related rejection
type DiskSpaceError struct {
	Code            ErrorCode
	Message         string
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}
