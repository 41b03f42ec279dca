package diskmanager

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFS struct {
	total, available uint64
}

func (f *fakeFS) stat(string) (uint64, uint64, error) {
	return f.total, f.available, nil
}

func newTestManager(t *testing.T, fs *fakeFS) *DiskManager {
	t.Helper()
	cfg := DefaultConfig("/data")
	cfg.CheckInterval = time.Hour
	dm, err := newDiskManager(cfg, zap.NewNop(), fs.stat)
	require.NoError(t, err)
	return dm
}

func TestCheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		write     uint64
		wantCode  ErrorCode
	}{
		{name: "plenty of space", available: 500, write: 100},
		{name: "throttled small write", available: 80, write: 5},
		{name: "throttled large write", available: 80, write: 50, wantCode: ErrCodeDiskThrottled},
		{name: "circuit broken", available: 20, write: 1, wantCode: ErrCodeDiskFull},
		{name: "does not fit", available: 500, write: 600, wantCode: ErrCodeInsufficientSpace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := newTestManager(t, &fakeFS{total: 1000, available: tt.available})
			err := dm.CheckBeforeWrite(tt.write)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			var dse *DiskSpaceError
			require.True(t, errors.As(err, &dse))
			assert.Equal(t, tt.wantCode, dse.Code)
		})
	}
}

func TestForceCheckRecovers(t *testing.T) {
	fs := &fakeFS{total: 1000, available: 10}
	dm := newTestManager(t, fs)
	assert.True(t, dm.GetDiskUsage().IsCircuitBroken)
	assert.Error(t, dm.CheckBeforeWrite(1))

	fs.available = 900
	require.NoError(t, dm.ForceCheck())
	stats := dm.GetDiskUsage()
	assert.False(t, stats.IsCircuitBroken)
	assert.False(t, stats.IsThrottled)
	assert.InDelta(t, 10.0, stats.UsagePercent, 0.001)
	assert.NoError(t, dm.CheckBeforeWrite(1))
}

func TestRequiresDataDir(t *testing.T) {
	_, err := NewDiskManager(Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestRealFilesystem(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.CircuitBreakerThreshold = 101
	cfg.ThrottleThreshold = 101
	cfg.WarningThreshold = 101
	dm, err := NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, dm.CheckBeforeWrite(1))
	assert.Greater(t, dm.GetDiskUsage().AvailableBytes, uint64(0))
}
