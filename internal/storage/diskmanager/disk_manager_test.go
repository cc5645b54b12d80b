package diskmanager_test

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/storage/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedUsage(total, avail uint64) diskmanager.StatFunc {
	return func(string) (diskmanager.Usage, error) {
		return diskmanager.Usage{TotalBytes: total, AvailableBytes: avail}, nil
	}
}

func TestCheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name    string
		avail   uint64
		size    uint64
		wantErr bool
	}{
		{name: "plenty of space", avail: 500, size: 10},
		{name: "past threshold", avail: 20, size: 1, wantErr: true},
		{name: "write larger than free space", avail: 100, size: 200, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm, err := diskmanager.NewDiskManager(diskmanager.Config{
				Device:        "sdb1",
				Path:          t.TempDir(),
				CheckInterval: time.Hour,
				FullThreshold: 95,
				Stat:          fixedUsage(1000, tt.avail),
			}, zap.NewNop())
			require.NoError(t, err)

			err = dm.CheckBeforeWrite(tt.size)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeDiskFull, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckBeforeWrite_Disabled(t *testing.T) {
	dm, err := diskmanager.NewDiskManager(diskmanager.Config{
		Path: t.TempDir(),
		Stat: fixedUsage(1000, 0),
	}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, dm.CheckBeforeWrite(1<<20))

	var nilManager *diskmanager.DiskManager
	assert.NoError(t, nilManager.CheckBeforeWrite(1))
}

func TestStatfs(t *testing.T) {
	usage, err := diskmanager.Statfs(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, uint64(0))
	assert.LessOrEqual(t, usage.Percent(), 100.0)
}
