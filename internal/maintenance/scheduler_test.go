package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMaintainer struct{ n atomic.Int32 }

func (m *countingMaintainer) Maintain(context.Context) { m.n.Add(1) }

type fakeExporter struct {
	err   error
	calls atomic.Int32
}

func (f *fakeExporter) Export(context.Context) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "/backups/20250301T120000.000000000Z", nil
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(Config{MaintenanceSchedule: "every tuesday", Maintainer: &countingMaintainer{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maintenance schedule")

	_, err = NewScheduler(Config{BackupSchedule: "61 * * * *", Exporter: &fakeExporter{}})
	assert.Error(t, err)
}

func TestNewScheduler_SkipsDisabledJobs(t *testing.T) {
	s, err := NewScheduler(Config{
		MaintenanceSchedule: "@daily",
		Maintainer:          &countingMaintainer{},
		BackupSchedule:      "",
		Exporter:            &fakeExporter{},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Jobs())
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(""))
	assert.NoError(t, ValidateSchedule("@hourly"))
	assert.NoError(t, ValidateSchedule("30 2 * * *"))
	assert.Error(t, ValidateSchedule("* * *"))
}

func TestScheduler_RunsJobsOnSchedule(t *testing.T) {
	m := &countingMaintainer{}
	exp := &fakeExporter{err: errors.New("disk full")}
	s, err := NewScheduler(Config{
		MaintenanceSchedule: "@every 1s",
		BackupSchedule:      "@every 1s",
		Maintainer:          m,
		Exporter:            exp,
	})
	require.NoError(t, err)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return m.n.Load() > 0 && exp.calls.Load() > 0
	}, 5*time.Second, 20*time.Millisecond)
	s.Stop()

	at, err := s.LastRun("backup")
	assert.False(t, at.IsZero())
	assert.ErrorContains(t, err, "disk full", "failures are recorded, not fatal")

	_, err = s.LastRun("maintenance")
	assert.NoError(t, err)
}

func TestScheduler_RunBackupDirect(t *testing.T) {
	exp := &fakeExporter{}
	s, err := NewScheduler(Config{Exporter: exp})
	require.NoError(t, err)
	require.NoError(t, s.RunBackup(context.Background()))
	assert.Equal(t, int32(1), exp.calls.Load())
}
