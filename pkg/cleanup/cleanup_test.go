package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/store"
)

func seed(t *testing.T, s *store.MemoryStore, id string, state models.JobState, completed time.Time, workDir string) {
	t.Helper()
	job := &models.Job{ID: id, InputPath: id, State: models.JobStateQueued, CreatedAt: completed.Add(-time.Hour), WorkDir: workDir}
	require.NoError(t, job.TransitionTo(models.JobStateRunning, "", completed.Add(-time.Minute)))
	if state != models.JobStateRunning {
		require.NoError(t, job.TransitionTo(state, "", completed))
	}
	require.NoError(t, s.CreateJob(job))
}

func TestRunOnceDeletesExpiredJobs(t *testing.T) {
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	root := t.TempDir()
	oldDir := filepath.Join(root, "old")
	require.NoError(t, os.MkdirAll(oldDir, 0755))

	s := store.NewMemoryStore()
	seed(t, s, "old", models.JobStateCompleted, now.Add(-10*24*time.Hour), oldDir)
	seed(t, s, "old-failed", models.JobStateFailed, now.Add(-8*24*time.Hour), "")
	seed(t, s, "recent", models.JobStateCompleted, now.Add(-time.Hour), "")
	seed(t, s, "active", models.JobStateRunning, now.Add(-30*24*time.Hour), "")

	cfg := DefaultConfig()
	cfg.WorkRoot = root
	m := NewManager(cfg, s, nil)
	m.now = func() time.Time { return now }

	assert.Equal(t, 2, m.RunOnce(context.Background()))
	assert.NoDirExists(t, oldDir)

	remaining, err := s.ListJobs("")
	require.NoError(t, err)
	var ids []string
	for _, j := range remaining {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"recent", "active"}, ids)

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.TotalJobsDeleted)
	assert.Equal(t, int64(1), stats.TotalDirsRemoved)
}

func TestWorkDirOutsideRootIsKept(t *testing.T) {
	now := time.Now()
	outside := t.TempDir()
	s := store.NewMemoryStore()
	seed(t, s, "x", models.JobStateCanceled, now.Add(-30*24*time.Hour), outside)

	cfg := DefaultConfig()
	cfg.WorkRoot = t.TempDir()
	m := NewManager(cfg, s, nil)

	assert.Equal(t, 1, m.RunOnce(context.Background()))
	assert.DirExists(t, outside)
}

func TestDisabledManagerDoesNothing(t *testing.T) {
	m := NewManager(Config{Enabled: false}, store.NewMemoryStore(), nil)
	m.Start(context.Background())
	m.Stop()
	assert.True(t, m.Stats().LastCleanupTime.IsZero())
}

func TestStartRunsPeriodically(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "old", models.JobStateCompleted, time.Now().Add(-48*time.Hour), "")

	m := NewManager(Config{Enabled: true, Retention: time.Hour, Interval: 10 * time.Millisecond}, s, nil)
	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool {
		_, err := s.GetJob("old")
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}
