package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/models"
)

// Config defines retention policies and cleanup intervals
type Config struct {
	Enabled         bool
	Retention       time.Duration
	Interval        time.Duration
	InitialDelay    time.Duration
	DeleteBatchSize int
	// RemoveWorkDirs also deletes job work directories under WorkRoot
	RemoveWorkDirs bool
	WorkRoot       string
}

// DefaultConfig returns the default retention policy
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Retention:       7 * 24 * time.Hour,
		Interval:        time.Hour,
		InitialDelay:    time.Minute,
		DeleteBatchSize: 100,
		RemoveWorkDirs:  true,
	}
}

// Store is the subset of the job store needed for cleanup
type Store interface {
	ListFinishedBefore(t time.Time) ([]*models.Job, error)
	DeleteJob(id string) error
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time     `json:"last_cleanup_time"`
	LastCleanupDuration time.Duration `json:"last_cleanup_duration"`
	TotalJobsDeleted    int64         `json:"total_jobs_deleted"`
	TotalDirsRemoved    int64         `json:"total_dirs_removed"`
}

// Manager removes finished jobs past their retention
type Manager struct {
	config Config
	store  Store
	logger *logging.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a cleanup manager
func NewManager(config Config, store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = 100
	}
	return &Manager{
		config: config,
		store:  store,
		logger: logger.WithField("component", "cleanup"),
		now:    time.Now,
	}
}

// Start begins periodic cleanup until ctx is done or Stop is called
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("cleanup disabled")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.logger.Info("starting cleanup manager", logging.Fields{
		"retention": m.config.Retention.String(),
		"interval":  m.config.Interval.String(),
	})

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the cleanup loop
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.config.InitialDelay):
	}
	m.RunOnce(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce deletes every finished job older than the retention and returns the count
func (m *Manager) RunOnce(ctx context.Context) int {
	start := m.now()
	cutoff := start.Add(-m.config.Retention)

	jobs, err := m.store.ListFinishedBefore(cutoff)
	if err != nil {
		m.logger.Error("failed to list expired jobs", logging.Fields{"error": err})
		return 0
	}

	deleted, removed := 0, 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := m.store.DeleteJob(job.ID); err != nil {
			m.logger.Warn("failed to delete job", logging.Fields{"job_id": job.ID, "error": err})
			continue
		}
		deleted++
		if m.removeWorkDir(job) {
			removed++
		}

		// pace deletions so a large backlog does not starve the database
		if deleted%m.config.DeleteBatchSize == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	m.mu.Lock()
	m.stats.LastCleanupTime = start
	m.stats.LastCleanupDuration = time.Since(start)
	m.stats.TotalJobsDeleted += int64(deleted)
	m.stats.TotalDirsRemoved += int64(removed)
	m.mu.Unlock()

	if deleted > 0 {
		m.logger.Info("cleanup complete", logging.Fields{"deleted": deleted, "dirs_removed": removed})
	}
	return deleted
}

// removeWorkDir deletes the job's work dir if it sits under the work root
func (m *Manager) removeWorkDir(job *models.Job) bool {
	if !m.config.RemoveWorkDirs || job.WorkDir == "" || m.config.WorkRoot == "" {
		return false
	}
	rel, err := filepath.Rel(m.config.WorkRoot, job.WorkDir)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		m.logger.Warn("refusing to remove work dir outside work root", logging.Fields{"job_id": job.ID, "dir": job.WorkDir})
		return false
	}
	if err := os.RemoveAll(job.WorkDir); err != nil {
		m.logger.Warn("failed to remove work dir", logging.Fields{"job_id": job.ID, "error": err})
		return false
	}
	return true
}

// Stats returns current cleanup statistics
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
