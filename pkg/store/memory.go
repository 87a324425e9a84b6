package store

import (
	"sort"
	"sync"
	"time"

	"github.com/psantana5/media-overseer/pkg/models"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

// CreateJob adds a job
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs ordered by creation time
func (s *MemoryStore) ListJobs(state models.JobState) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool {
		return state == "" || j.State == state
	}), nil
}

// UpdateJob replaces a stored job
func (s *MemoryStore) UpdateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// DeleteJob removes a job
func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// FindCompletedByKey returns the newest completed job with the given content key
func (s *MemoryStore) FindCompletedByKey(key string) (*models.Job, error) {
	jobs := s.filter(func(j *models.Job) bool {
		return j.ContentKey == key && j.State == models.JobStateCompleted
	})
	if len(jobs) == 0 {
		return nil, ErrJobNotFound
	}
	return jobs[len(jobs)-1], nil
}

// ListFinishedBefore returns terminal jobs completed before t
func (s *MemoryStore) ListFinishedBefore(t time.Time) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool {
		return models.IsTerminalState(j.State) && j.CompletedAt != nil && j.CompletedAt.Before(t)
	}), nil
}

// HealthCheck always succeeds
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) filter(keep func(*models.Job) bool) []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if keep(job) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
