package store

import (
	"errors"
	"time"

	"github.com/psantana5/media-overseer/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobExists           = errors.New("job already exists")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store defines the interface for job persistence.
// Memory, SQLite and PostgreSQL implement it.
type Store interface {
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	ListJobs(state models.JobState) ([]*models.Job, error) // empty state lists all
	UpdateJob(job *models.Job) error
	DeleteJob(id string) error

	// FindCompletedByKey returns the newest completed job for a content key
	FindCompletedByKey(key string) (*models.Job, error)
	// ListFinishedBefore returns terminal jobs completed before t
	ListFinishedBefore(t time.Time) ([]*models.Job, error)

	HealthCheck() error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "overseer.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

// cloneJob returns a deep copy so callers never share mutable state with the store
func cloneJob(job *models.Job) *models.Job {
	c := *job
	if job.Status != nil {
		st := job.Status.Clone()
		c.Status = &st
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	c.StateTransitions = append([]models.StateTransition(nil), job.StateTransitions...)
	return &c
}
