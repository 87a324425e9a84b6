// Package jobs schedules conversion jobs, persists their records and answers
// status queries for jobs that are queued, running or finished.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/media-overseer/internal/cgroups"
	"github.com/psantana5/media-overseer/pkg/contenthash"
	"github.com/psantana5/media-overseer/pkg/converter"
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/metrics"
	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/notify"
	"github.com/psantana5/media-overseer/pkg/overseer"
	"github.com/psantana5/media-overseer/pkg/store"
	"github.com/psantana5/media-overseer/pkg/tool"
	"github.com/psantana5/media-overseer/pkg/tracing"
	"github.com/psantana5/media-overseer/pkg/upload"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrJobNotFound   = store.ErrJobNotFound
	ErrJobFinished   = errors.New("job already finished")
	ErrNotRunning    = errors.New("job is not running")
	ErrShuttingDown  = errors.New("manager is shutting down")
	ErrQueueFull     = errors.New("too many queued jobs")
	defaultMaxQueued = 1000
)

// Config holds scheduling settings
type Config struct {
	Converter     converter.Config // tool paths and loudness target; WorkDir is ignored
	WorkRoot      string           // each job works in <WorkRoot>/<job-id>
	MaxConcurrent int
	MaxQueued     int
	RequestQueue  int
	ToolTimeout   time.Duration
	Dedup         bool // return an earlier completed job for identical content
	Limits        cgroups.Limits
}

// Options carry the collaborators of a Manager. Only Store is required.
type Options struct {
	Store        store.Store
	Notifier     notify.Notifier
	Uploader     upload.Uploader
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
	Checkpointer overseer.Checkpointer
	// Cgroups applies Config.Limits to the tools of each job when set
	Cgroups *cgroups.Manager

	// Runner replaces the per-job process runner, mostly for tests
	Runner tool.Runner
	Merger converter.Merger
}

// SubmitResult tells the caller whether a new job was created
type SubmitResult struct {
	Job          *models.Job
	Deduplicated bool
}

type entry struct {
	id      string
	job     *overseer.Job
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	// canceled is set by Cancel so the job ends as canceled rather than failed
	canceled bool
}

// Manager runs conversion jobs with bounded concurrency
type Manager struct {
	cfg    Config
	opts   Options
	logger *logging.Logger

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	live    map[string]*entry
	closing bool
	now     func() time.Time
}

// NewManager creates a job manager
func NewManager(cfg Config, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("jobs: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = defaultMaxQueued
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "overseer")
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.Component("jobs"),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[string]*entry),
		now:    time.Now,
	}, nil
}

// Recover fails jobs that a previous process left queued or running
func (m *Manager) Recover() (int, error) {
	recovered := 0
	for _, state := range []models.JobState{models.JobStateQueued, models.JobStateRunning} {
		jobs, err := m.opts.Store.ListJobs(state)
		if err != nil {
			return recovered, fmt.Errorf("failed to list %s jobs: %w", state, err)
		}
		for _, job := range jobs {
			m.mu.Lock()
			_, live := m.live[job.ID]
			m.mu.Unlock()
			if live {
				continue
			}
			job.Error = "interrupted by restart"
			if err := job.TransitionTo(models.JobStateFailed, "recovered after restart", m.now()); err != nil {
				continue
			}
			if err := m.opts.Store.UpdateJob(job); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	if recovered > 0 {
		m.logger.Warn("marked interrupted jobs as failed", logging.Fields{"count": recovered})
	}
	return recovered, nil
}

// Submit validates path and schedules a conversion for it
func (m *Manager) Submit(ctx context.Context, path string) (res SubmitResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "jobs.submit", attribute.String("input", path))
	defer func() { tracing.EndSpan(span, err) }()

	if path == "" {
		return res, fmt.Errorf("%w: path is required", ErrInvalidInput)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !info.Mode().IsRegular() {
		return res, fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, abs)
	}

	key, err := contenthash.Key(abs)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if m.cfg.Dedup {
		if prev, err := m.opts.Store.FindCompletedByKey(key); err == nil {
			m.logger.Info("identical input already converted", logging.Fields{"job_id": prev.ID, "content_key": key})
			return SubmitResult{Job: prev, Deduplicated: true}, nil
		}
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return res, ErrShuttingDown
	}
	if m.queuedLocked() >= m.cfg.MaxQueued {
		m.mu.Unlock()
		return res, ErrQueueFull
	}

	id := uuid.NewString()
	st := models.NewJobStatus()
	job := &models.Job{
		ID:         id,
		InputPath:  abs,
		ContentKey: key,
		State:      models.JobStateQueued,
		WorkDir:    filepath.Join(m.cfg.WorkRoot, id),
		Status:     &st,
		CreatedAt:  m.now(),
	}
	if err := m.opts.Store.CreateJob(job); err != nil {
		m.mu.Unlock()
		return res, fmt.Errorf("failed to persist job: %w", err)
	}
	// the run goroutine owns job from here on
	submitted := *job

	jobCtx, cancel := context.WithCancel(m.ctx)
	e := &entry{id: id, cancel: cancel, done: make(chan struct{})}
	m.live[id] = e
	m.updateGaugesLocked()

	m.wg.Add(1)
	go m.run(jobCtx, e, job)
	m.mu.Unlock()

	m.logger.Info("job submitted", logging.Fields{"job_id": id, "input": abs, "content_key": contenthash.ShortKey(key)})
	return SubmitResult{Job: &submitted}, nil
}

// run waits for a slot, drives the pipeline and records the outcome
func (m *Manager) run(ctx context.Context, e *entry, job *models.Job) {
	defer m.wg.Done()
	defer close(e.done)
	defer func() {
		m.mu.Lock()
		delete(m.live, e.id)
		m.updateGaugesLocked()
		m.mu.Unlock()
	}()

	logger := m.logger.WithField("job_id", job.ID)
	m.notify(job)

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.finish(job, nil, "", ctx.Err(), logger)
		return
	}
	defer func() { <-m.sem }()

	if err := os.MkdirAll(job.WorkDir, 0755); err != nil {
		m.finish(job, nil, "", fmt.Errorf("failed to create work dir: %w", err), logger)
		return
	}

	runner := m.opts.Runner
	var tracker *tool.Tracker
	if runner == nil {
		exec := tool.NewExecRunner(logger, m.opts.Metrics)
		exec.Timeout = m.cfg.ToolTimeout
		if group := m.createGroup(job.ID, logger); group != nil {
			exec.Group = group
			defer func() {
				if err := group.Delete(); err != nil {
					logger.Warn("failed to remove cgroup", logging.Fields{"path": group.Path, "error": err})
				}
			}()
		}
		runner, tracker = exec, exec.Tracker
	}

	convCfg := m.cfg.Converter
	convCfg.WorkDir = job.WorkDir
	oj := overseer.RunJob(job.InputPath, overseer.Options{
		Runner:        runner,
		Converter:     convCfg,
		Merger:        m.opts.Merger,
		Logger:        logger,
		Metrics:       m.opts.Metrics,
		RequestQueue:  m.cfg.RequestQueue,
		Tracker:       tracker,
		Checkpointer:  m.opts.Checkpointer,
		CheckpointKey: job.ContentKey,
	})

	if err := job.TransitionTo(models.JobStateRunning, "slot acquired", m.now()); err != nil {
		logger.Error("invalid transition", logging.Fields{"error": err})
		return
	}
	m.mu.Lock()
	e.job, e.running = oj, true
	m.updateGaugesLocked()
	m.mu.Unlock()
	m.persist(job, logger)
	m.notify(job)

	output, err := oj.Run(ctx)
	final, ok := oj.Final()
	var snapshot *models.JobStatus
	if ok {
		snapshot = &final
	}
	m.finish(job, snapshot, output, err, logger)
}

// createGroup returns nil when no limits are configured or the group cannot be made
func (m *Manager) createGroup(jobID string, logger *logging.Logger) *cgroups.Group {
	if m.opts.Cgroups == nil || m.cfg.Limits.Empty() {
		return nil
	}
	group, err := m.opts.Cgroups.Create(jobID, m.cfg.Limits)
	if err != nil {
		logger.Warn("running without resource limits", logging.Fields{"error": err})
		return nil
	}
	return group
}

// finish moves the job to its terminal state and publishes the result
func (m *Manager) finish(job *models.Job, final *models.JobStatus, output string, runErr error, logger *logging.Logger) {
	if final != nil {
		job.Status = final
	}

	m.mu.Lock()
	e := m.live[job.ID]
	canceled := e != nil && e.canceled
	shutting := m.closing
	m.mu.Unlock()

	state := models.JobStateCompleted
	reason := "pipeline finished"
	switch {
	case runErr == nil:
		job.OutputPath = output
		if m.opts.Uploader != nil {
			url, err := m.opts.Uploader.Upload(m.ctx, job.ID, output)
			if err != nil {
				logger.Warn("upload failed", logging.Fields{"error": err})
				job.Error = "upload failed: " + err.Error()
			} else {
				job.OutputURL = url
			}
		}
	case errors.Is(runErr, context.Canceled) && (canceled || shutting):
		state = models.JobStateCanceled
		reason = "canceled"
		if shutting && !canceled {
			reason = "shutdown"
		}
		job.Error = reason
	default:
		state = models.JobStateFailed
		reason = "pipeline failed"
		job.Error = runErr.Error()
	}

	if err := job.TransitionTo(state, reason, m.now()); err != nil {
		logger.Error("invalid transition", logging.Fields{"error": err})
		return
	}
	m.persist(job, logger)
	m.notify(job)

	var d time.Duration
	if job.StartedAt != nil && job.CompletedAt != nil {
		d = job.CompletedAt.Sub(*job.StartedAt)
	}
	m.opts.Metrics.JobFinished(string(state), d)
	logger.Info("job "+string(state), logging.Fields{"output": job.OutputPath, "error": job.Error})
}

func (m *Manager) persist(job *models.Job, logger *logging.Logger) {
	if err := m.opts.Store.UpdateJob(job); err != nil {
		logger.Error("failed to persist job", logging.Fields{"error": err})
	}
}

func (m *Manager) notify(job *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.opts.Notifier.Notify(ctx, notify.FromJob(job)); err != nil {
		m.logger.Warn("failed to publish notification", logging.Fields{"job_id": job.ID, "error": err})
	}
}

// Status returns a live snapshot for running jobs and the stored snapshot otherwise
func (m *Manager) Status(ctx context.Context, id string) (models.StatusResponse, error) {
	m.mu.Lock()
	e, ok := m.live[id]
	var oj *overseer.Job
	if ok && e.running {
		oj = e.job
	}
	m.mu.Unlock()

	if oj != nil {
		st, err := oj.Status(ctx)
		switch {
		case err == nil:
			return models.StatusResponse{JobID: id, State: models.JobStateRunning, Live: true, Status: st}, nil
		case errors.Is(err, overseer.ErrNoResponse):
			// finished while asking; wait for the record to be written
			select {
			case <-e.done:
			case <-ctx.Done():
				return models.StatusResponse{}, ctx.Err()
			}
		default:
			return models.StatusResponse{}, err
		}
	}

	job, err := m.opts.Store.GetJob(id)
	if err != nil {
		return models.StatusResponse{}, err
	}
	resp := models.StatusResponse{JobID: id, State: job.State}
	if job.Status != nil {
		resp.Status = *job.Status
	} else {
		resp.Status = models.NewJobStatus()
	}
	return resp, nil
}

// Cancel stops a queued or running job
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	e, ok := m.live[id]
	if ok {
		e.canceled = true
		e.cancel()
	}
	m.mu.Unlock()
	if ok {
		m.logger.Info("job cancel requested", logging.Fields{"job_id": id})
		return nil
	}

	job, err := m.opts.Store.GetJob(id)
	if err != nil {
		return err
	}
	if models.IsTerminalState(job.State) {
		return ErrJobFinished
	}
	return ErrNotRunning
}

// Checkpoint dumps the running tools of a job
func (m *Manager) Checkpoint(ctx context.Context, id string) ([]string, error) {
	m.mu.Lock()
	e, ok := m.live[id]
	var oj *overseer.Job
	if ok && e.running {
		oj = e.job
	}
	m.mu.Unlock()
	if oj == nil {
		if _, err := m.opts.Store.GetJob(id); err != nil {
			return nil, err
		}
		return nil, ErrNotRunning
	}
	return oj.Checkpoint(ctx)
}

// Get returns the stored record of a job
func (m *Manager) Get(id string) (*models.Job, error) {
	return m.opts.Store.GetJob(id)
}

// List returns stored jobs, optionally filtered by state
func (m *Manager) List(state models.JobState) ([]*models.Job, error) {
	return m.opts.Store.ListJobs(state)
}

// Wait blocks until the job leaves the manager and returns its final record
func (m *Manager) Wait(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	e, ok := m.live[id]
	m.mu.Unlock()
	if ok {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.opts.Store.GetJob(id)
}

// Counts returns the number of running and queued jobs
func (m *Manager) Counts() (running, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsLocked()
}

func (m *Manager) countsLocked() (running, queued int) {
	for _, e := range m.live {
		if e.running {
			running++
		} else {
			queued++
		}
	}
	return running, queued
}

func (m *Manager) queuedLocked() int {
	_, q := m.countsLocked()
	return q
}

func (m *Manager) updateGaugesLocked() {
	running, queued := m.countsLocked()
	m.opts.Metrics.SetJobs(running, queued)
}

// HealthCheck reports whether the store is reachable
func (m *Manager) HealthCheck() error {
	return m.opts.Store.HealthCheck()
}

// Shutdown cancels every job and waits for them to record their state
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("all jobs stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}
