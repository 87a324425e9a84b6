package overseer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/media-overseer/pkg/converter"
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/metrics"
	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/tool"
	"github.com/psantana5/media-overseer/pkg/tracing"
)

// Defaults for Options
const (
	DefaultRequestQueue = 64
	DefaultEventBuffer  = 16
)

var (
	// ErrAlreadyStarted is returned by a second call to Job.Run
	ErrAlreadyStarted = errors.New("job already started")
	// ErrPrivilegedUnavailable is returned when no checkpoint capability was injected
	ErrPrivilegedUnavailable = errors.New("checkpointing not available")
	// ErrNothingRunning is returned by Checkpoint when no tool is running
	ErrNothingRunning = errors.New("no running tool to checkpoint")
)

// Checkpointer dumps a running process tree under a key and returns the image directory
type Checkpointer interface {
	Dump(ctx context.Context, pid int, key string) (string, error)
}

// Options configure a job
type Options struct {
	Runner    tool.Runner
	Converter converter.Config
	Merger    converter.Merger // defaults to a RemuxMerger
	Logger    *logging.Logger
	Metrics   *metrics.Metrics

	RequestQueue int // capacity of the status request queue
	EventBuffer  int // capacity of the stage event channel

	// OnEvent observes every delivered stage event. It runs on the stage's
	// goroutine and must not block.
	OnEvent func(models.StageEvent)

	Tracker       *tool.Tracker // children to checkpoint
	Checkpointer  Checkpointer
	CheckpointKey string
}

// Job is one conversion: audio and video stages run concurrently, their
// outputs are merged, and a status service answers snapshot requests for
// as long as the pipeline runs.
type Job struct {
	path     string
	opts     Options
	logger   *logging.Logger
	events   chan models.StageEvent
	requests chan StatusRequest
	done     chan struct{}
	started  atomic.Bool

	mu       sync.Mutex
	final    models.JobStatus
	finished bool
}

// RunJob prepares a job for path. Nothing runs until Run is called, but
// status requests may already be queued.
func RunJob(path string, opts Options) *Job {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Runner == nil {
		runner := tool.NewExecRunner(opts.Logger, opts.Metrics)
		if opts.Tracker != nil {
			runner.Tracker = opts.Tracker
		}
		opts.Tracker = runner.Tracker
		opts.Runner = runner
	}
	if opts.Merger == nil {
		opts.Merger = converter.NewRemuxMerger(opts.Runner, opts.Converter, opts.Logger)
	}
	if opts.RequestQueue <= 0 {
		opts.RequestQueue = DefaultRequestQueue
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	return &Job{
		path:     path,
		opts:     opts,
		logger:   opts.Logger.Component("job").WithField("input", path),
		events:   make(chan models.StageEvent, opts.EventBuffer),
		requests: make(chan StatusRequest, opts.RequestQueue),
		done:     make(chan struct{}),
	}
}

// Run executes the pipeline and returns the merged output path. The status
// service runs alongside and is canceled when the pipeline returns, whether
// it succeeded or not.
func (j *Job) Run(ctx context.Context) (output string, err error) {
	if !j.started.CompareAndSwap(false, true) {
		return "", ErrAlreadyStarted
	}

	ctx, span := tracing.StartSpan(ctx, "job.run", attribute.String("input", j.path))
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	service := NewStatusService(j.events, j.requests, j.opts.Logger, j.opts.Metrics)
	serviceCtx, stopService := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		final := service.Run(serviceCtx)
		j.mu.Lock()
		j.final, j.finished = final, true
		j.mu.Unlock()
	}()
	defer func() {
		stopService()
		wg.Wait()
		close(j.done)
		fields := logging.Fields{"duration": time.Since(start).String()}
		if err != nil {
			fields["error"] = err
			j.logger.Error("job failed", fields)
			return
		}
		fields["output"] = output
		j.logger.Info("job finished", fields)
	}()

	pub := &bestEffortPublisher{
		events:  j.events,
		stopped: service.Stopped(),
		observe: j.opts.OnEvent,
		logger:  j.logger,
		metrics: j.opts.Metrics,
	}
	audioStage := converter.NewAudioStage(j.opts.Runner, j.opts.Converter, j.opts.Logger)
	videoStage := converter.NewVideoStage(j.opts.Runner, j.opts.Converter, j.opts.Logger)

	var audio []string
	var video string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		audio, err = audioStage.ConvertAudio(gctx, j.path, pub)
		return err
	})
	g.Go(func() error {
		var err error
		video, err = videoStage.ConvertVideo(gctx, j.path, pub)
		return err
	})
	err = g.Wait()
	close(j.events)
	if err != nil {
		return "", err
	}

	output, err = j.opts.Merger.Merge(ctx, audio, video)
	if err != nil {
		return "", fmt.Errorf("merge: %w", err)
	}
	return output, nil
}

// Requests is the endpoint status requests are sent to
func (j *Job) Requests() chan<- StatusRequest {
	return j.requests
}

// Done is closed once Run has returned and the status service has stopped
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Status asks the status service for a snapshot. It returns ErrNoResponse
// when the job finishes first.
func (j *Job) Status(ctx context.Context) (models.JobStatus, error) {
	req, reply := NewStatusRequest()
	select {
	case j.requests <- req:
	case <-j.done:
		j.opts.Metrics.StatusRequest(false)
		return models.JobStatus{}, ErrNoResponse
	case <-ctx.Done():
		return models.JobStatus{}, ctx.Err()
	}

	select {
	case st := <-reply:
		return st, nil
	case <-j.done:
		select {
		case st := <-reply:
			return st, nil
		default:
			j.opts.Metrics.StatusRequest(false)
			return models.JobStatus{}, ErrNoResponse
		}
	case <-ctx.Done():
		return models.JobStatus{}, ctx.Err()
	}
}

// Final returns the state the status service held when it stopped
func (j *Job) Final() (models.JobStatus, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.final.Clone(), j.finished
}

// Checkpoint dumps every tool the job is currently running. Whether the
// tools keep running afterwards is up to the Checkpointer.
func (j *Job) Checkpoint(ctx context.Context) ([]string, error) {
	if j.opts.Checkpointer == nil || j.opts.Tracker == nil {
		return nil, ErrPrivilegedUnavailable
	}
	procs := j.opts.Tracker.Active()
	if len(procs) == 0 {
		return nil, ErrNothingRunning
	}

	dirs := make([]string, 0, len(procs))
	for _, p := range procs {
		key := fmt.Sprintf("%s-%s-%d", j.opts.CheckpointKey, p.Tool, p.PID)
		dir, err := j.opts.Checkpointer.Dump(ctx, p.PID, key)
		if err != nil {
			return dirs, fmt.Errorf("checkpoint %s (pid %d): %w", p.Tool, p.PID, err)
		}
		j.logger.Info("tool checkpointed", logging.Fields{"tool": p.Tool, "pid": p.PID, "dir": dir})
		dirs = append(dirs, dir)
	}
	return dirs, nil
}
