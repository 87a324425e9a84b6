package overseer

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/metrics"
	"github.com/psantana5/media-overseer/pkg/models"
)

// ErrNoResponse is returned to a status requester when the job finished
// before its request was answered.
var ErrNoResponse = errors.New("job finished before answering status request")

// ServiceState is the lifecycle state of a StatusService
type ServiceState int32

const (
	ServiceRunning  ServiceState = iota // Consuming events and requests
	ServiceDraining                     // Event source closed, still answering requests
	ServiceStopped                      // Request source closed or service canceled
)

func (s ServiceState) String() string {
	switch s {
	case ServiceRunning:
		return "running"
	case ServiceDraining:
		return "draining"
	case ServiceStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StatusRequest asks the service for a snapshot. Reply must have room for
// exactly one value; the service never blocks on it.
type StatusRequest struct {
	Reply chan<- models.JobStatus
}

// NewStatusRequest returns a request and the channel its answer arrives on
func NewStatusRequest() (StatusRequest, <-chan models.JobStatus) {
	reply := make(chan models.JobStatus, 1)
	return StatusRequest{Reply: reply}, reply
}

// StatusService owns a job's StateMachine. It applies stage events and
// answers status requests, always preferring pending events so a reply
// reflects every event sent before the request.
type StatusService struct {
	events   <-chan models.StageEvent
	requests <-chan StatusRequest
	machine  *StateMachine
	state    atomic.Int32
	stopped  chan struct{}
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewStatusService creates a service reading from events and requests
func NewStatusService(events <-chan models.StageEvent, requests <-chan StatusRequest, logger *logging.Logger, m *metrics.Metrics) *StatusService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &StatusService{
		events:   events,
		requests: requests,
		machine:  NewStateMachine(),
		stopped:  make(chan struct{}),
		logger:   logger.Component("status"),
		metrics:  m,
	}
}

// State returns the current lifecycle state
func (s *StatusService) State() ServiceState {
	return ServiceState(s.state.Load())
}

// Stopped is closed once Run has returned
func (s *StatusService) Stopped() <-chan struct{} {
	return s.stopped
}

// Run serves until ctx is canceled or the request source closes, and
// returns the final state. Events already buffered are applied before
// returning; requests still queued when ctx is canceled are never answered.
func (s *StatusService) Run(ctx context.Context) models.JobStatus {
	defer close(s.stopped)
	defer s.state.Store(int32(ServiceStopped))

	events := s.events
	for {
		if ctx.Err() != nil {
			return s.final(events)
		}
		events = s.drain(events)

		select {
		case <-ctx.Done():
			return s.final(events)
		case ev, ok := <-events:
			if !ok {
				events = s.closeEvents()
				continue
			}
			s.apply(ev)
		case req, ok := <-s.requests:
			if !ok {
				s.logger.Debug("request source closed")
				return s.final(events)
			}
			events = s.drain(events)
			s.answer(req)
		}
	}
}

// drain applies every event that is ready without blocking. It returns nil
// once the event source is closed.
func (s *StatusService) drain(events <-chan models.StageEvent) <-chan models.StageEvent {
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				return s.closeEvents()
			}
			s.apply(ev)
		default:
			return events
		}
	}
	return nil
}

// final applies the events already buffered and returns the last snapshot
func (s *StatusService) final(events <-chan models.StageEvent) models.JobStatus {
	s.drain(events)
	return s.machine.Snapshot()
}

func (s *StatusService) closeEvents() <-chan models.StageEvent {
	s.state.Store(int32(ServiceDraining))
	s.logger.Debug("event source closed, draining")
	return nil
}

func (s *StatusService) apply(ev models.StageEvent) {
	if err := s.machine.Apply(ev); err != nil {
		s.metrics.Event(string(ev.Kind()), "rejected")
		s.logger.Warn("stage event rejected", logging.Fields{"event": models.DescribeEvent(ev), "error": err})
		return
	}
	s.metrics.Event(string(ev.Kind()), "applied")
	s.logger.Debug("stage event applied", logging.Fields{"event": models.DescribeEvent(ev)})
}

func (s *StatusService) answer(req StatusRequest) {
	if req.Reply == nil {
		return
	}
	select {
	case req.Reply <- s.machine.Snapshot():
		s.metrics.StatusRequest(true)
	default:
		// requester supplied a full or unbuffered channel and is not waiting
		s.logger.Debug("status reply dropped")
	}
}
