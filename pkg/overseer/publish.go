package overseer

import (
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/metrics"
	"github.com/psantana5/media-overseer/pkg/models"
)

// bestEffortPublisher forwards stage events to the status service.
// Once the service has stopped, events are dropped and counted instead of
// blocking or failing the stage that produced them.
type bestEffortPublisher struct {
	events  chan<- models.StageEvent
	stopped <-chan struct{}
	observe func(models.StageEvent)
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func (p *bestEffortPublisher) Publish(ev models.StageEvent) {
	// a buffer with room would otherwise win the select half the time
	select {
	case <-p.stopped:
		p.drop(ev)
		return
	default:
	}

	select {
	case p.events <- ev:
		if p.observe != nil {
			p.observe(ev)
		}
	case <-p.stopped:
		p.drop(ev)
	}
}

func (p *bestEffortPublisher) drop(ev models.StageEvent) {
	p.metrics.Event(string(ev.Kind()), "dropped")
	p.logger.Debug("stage event dropped, status service stopped", logging.Fields{"event": string(ev.Kind())})
}
