package overseer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-overseer/pkg/models"
)

type serviceHarness struct {
	events   chan models.StageEvent
	requests chan StatusRequest
	service  *StatusService
	cancel   context.CancelFunc
	final    chan models.JobStatus
}

func startService(t *testing.T) *serviceHarness {
	t.Helper()
	h := &serviceHarness{
		events:   make(chan models.StageEvent, 16),
		requests: make(chan StatusRequest, 16),
		final:    make(chan models.JobStatus, 1),
	}
	h.service = NewStatusService(h.events, h.requests, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.final <- h.service.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *serviceHarness) ask(t *testing.T) models.JobStatus {
	t.Helper()
	req, reply := NewStatusRequest()
	h.requests <- req
	select {
	case st := <-reply:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("no status reply")
		return models.JobStatus{}
	}
}

func TestEventBeforeRequestIsReflected(t *testing.T) {
	h := startService(t)

	h.events <- models.VideoDimensionsReady{Dimensions: models.VideoDimensions{Width: 1280, Height: 720}}
	h.events <- models.QualityDetermined{Quality: 31}
	st := h.ask(t)

	require.NotNil(t, st.Dimensions)
	assert.Equal(t, 1280, st.Dimensions.Width)
	require.NotNil(t, st.Quality)
	assert.Equal(t, 31, *st.Quality)
}

func TestInterleavedEventsAndRequests(t *testing.T) {
	h := startService(t)
	sequence := []models.StageEvent{
		models.AudioConstantsReady{Constants: make([]models.AudioConstants, 2)},
		models.VideoDimensionsReady{Dimensions: models.VideoDimensions{Width: 1920, Height: 1080}},
		models.QualityDetermined{Quality: 28},
		models.VideoFirstPassFinished{},
		models.VideoSecondPassProgress{LogPath: "/w/video_progress.log"},
		models.AudioFinished{},
		models.VideoFinished{},
	}

	machine := NewStateMachine()
	for _, ev := range sequence {
		h.events <- ev
		require.NoError(t, machine.Apply(ev))
		assert.Equal(t, machine.Snapshot(), h.ask(t), "after %s", ev.Kind())
	}
}

func TestDrainingStillAnswers(t *testing.T) {
	h := startService(t)
	h.events <- models.AudioFinished{}
	close(h.events)

	st := h.ask(t)
	assert.Equal(t, models.StageFinished, st.Audio)
	assert.Eventually(t, func() bool { return h.service.State() == ServiceDraining }, time.Second, 5*time.Millisecond)

	st = h.ask(t)
	assert.Equal(t, models.StageFinished, st.Audio)
}

func TestCancelLeavesPendingRequestsUnanswered(t *testing.T) {
	events := make(chan models.StageEvent)
	requests := make(chan StatusRequest, 4)
	service := NewStatusService(events, requests, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, reply := NewStatusRequest()
	requests <- req
	final := service.Run(ctx)

	assert.Equal(t, models.NewJobStatus(), final)
	assert.Equal(t, ServiceStopped, service.State())
	select {
	case <-service.Stopped():
	default:
		t.Fatal("Stopped not closed")
	}
	select {
	case <-reply:
		t.Fatal("canceled service answered a request")
	default:
	}
}

func TestCancelAppliesBufferedEvents(t *testing.T) {
	events := make(chan models.StageEvent, 8)
	requests := make(chan StatusRequest)
	service := NewStatusService(events, requests, nil, nil)

	events <- models.AudioConstantsReady{Constants: []models.AudioConstants{{InputI: -23}}}
	events <- models.AudioFinished{}
	events <- models.QualityDetermined{Quality: 28}
	events <- models.VideoFirstPassFinished{}
	events <- models.VideoFinished{}
	close(events)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	final := service.Run(ctx)

	assert.True(t, final.Finished())
	require.NotNil(t, final.Quality)
	assert.Equal(t, 28, *final.Quality)
	assert.Len(t, final.AudioConstants, 1)
}

func TestCancelWhileRunningAppliesBufferedEvents(t *testing.T) {
	h := startService(t)
	// the service may still be blocked in select when these land
	h.events <- models.VideoFirstPassFinished{}
	h.events <- models.VideoFinished{}
	close(h.events)
	h.cancel()

	select {
	case final := <-h.final:
		assert.Equal(t, models.StageFinished, final.Video)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestRequestSourceCloseStops(t *testing.T) {
	h := startService(t)
	h.events <- models.VideoFirstPassFinished{}
	close(h.requests)

	select {
	case final := <-h.final:
		assert.Equal(t, models.StageSecondPass, final.Video)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, ServiceStopped, h.service.State())
}

func TestRejectedEventKeepsServing(t *testing.T) {
	h := startService(t)
	h.events <- models.VideoFinished{}
	h.events <- models.VideoFirstPassFinished{}

	st := h.ask(t)
	assert.Equal(t, models.StageFinished, st.Video)
}

func TestNilReplyIsIgnored(t *testing.T) {
	h := startService(t)
	h.requests <- StatusRequest{}
	assert.Equal(t, models.StageFirstPass, h.ask(t).Audio)
}

func TestServiceStateString(t *testing.T) {
	assert.Equal(t, "running", ServiceRunning.String())
	assert.Equal(t, "draining", ServiceDraining.String())
	assert.Equal(t, "stopped", ServiceStopped.String())
}
