package overseer

import (
	"fmt"

	"github.com/psantana5/media-overseer/pkg/models"
)

// StateMachine folds stage events into a JobStatus.
//
// Side data (constants, dimensions, quality, log path) is last-write-wins.
// Stage fields only move forward: an event that would regress a track is
// rejected with models.ErrStageRegression and the state is left untouched.
// Repeating the current stage is a no-op.
//
// A StateMachine is not safe for concurrent use; the status service owns it.
type StateMachine struct {
	status models.JobStatus
}

// NewStateMachine returns a machine in the initial state
func NewStateMachine() *StateMachine {
	return &StateMachine{status: models.NewJobStatus()}
}

// Apply updates the state with one event
func (m *StateMachine) Apply(ev models.StageEvent) error {
	switch e := ev.(type) {
	case models.AudioConstantsReady:
		m.status.AudioConstants = e.Constants
	case models.AudioFinished:
		return m.advance(models.TrackAudio, models.StageFinished)
	case models.VideoDimensionsReady:
		d := e.Dimensions
		m.status.Dimensions = &d
	case models.QualityDetermined:
		q := e.Quality
		m.status.Quality = &q
	case models.VideoFirstPassFinished:
		return m.advance(models.TrackVideo, models.StageSecondPass)
	case models.VideoFinished:
		return m.advance(models.TrackVideo, models.StageFinished)
	case models.VideoSecondPassProgress:
		m.status.VideoLogPath = e.LogPath
	default:
		return fmt.Errorf("unknown stage event %T", ev)
	}
	return nil
}

func (m *StateMachine) advance(track models.TrackType, to models.StageProgress) error {
	field := &m.status.Video
	if track == models.TrackAudio {
		field = &m.status.Audio
	}
	if *field == to {
		return nil
	}
	if err := models.ValidateStageTransition(*field, to); err != nil {
		return fmt.Errorf("%s track: %w", track, err)
	}
	*field = to
	return nil
}

// Snapshot returns an independent copy of the current state
func (m *StateMachine) Snapshot() models.JobStatus {
	return m.status.Clone()
}
