package models

import (
	"errors"
	"fmt"
)

// StageProgress is the progress of one track type within a job
type StageProgress string

const (
	StageFirstPass  StageProgress = "first_pass"
	StageSecondPass StageProgress = "second_pass"
	StageFinished   StageProgress = "finished"
)

// TrackType identifies which half of the pipeline a stage event belongs to
type TrackType string

const (
	TrackAudio TrackType = "audio"
	TrackVideo TrackType = "video"
)

// ErrStageRegression is returned when an event would move a track backwards
var ErrStageRegression = errors.New("stage regression")

// validStageTransitions maps from-stage to allowed to-stages.
// The table is shared by both track types: progress only ever moves forward,
// and skipping the second pass is allowed (audio has no second pass event).
var validStageTransitions = map[StageProgress]map[StageProgress]bool{
	StageFirstPass: {
		StageSecondPass: true,
		StageFinished:   true,
	},
	StageSecondPass: {
		StageFinished: true,
	},
	StageFinished: {},
}

// ValidateStageTransition checks if moving a track from one stage to another is allowed
func ValidateStageTransition(from, to StageProgress) error {
	allowed, exists := validStageTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source stage: %s", from)
	}
	if _, known := validStageTransitions[to]; !known {
		return fmt.Errorf("unknown target stage: %s", to)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s to %s", ErrStageRegression, from, to)
	}
	return nil
}

// Rank orders stages; higher is further along
func (s StageProgress) Rank() int {
	switch s {
	case StageFirstPass:
		return 0
	case StageSecondPass:
		return 1
	case StageFinished:
		return 2
	default:
		return -1
	}
}

// IsFinished returns true if the track has completed
func (s StageProgress) IsFinished() bool {
	return s == StageFinished
}

func (s StageProgress) String() string {
	return string(s)
}
