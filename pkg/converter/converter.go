// Package converter runs the audio, video and merge stages of a conversion job
// by driving ffmpeg and ffprobe through a tool.Runner.
package converter

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/tool"
)

// DefaultTargetLoudness is the integrated loudness (LUFS) audio is normalized to
const DefaultTargetLoudness = -18.0

var (
	// ErrParse is returned when tool output cannot be interpreted
	ErrParse = errors.New("parse failure")
	// ErrNoVideoStream is returned when the input has no probe-able video stream
	ErrNoVideoStream = errors.New("no video stream")
)

// Config holds tool locations and the output directory for one job
type Config struct {
	FFmpegPath     string
	FFprobePath    string
	WorkDir        string
	TargetLoudness float64
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	if c.TargetLoudness == 0 {
		c.TargetLoudness = DefaultTargetLoudness
	}
	return c
}

// Publisher receives stage events. Publish must not block for long and must
// not fail the stage; delivery is best effort.
type Publisher interface {
	Publish(ev models.StageEvent)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ev models.StageEvent)

func (f PublisherFunc) Publish(ev models.StageEvent) { f(ev) }

type discard struct{}

func (discard) Publish(models.StageEvent) {}

func publisherOrDiscard(p Publisher) Publisher {
	if p == nil {
		return discard{}
	}
	return p
}

// Stage names used in errors, logs and spans
const (
	StageAudio = "audio"
	StageVideo = "video"
	StageMerge = "merge"
)

// StageError is a stage-aware error
type StageError struct {
	Stage string
	Step  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage (%s): %v", e.Stage, e.Step, e.Err)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage, step string, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Step: step, Err: err}
}

// runTool runs inv through r. Once ctx is done the context error is part of
// any failure, whatever the tool reported.
func runTool(ctx context.Context, r tool.Runner, inv tool.Invocation) (tool.Result, error) {
	res, err := r.Run(ctx, inv)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return res, err
}
