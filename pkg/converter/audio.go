package converter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/tool"
	"github.com/psantana5/media-overseer/pkg/tracing"
)

// loudnormSummaryLines is the size of the JSON block loudnorm prints at the end of stderr
const loudnormSummaryLines = 12

// AudioStage measures and normalizes every audio track of an input
type AudioStage struct {
	runner tool.Runner
	cfg    Config
	logger *logging.Logger
}

// NewAudioStage creates an audio stage
func NewAudioStage(runner tool.Runner, cfg Config, logger *logging.Logger) *AudioStage {
	if logger == nil {
		logger = logging.Nop()
	}
	return &AudioStage{runner: runner, cfg: cfg.withDefaults(), logger: logger.Component("audio")}
}

// DetermineAudioConstants probes audio tracks 0, 1, 2, ... until one cannot be
// measured, returning one entry per track in index order. Running out of
// tracks is not an error; a missing ffmpeg or a canceled context is.
func (s *AudioStage) DetermineAudioConstants(ctx context.Context, path string) ([]models.AudioConstants, error) {
	var constants []models.AudioConstants
	for index := 0; ; index++ {
		res, err := runTool(ctx, s.runner, tool.Invocation{
			Name: s.cfg.FFmpegPath,
			Args: audioProbeArgs(path, index),
		})
		if err != nil {
			if probeFatal(ctx, err) {
				return nil, err
			}
			s.logger.Debug("audio probe stopped", logging.Fields{"index": index, "reason": err.Error()})
			break
		}

		c, err := ParseLoudnormOutput(res.Stderr)
		if err != nil {
			s.logger.Debug("audio probe output not parseable, assuming no more tracks", logging.Fields{"index": index})
			break
		}
		constants = append(constants, c)
	}

	s.logger.Info("audio tracks measured", logging.Fields{"input": path, "tracks": len(constants)})
	return constants, nil
}

// probeFatal classifies a probe error: a plain non-zero exit ends enumeration,
// anything else aborts the stage.
func probeFatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, tool.ErrToolNotFound) {
		return true
	}
	var exitErr *tool.ExitError
	return !errors.As(err, &exitErr) || exitErr.Reason.IsPlatformIssue()
}

// ParseLoudnormOutput extracts the measurements from the last lines of a
// loudnorm first-pass stderr.
func ParseLoudnormOutput(stderr []byte) (models.AudioConstants, error) {
	var c models.AudioConstants
	tail := strings.Join(tool.LastLines(stderr, loudnormSummaryLines), "")
	if tail == "" {
		return c, fmt.Errorf("%w: empty loudnorm output", ErrParse)
	}
	if err := json.Unmarshal([]byte(tail), &c); err != nil {
		return c, fmt.Errorf("%w: loudnorm output: %v", ErrParse, err)
	}
	return c, nil
}

// ConvertAudioTracks normalizes and encodes each measured track to Opus,
// one after another. Output paths are returned in track order.
func (s *AudioStage) ConvertAudioTracks(ctx context.Context, constants []models.AudioConstants, path string, target float64) ([]string, error) {
	outputs := make([]string, 0, len(constants))
	for index, c := range constants {
		output := filepath.Join(s.cfg.WorkDir, audioOutputName(index))
		_, err := runTool(ctx, s.runner, tool.Invocation{
			Name: s.cfg.FFmpegPath,
			Args: audioEncodeArgs(path, index, c, target, output),
		})
		if err != nil {
			return nil, stageErr(StageAudio, fmt.Sprintf("encode track %d", index), err)
		}
		s.logger.Debug("audio track encoded", logging.Fields{"index": index, "output": output})
		outputs = append(outputs, output)
	}
	return outputs, nil
}

// ConvertAudio runs the whole audio stage, publishing AudioConstantsReady
// after measuring and AudioFinished after encoding.
func (s *AudioStage) ConvertAudio(ctx context.Context, path string, pub Publisher) (outputs []string, err error) {
	pub = publisherOrDiscard(pub)
	ctx, span := tracing.StartSpan(ctx, "stage.audio", attribute.String("input", path))
	defer func() { tracing.EndSpan(span, err) }()

	constants, err := s.DetermineAudioConstants(ctx, path)
	if err != nil {
		return nil, stageErr(StageAudio, "measure", err)
	}
	pub.Publish(models.AudioConstantsReady{Constants: constants})

	outputs, err = s.ConvertAudioTracks(ctx, constants, path, s.cfg.TargetLoudness)
	if err != nil {
		return nil, err
	}
	pub.Publish(models.AudioFinished{})

	span.SetAttributes(attribute.Int("audio.tracks", len(outputs)))
	s.logger.Info("audio stage finished", logging.Fields{"input": path, "tracks": len(outputs)})
	return outputs, nil
}
