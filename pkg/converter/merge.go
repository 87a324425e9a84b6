package converter

import (
	"context"
	"errors"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/tool"
	"github.com/psantana5/media-overseer/pkg/tracing"
)

// Merger combines the encoded audio tracks and video into the final artifact.
// It is only called after both the audio and the video stage succeeded.
type Merger interface {
	Merge(ctx context.Context, audio []string, video string) (string, error)
}

// MergerFunc adapts a function to Merger
type MergerFunc func(ctx context.Context, audio []string, video string) (string, error)

func (f MergerFunc) Merge(ctx context.Context, audio []string, video string) (string, error) {
	return f(ctx, audio, video)
}

// RemuxMerger stream-copies the video and every audio track into one WebM
// container with ffmpeg. No re-encoding takes place.
type RemuxMerger struct {
	runner tool.Runner
	cfg    Config
	logger *logging.Logger
}

// NewRemuxMerger creates the default merger
func NewRemuxMerger(runner tool.Runner, cfg Config, logger *logging.Logger) *RemuxMerger {
	if logger == nil {
		logger = logging.Nop()
	}
	return &RemuxMerger{runner: runner, cfg: cfg.withDefaults(), logger: logger.Component("merge")}
}

// Merge writes merged.webm next to the stage outputs
func (m *RemuxMerger) Merge(ctx context.Context, audio []string, video string) (output string, err error) {
	ctx, span := tracing.StartSpan(ctx, "stage.merge",
		attribute.String("video", video),
		attribute.Int("audio.tracks", len(audio)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	if video == "" {
		return "", stageErr(StageMerge, "", errors.New("no video input"))
	}

	output = filepath.Join(m.cfg.WorkDir, mergedName)
	if _, err := runTool(ctx, m.runner, tool.Invocation{
		Name: m.cfg.FFmpegPath,
		Args: remuxArgs(video, audio, output),
	}); err != nil {
		return "", stageErr(StageMerge, "remux", err)
	}

	m.logger.Info("merge finished", logging.Fields{"output": output, "audio_tracks": len(audio)})
	return output, nil
}
