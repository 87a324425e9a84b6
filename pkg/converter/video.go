package converter

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/tool"
	"github.com/psantana5/media-overseer/pkg/tracing"
)

// crf bounds accepted by libaom-av1
const (
	MinQuality = 0
	MaxQuality = 63
)

// Quality maps a frame size to a crf: larger frames get a lower (better) crf.
func Quality(d models.VideoDimensions) int {
	q := math.Round(-0.0084*math.Sqrt(float64(d.Pixels())) + 40.22287)
	return int(math.Max(MinQuality, math.Min(MaxQuality, q)))
}

// VideoStage probes and two-pass encodes the first video stream of an input
type VideoStage struct {
	runner tool.Runner
	cfg    Config
	logger *logging.Logger
}

// NewVideoStage creates a video stage
func NewVideoStage(runner tool.Runner, cfg Config, logger *logging.Logger) *VideoStage {
	if logger == nil {
		logger = logging.Nop()
	}
	return &VideoStage{runner: runner, cfg: cfg.withDefaults(), logger: logger.Component("video")}
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
}

// DetermineVideoDimensions returns the size of the first video stream, or nil
// when ffprobe output has no usable stream.
func (s *VideoStage) DetermineVideoDimensions(ctx context.Context, path string) (*models.VideoDimensions, error) {
	res, err := runTool(ctx, s.runner, tool.Invocation{
		Name: s.cfg.FFprobePath,
		Args: videoProbeArgs(path),
	})
	if err != nil {
		return nil, err
	}

	var out probeOutput
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		s.logger.Debug("ffprobe output not parseable", logging.Fields{"input": path, "error": err.Error()})
		return nil, nil
	}
	if len(out.Streams) == 0 || out.Streams[0].Width <= 0 || out.Streams[0].Height <= 0 {
		return nil, nil
	}
	return &models.VideoDimensions{Width: out.Streams[0].Width, Height: out.Streams[0].Height}, nil
}

// ConvertVideo runs the video stage. Probing and the first pass run
// concurrently; the second pass starts once both are done. Any failure
// cancels the sibling task and kills its tool.
func (s *VideoStage) ConvertVideo(ctx context.Context, path string, pub Publisher) (output string, err error) {
	pub = publisherOrDiscard(pub)
	ctx, span := tracing.StartSpan(ctx, "stage.video", attribute.String("input", path))
	defer func() { tracing.EndSpan(span, err) }()

	var quality int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dims, err := s.DetermineVideoDimensions(gctx, path)
		if err != nil {
			return stageErr(StageVideo, "probe", err)
		}
		if dims == nil {
			return stageErr(StageVideo, "probe", ErrNoVideoStream)
		}
		pub.Publish(models.VideoDimensionsReady{Dimensions: *dims})

		quality = Quality(*dims)
		pub.Publish(models.QualityDetermined{Quality: quality})
		s.logger.Info("video quality determined", logging.Fields{"dimensions": dims.String(), "crf": quality})
		return nil
	})
	g.Go(func() error {
		_, err := runTool(gctx, s.runner, tool.Invocation{
			Name: s.cfg.FFmpegPath,
			Args: firstPassArgs(path, s.cfg.WorkDir),
		})
		if err != nil {
			return stageErr(StageVideo, "first pass", err)
		}
		pub.Publish(models.VideoFirstPassFinished{})
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	progressLog := filepath.Join(s.cfg.WorkDir, progressLogName)
	output = filepath.Join(s.cfg.WorkDir, videoOutputName)
	pub.Publish(models.VideoSecondPassProgress{LogPath: progressLog})

	_, err = runTool(ctx, s.runner, tool.Invocation{
		Name: s.cfg.FFmpegPath,
		Args: secondPassArgs(path, s.cfg.WorkDir, quality, progressLog, output),
	})
	if err != nil {
		return "", stageErr(StageVideo, "second pass", err)
	}
	pub.Publish(models.VideoFinished{})

	s.logger.Info("video stage finished", logging.Fields{"input": path, "output": output})
	return output, nil
}

// IsNoVideoStream reports whether err means the input had nothing to encode
func IsNoVideoStream(err error) bool {
	return errors.Is(err, ErrNoVideoStream)
}
