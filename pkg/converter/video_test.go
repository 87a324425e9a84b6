package converter

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/tool"
)

func TestQuality(t *testing.T) {
	tests := []struct {
		name string
		dims models.VideoDimensions
		want int
	}{
		{"1080p", models.VideoDimensions{Width: 1920, Height: 1080}, 28},
		{"2160p", models.VideoDimensions{Width: 3840, Height: 2160}, 16},
		{"tiny", models.VideoDimensions{Width: 16, Height: 16}, 40},
		{"8K clamps to zero", models.VideoDimensions{Width: 7680, Height: 4320}, 0},
		{"empty frame", models.VideoDimensions{}, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Quality(tt.dims))
		})
	}
}

func TestQualityStaysInRange(t *testing.T) {
	for w := 1; w <= 10000; w += 137 {
		for h := 1; h <= 10000; h += 211 {
			q := Quality(models.VideoDimensions{Width: w, Height: h})
			if q < MinQuality || q > MaxQuality {
				t.Fatalf("Quality(%dx%d) = %d out of range", w, h, q)
			}
		}
	}
}

func probeRunner(stdout string, err error) *fakeRunner {
	return &fakeRunner{handle: func(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
		return tool.Result{Stdout: []byte(stdout)}, err
	}}
}

func TestDetermineVideoDimensions(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   *models.VideoDimensions
	}{
		{"first stream", `{"programs": [], "streams": [{"width": 1920, "height": 1080}, {"width": 640, "height": 360}]}`,
			&models.VideoDimensions{Width: 1920, Height: 1080}},
		{"no streams", `{"programs": [], "streams": []}`, nil},
		{"garbage", `not json`, nil},
		{"empty", ``, nil},
		{"zero size", `{"streams": [{"width": 0, "height": 0}]}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := NewVideoStage(probeRunner(tt.stdout, nil), Config{}, nil)
			dims, err := stage.DetermineVideoDimensions(context.Background(), "in.mkv")
			require.NoError(t, err)
			assert.Equal(t, tt.want, dims)
		})
	}
}

func TestDetermineVideoDimensionsUsesFFprobe(t *testing.T) {
	runner := probeRunner(`{"streams": [{"width": 2, "height": 2}]}`, nil)
	stage := NewVideoStage(runner, Config{FFprobePath: "/opt/bin/ffprobe"}, nil)

	_, err := stage.DetermineVideoDimensions(context.Background(), "in.mkv")
	require.NoError(t, err)

	calls := runner.invocations()
	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/bin/ffprobe", calls[0].Name)
	assert.Equal(t, "stream=width,height", argAfter(calls[0], "-show_entries"))
	assert.Equal(t, "json", argAfter(calls[0], "-print_format"))
	assert.Equal(t, "in.mkv", calls[0].Args[len(calls[0].Args)-1])
}

func TestDetermineVideoDimensionsToolFailure(t *testing.T) {
	stage := NewVideoStage(probeRunner("", &tool.ExitError{Tool: "ffprobe", ExitCode: 1, Reason: tool.ExitReasonError}), Config{}, nil)
	_, err := stage.DetermineVideoDimensions(context.Background(), "in.mkv")
	assert.Error(t, err)
}

func TestConvertVideoOrdersEventsAndPasses(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{handle: func(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
		if isVideoProbe(inv) {
			return tool.Result{Stdout: []byte(`{"streams": [{"width": 1920, "height": 1080}]}`)}, nil
		}
		return tool.Result{}, nil
	}}
	stage := NewVideoStage(runner, Config{WorkDir: dir}, nil)
	rec := &recorder{}

	output, err := stage.ConvertVideo(context.Background(), "in.mkv", rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "output.webm"), output)

	kinds := rec.kinds()
	require.Len(t, kinds, 5)
	assert.Less(t, indexOf(kinds, models.EventVideoDimensionsReady), indexOf(kinds, models.EventQualityDetermined))
	assert.Equal(t, models.EventVideoSecondPassProgress, kinds[3])
	assert.Equal(t, models.EventVideoFinished, kinds[4])

	quality := rec.events[indexOf(kinds, models.EventQualityDetermined)].(models.QualityDetermined)
	assert.Equal(t, 28, quality.Quality)
	progress := rec.events[3].(models.VideoSecondPassProgress)
	assert.Equal(t, filepath.Join(dir, "video_progress.log"), progress.LogPath)

	var first, second tool.Invocation
	for _, inv := range runner.invocations() {
		switch pass(inv) {
		case "1":
			first = inv
		case "2":
			second = inv
		}
	}
	assert.Equal(t, "libaom-av1", argAfter(first, "-codec:v"))
	assert.True(t, hasArg(first, "-an"))
	assert.Equal(t, filepath.Join(dir, "ffmpeg2pass"), argAfter(first, "-passlogfile"))
	assert.Equal(t, "/dev/null", first.Args[len(first.Args)-1])

	assert.Equal(t, "28", argAfter(second, "-crf"))
	assert.Equal(t, argAfter(first, "-passlogfile"), argAfter(second, "-passlogfile"))
	assert.Equal(t, "1", argAfter(second, "-threads"))
	assert.Equal(t, "0", argAfter(second, "-cpu-used"))
	assert.Equal(t, "35", argAfter(second, "-lag-in-frames"))
	assert.Equal(t, progress.LogPath, argAfter(second, "-progress"))
	assert.Equal(t, output, second.Args[len(second.Args)-1])
}

func TestConvertVideoNoStream(t *testing.T) {
	stage := NewVideoStage(probeRunner(`{"streams": []}`, nil), Config{}, nil)
	rec := &recorder{}

	_, err := stage.ConvertVideo(context.Background(), "audio-only.flac", rec)
	assert.ErrorIs(t, err, ErrNoVideoStream)
	assert.True(t, IsNoVideoStream(err))
	assert.Equal(t, -1, indexOf(rec.kinds(), models.EventVideoSecondPassProgress))
}

func TestConvertVideoFirstPassFailureCancelsProbe(t *testing.T) {
	probeCanceled := make(chan struct{})
	runner := &fakeRunner{handle: func(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
		if isVideoProbe(inv) {
			<-ctx.Done()
			close(probeCanceled)
			return tool.Result{}, ctx.Err()
		}
		return tool.Result{ExitCode: 1}, exitFailure(inv, 1)
	}}
	stage := NewVideoStage(runner, Config{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := stage.ConvertVideo(context.Background(), "in.mkv", nil)
		done <- err
	}()

	select {
	case err := <-done:
		var se *StageError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "first pass", se.Step)
	case <-time.After(5 * time.Second):
		t.Fatal("ConvertVideo did not return")
	}
	select {
	case <-probeCanceled:
	case <-time.After(time.Second):
		t.Fatal("probe was not canceled")
	}
}

func TestRemuxMerger(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	m := NewRemuxMerger(runner, Config{WorkDir: dir}, nil)

	out, err := m.Merge(context.Background(), []string{"a0.opus", "a1.opus"}, "v.webm")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "merged.webm"), out)

	calls := runner.invocations()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{
		"-hide_banner", "-y",
		"-i", "v.webm", "-i", "a0.opus", "-i", "a1.opus",
		"-map", "0:v:0", "-map", "1:a:0", "-map", "2:a:0",
		"-c", "copy", out,
	}, calls[0].Args)

	_, err = m.Merge(context.Background(), nil, "")
	assert.Error(t, err)
}

func TestMergerFunc(t *testing.T) {
	var m Merger = MergerFunc(func(ctx context.Context, audio []string, video string) (string, error) {
		return video + "+" + strings.Join(audio, ","), nil
	})
	out, err := m.Merge(context.Background(), []string{"a"}, "v")
	require.NoError(t, err)
	assert.Equal(t, "v+a", out)
}
