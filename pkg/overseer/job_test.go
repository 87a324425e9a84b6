package overseer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-overseer/pkg/converter"
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/tool"
)

const loudnormJSON = `{
	"input_i" : "-23.00",
	"input_tp" : "-1.00",
	"input_lra" : "5.00",
	"input_thresh" : "-33.00",
	"output_i" : "-18.00",
	"output_tp" : "-2.00",
	"output_lra" : "4.00",
	"output_thresh" : "-28.00",
	"normalization_type" : "dynamic",
	"target_offset" : "0.00"
}`

func joined(inv tool.Invocation) string {
	return strings.Join(inv.Args, " ")
}

// pipelineRunner simulates one audio track and a 1080p video. If gate is
// non-nil the second pass blocks until it is closed.
func pipelineRunner(gate <-chan struct{}) tool.RunnerFunc {
	return func(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
		args := joined(inv)
		switch {
		case strings.Contains(args, "loudnorm=print_format=json"):
			if strings.Contains(args, "0:a:0") {
				return tool.Result{Stderr: []byte(loudnormJSON)}, nil
			}
			return tool.Result{ExitCode: 1}, &tool.ExitError{Tool: "ffmpeg", ExitCode: 1, Reason: tool.ExitReasonError}
		case strings.Contains(args, "-show_entries"):
			return tool.Result{Stdout: []byte(`{"streams": [{"width": 1920, "height": 1080}]}`)}, nil
		case strings.Contains(args, "-pass 2") && gate != nil:
			select {
			case <-gate:
			case <-ctx.Done():
				return tool.Result{}, ctx.Err()
			}
		}
		return tool.Result{}, nil
	}
}

func TestRunJobEndToEndWithFakeTools(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var seen []models.EventKind

	job := RunJob("in.mkv", Options{
		Runner:    pipelineRunner(nil),
		Converter: converter.Config{WorkDir: dir},
		OnEvent: func(ev models.StageEvent) {
			mu.Lock()
			seen = append(seen, ev.Kind())
			mu.Unlock()
		},
	})

	output, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "merged.webm"), output)

	final, ok := job.Final()
	require.True(t, ok)
	assert.True(t, final.Finished())
	require.Len(t, final.AudioConstants, 1)
	assert.Equal(t, -23.0, final.AudioConstants[0].InputI)
	require.NotNil(t, final.Quality)
	assert.Equal(t, 28, *final.Quality)
	assert.Equal(t, filepath.Join(dir, "video_progress.log"), final.VideoLogPath)

	mu.Lock()
	assert.Len(t, seen, 7)
	mu.Unlock()

	_, err = job.Status(context.Background())
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestStatusDuringRun(t *testing.T) {
	gate := make(chan struct{})
	job := RunJob("in.mkv", Options{
		Runner:    pipelineRunner(gate),
		Converter: converter.Config{WorkDir: t.TempDir()},
	})

	result := make(chan error, 1)
	go func() {
		_, err := job.Run(context.Background())
		result <- err
	}()

	var st models.JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = job.Status(context.Background())
		return err == nil && st.VideoLogPath != "" && st.Audio == models.StageFinished
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.StageSecondPass, st.Video)
	require.NotNil(t, st.Dimensions)
	assert.Equal(t, models.VideoDimensions{Width: 1920, Height: 1080}, *st.Dimensions)

	close(gate)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
	<-job.Done()
}

func TestRequestQueuedBeforeRunIsAnswered(t *testing.T) {
	gate := make(chan struct{})
	job := RunJob("in.mkv", Options{
		Runner:    pipelineRunner(gate),
		Converter: converter.Config{WorkDir: t.TempDir()},
	})

	req, reply := NewStatusRequest()
	job.Requests() <- req

	go job.Run(context.Background())
	select {
	case st := <-reply:
		assert.NotEqual(t, -1, st.Audio.Rank())
		assert.NotEqual(t, models.StageFinished, st.Video)
	case <-time.After(5 * time.Second):
		t.Fatal("queued request not answered")
	}
	close(gate)
	<-job.Done()
}

func TestStageFailureFailsJobAndCancelsSibling(t *testing.T) {
	videoCanceled := make(chan struct{})
	runner := tool.RunnerFunc(func(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
		args := joined(inv)
		switch {
		case strings.Contains(args, "loudnorm"):
			return tool.Result{}, fmt.Errorf("%w: ffmpeg", tool.ErrToolNotFound)
		case strings.Contains(args, "-pass 1"):
			<-ctx.Done()
			close(videoCanceled)
			return tool.Result{}, ctx.Err()
		}
		return tool.Result{Stdout: []byte(`{"streams": [{"width": 8, "height": 8}]}`)}, nil
	})
	merged := false
	job := RunJob("in.mkv", Options{
		Runner: runner,
		Merger: converter.MergerFunc(func(ctx context.Context, audio []string, video string) (string, error) {
			merged = true
			return "", nil
		}),
	})

	_, err := job.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, tool.ErrToolNotFound)

	var se *converter.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, converter.StageAudio, se.Stage)
	assert.False(t, merged, "merge must not run after a stage failure")

	select {
	case <-videoCanceled:
	case <-time.After(time.Second):
		t.Fatal("video stage was not canceled")
	}
	select {
	case <-job.Done():
	default:
		t.Fatal("Done not closed after Run returned")
	}
}

func TestMergeReceivesStageOutputs(t *testing.T) {
	dir := t.TempDir()
	var gotAudio []string
	var gotVideo string
	job := RunJob("in.mkv", Options{
		Runner:    pipelineRunner(nil),
		Converter: converter.Config{WorkDir: dir},
		Merger: converter.MergerFunc(func(ctx context.Context, audio []string, video string) (string, error) {
			gotAudio, gotVideo = audio, video
			return "/out/final.webm", nil
		}),
	})

	out, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/out/final.webm", out)
	assert.Equal(t, []string{filepath.Join(dir, "audio_0.opus")}, gotAudio)
	assert.Equal(t, filepath.Join(dir, "output.webm"), gotVideo)
}

func TestMergeFailureFailsJob(t *testing.T) {
	job := RunJob("in.mkv", Options{
		Runner: pipelineRunner(nil),
		Merger: converter.MergerFunc(func(ctx context.Context, audio []string, video string) (string, error) {
			return "", errors.New("disk full")
		}),
	})
	_, err := job.Run(context.Background())
	assert.ErrorContains(t, err, "disk full")
}

func TestRunTwice(t *testing.T) {
	job := RunJob("in.mkv", Options{Runner: pipelineRunner(nil), Converter: converter.Config{WorkDir: t.TempDir()}})
	_, err := job.Run(context.Background())
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestParentCancelStopsEverything(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	job := RunJob("in.mkv", Options{Runner: pipelineRunner(gate), Converter: converter.Config{WorkDir: t.TempDir()}})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := job.Run(ctx)
		result <- err
	}()

	require.Eventually(t, func() bool {
		st, err := job.Status(context.Background())
		return err == nil && st.VideoLogPath != ""
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("job ignored cancellation")
	}
}

type fakeCheckpointer struct {
	pids []int
}

func (f *fakeCheckpointer) Dump(ctx context.Context, pid int, key string) (string, error) {
	f.pids = append(f.pids, pid)
	return "/state/" + key, nil
}

func TestCheckpointRequiresCapability(t *testing.T) {
	job := RunJob("in.mkv", Options{Runner: pipelineRunner(nil)})
	_, err := job.Checkpoint(context.Background())
	assert.ErrorIs(t, err, ErrPrivilegedUnavailable)
}

func TestCheckpointDumpsRunningTools(t *testing.T) {
	cp := &fakeCheckpointer{}
	runner := tool.NewExecRunner(nil, nil)
	job := RunJob("in.mkv", Options{
		Runner:        runner,
		Tracker:       runner.Tracker,
		Checkpointer:  cp,
		CheckpointKey: "abc",
	})

	_, err := job.Checkpoint(context.Background())
	assert.ErrorIs(t, err, ErrNothingRunning)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx, tool.Command("/bin/sh", "-c", "sleep 30"))
	require.Eventually(t, func() bool { return len(runner.Tracker.Active()) == 1 }, 5*time.Second, 10*time.Millisecond)

	dirs, err := job.Checkpoint(context.Background())
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.True(t, strings.HasPrefix(dirs[0], "/state/abc-sh-"))
	assert.Equal(t, runner.Tracker.Active()[0].PID, cp.pids[0])
}

// writeScript creates an executable stand-in tool
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestRunJobWithStandInTools(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	bin := t.TempDir()
	work := t.TempDir()

	ffmpeg := writeScript(t, bin, "ffmpeg", `
case "$*" in
*loudnorm=print_format=json*)
	case "$*" in
	*"0:a:0"*|*"0:a:1"*)
		cat >&2 <<'EOF'
`+loudnormJSON+`
EOF
		exit 0 ;;
	esac
	echo "Stream map matches no streams." >&2
	exit 1 ;;
esac
for last in "$@"; do :; done
if [ "$last" != /dev/null ]; then echo converted > "$last"; fi
case "$*" in
*"-c copy"*) echo "$*" > "$(dirname "$last")/remux.args" ;;
esac
exit 0
`)
	ffprobe := writeScript(t, bin, "ffprobe", `echo '{"programs": [], "streams": [{"width": 3840, "height": 2160}]}'`)

	job := RunJob(filepath.Join(bin, "input.mkv"), Options{
		Runner: tool.NewExecRunner(nil, nil),
		Converter: converter.Config{
			FFmpegPath:  ffmpeg,
			FFprobePath: ffprobe,
			WorkDir:     work,
		},
	})

	output, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, output)
	assert.FileExists(t, filepath.Join(work, "audio_0.opus"))
	assert.FileExists(t, filepath.Join(work, "audio_1.opus"))
	assert.NoFileExists(t, filepath.Join(work, "audio_2.opus"))
	assert.FileExists(t, filepath.Join(work, "output.webm"))

	remux, err := os.ReadFile(filepath.Join(work, "remux.args"))
	require.NoError(t, err)
	assert.Contains(t, string(remux), "-i "+filepath.Join(work, "audio_0.opus")+" -i "+filepath.Join(work, "audio_1.opus"))
	assert.Contains(t, string(remux), "-map 1:a:0 -map 2:a:0")

	final, ok := job.Final()
	require.True(t, ok)
	require.NotNil(t, final.Quality)
	assert.Equal(t, 16, *final.Quality)
	assert.Len(t, final.AudioConstants, 2)
	assert.Equal(t, models.StageFinished, final.Audio)
	assert.Equal(t, models.StageFinished, final.Video)
	assert.True(t, final.Finished())
}

func TestFinalSnapshotIsComplete(t *testing.T) {
	for i := 0; i < 200; i++ {
		job := RunJob("in.mkv", Options{
			Runner:    pipelineRunner(nil),
			Converter: converter.Config{WorkDir: t.TempDir()},
		})
		_, err := job.Run(context.Background())
		require.NoError(t, err)

		final, ok := job.Final()
		require.True(t, ok)
		require.True(t, final.Finished(), "run %d", i)
		require.NotNil(t, final.Quality, "run %d", i)
	}
}

func TestPublishAfterStopDropsEvent(t *testing.T) {
	events := make(chan models.StageEvent, 4)
	stopped := make(chan struct{})
	close(stopped)
	delivered := 0
	pub := &bestEffortPublisher{
		events:  events,
		stopped: stopped,
		observe: func(models.StageEvent) { delivered++ },
		logger:  logging.Nop(),
	}

	for i := 0; i < 50; i++ {
		pub.Publish(models.VideoFinished{})
	}
	assert.Empty(t, events)
	assert.Zero(t, delivered)
}
