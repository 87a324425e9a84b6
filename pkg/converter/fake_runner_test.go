package converter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/tool"
)

// fakeRunner records invocations and answers them with handle
type fakeRunner struct {
	mu     sync.Mutex
	calls  []tool.Invocation
	handle func(ctx context.Context, inv tool.Invocation) (tool.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if f.handle == nil {
		return tool.Result{}, nil
	}
	return f.handle(ctx, inv)
}

func (f *fakeRunner) invocations() []tool.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tool.Invocation(nil), f.calls...)
}

// argAfter returns the argument following flag, or ""
func argAfter(inv tool.Invocation, flag string) string {
	for i := 0; i < len(inv.Args)-1; i++ {
		if inv.Args[i] == flag {
			return inv.Args[i+1]
		}
	}
	return ""
}

func hasArg(inv tool.Invocation, arg string) bool {
	for _, a := range inv.Args {
		if a == arg {
			return true
		}
	}
	return false
}

func isAudioProbe(inv tool.Invocation) bool {
	return argAfter(inv, "-filter:a") == "loudnorm=print_format=json"
}

func isAudioEncode(inv tool.Invocation) bool {
	return strings.HasPrefix(argAfter(inv, "-filter:a"), "loudnorm=linear=true")
}

func isVideoProbe(inv tool.Invocation) bool {
	return hasArg(inv, "-show_entries")
}

func pass(inv tool.Invocation) string {
	return argAfter(inv, "-pass")
}

func trackIndex(inv tool.Invocation) int {
	var n int
	fmt.Sscanf(argAfter(inv, "-map"), "0:a:%d", &n)
	return n
}

// loudnormStderr builds ffmpeg stderr ending in a loudnorm summary block
func loudnormStderr(inputI float64) []byte {
	return []byte(fmt.Sprintf(`Input #0, matroska,webm, from 'in.mkv':
  Duration: 00:00:10.00, start: 0.000000, bitrate: 1000 kb/s
[Parsed_loudnorm_0 @ 0x55d0c8a4c0c0]
{
	"input_i" : "%.2f",
	"input_tp" : "-1.00",
	"input_lra" : "5.00",
	"input_thresh" : "-30.00",
	"output_i" : "-18.00",
	"output_tp" : "-2.00",
	"output_lra" : "4.00",
	"output_thresh" : "-28.00",
	"normalization_type" : "dynamic",
	"target_offset" : "0.00"
}
`, inputI))
}

func exitFailure(inv tool.Invocation, code int) error {
	return &tool.ExitError{Tool: inv.Name, ExitCode: code, Reason: tool.ExitReasonError}
}

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []models.StageEvent
}

func (r *recorder) Publish(ev models.StageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func indexOf(kinds []models.EventKind, k models.EventKind) int {
	for i, got := range kinds {
		if got == k {
			return i
		}
	}
	return -1
}
