package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/metrics"
	"github.com/psantana5/media-overseer/pkg/tracing"
)

// ErrToolNotFound is returned when the executable cannot be spawned
var ErrToolNotFound = errors.New("tool not found")

// DefaultWaitDelay bounds how long Run waits for output pipes after the process group was killed
const DefaultWaitDelay = 5 * time.Second

// Invocation describes one external command
type Invocation struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the current environment
}

// Command creates an invocation
func Command(name string, args ...string) Invocation {
	return Invocation{Name: name, Args: args}
}

// String renders the invocation as a shell-like command line
func (i Invocation) String() string {
	parts := make([]string, 0, len(i.Args)+1)
	parts = append(parts, i.Name)
	for _, a := range i.Args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Result is the captured outcome of a finished invocation
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Reason   ExitReason
	Signal   string
	PID      int
	Duration time.Duration
}

// ExitError is returned when a tool ran but did not succeed
type ExitError struct {
	Tool     string
	ExitCode int
	Reason   ExitReason
	Signal   string
	Stderr   string // last lines only
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s failed (%s", e.Tool, e.Reason)
	if e.Signal != "" {
		msg += ", " + e.Signal
	} else {
		msg += fmt.Sprintf(", exit code %d", e.ExitCode)
	}
	msg += ")"
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Runner runs external tools. Implementations must kill the tool when ctx is done.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// ExecRunner runs tools as child processes.
// Each child gets its own process group, and the whole group is killed
// with SIGKILL when the context is canceled or Timeout expires.
type ExecRunner struct {
	Timeout   time.Duration // per invocation, zero means none
	WaitDelay time.Duration
	Tracker   *Tracker
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	// Group receives every started child, e.g. a cgroup with resource limits
	Group Joiner
}

// Joiner places a running process into a resource group
type Joiner interface {
	Join(pid int) error
}

// NewExecRunner returns a runner with default settings
func NewExecRunner(logger *logging.Logger, m *metrics.Metrics) *ExecRunner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ExecRunner{
		WaitDelay: DefaultWaitDelay,
		Tracker:   NewTracker(),
		Metrics:   m,
		Logger:    logger.Component("tool"),
	}
}

// Run starts the tool, waits for it and captures its output
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (res Result, err error) {
	toolName := filepath.Base(inv.Name)
	ctx, span := tracing.StartSpan(ctx, "tool.run",
		attribute.String("tool.name", toolName),
		attribute.StringSlice("tool.args", inv.Args),
	)
	defer func() { tracing.EndSpan(span, err) }()

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Name, inv.Args...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.Metrics.ObserveTool(toolName, string(ExitReasonNotFound), 0)
		if isSpawnFailure(err) {
			return Result{Reason: ExitReasonNotFound}, fmt.Errorf("%w: %s: %v", ErrToolNotFound, inv.Name, err)
		}
		return Result{Reason: ExitReasonUnknown}, fmt.Errorf("failed to start %s: %w", inv.Name, err)
	}

	pid := cmd.Process.Pid
	if r.Group != nil {
		if err := r.Group.Join(pid); err != nil {
			r.logger().Warn("failed to apply resource limits", logging.Fields{"tool": toolName, "pid": pid, "error": err})
		}
	}
	r.trackStart(pid, toolName)
	r.logger().Debug("tool started", logging.Fields{"tool": toolName, "pid": pid, "command": inv.String()})

	waitErr := cmd.Wait()
	r.trackStop(pid)

	res = Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		PID:      pid,
		Duration: time.Since(start),
		ExitCode: cmd.ProcessState.ExitCode(),
	}
	var ws syscall.WaitStatus
	var haveStatus bool
	if cmd.ProcessState != nil {
		ws, haveStatus = cmd.ProcessState.Sys().(syscall.WaitStatus)
	}
	if haveStatus {
		res.Reason = DetermineExitReason(res.ExitCode, ws)
		if ws.Signaled() {
			res.Signal = SignalName(ws.Signal())
		}
	} else if waitErr == nil {
		res.Reason = ExitReasonSuccess
	} else {
		res.Reason = ExitReasonUnknown
	}

	switch {
	case waitErr == nil:
	case ctx.Err() != nil:
		res.Reason = ExitReasonCanceled
		err = fmt.Errorf("%s: %w", toolName, ctx.Err())
	case runCtx.Err() != nil:
		res.Reason = ExitReasonTimeout
		err = &ExitError{Tool: toolName, ExitCode: res.ExitCode, Reason: res.Reason, Signal: res.Signal, Stderr: tail(res.Stderr)}
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			err = fmt.Errorf("%s: %w", toolName, waitErr)
			break
		}
		err = &ExitError{Tool: toolName, ExitCode: res.ExitCode, Reason: res.Reason, Signal: res.Signal, Stderr: tail(res.Stderr)}
	}

	r.Metrics.ObserveTool(toolName, string(res.Reason), res.Duration)
	fields := logging.Fields{"tool": toolName, "pid": pid, "exit_code": res.ExitCode, "reason": string(res.Reason), "duration": res.Duration.String()}
	if err != nil {
		r.logger().Debug("tool failed", fields)
	} else {
		r.logger().Debug("tool finished", fields)
	}
	return res, err
}

func (r *ExecRunner) logger() *logging.Logger {
	if r.Logger == nil {
		return logging.Nop()
	}
	return r.Logger
}

func (r *ExecRunner) trackStart(pid int, name string) {
	if r.Tracker != nil {
		r.Tracker.add(pid, name)
	}
}

func (r *ExecRunner) trackStop(pid int) {
	if r.Tracker != nil {
		r.Tracker.remove(pid)
	}
}

// isSpawnFailure reports whether Start failed because the executable is missing or not runnable
func isSpawnFailure(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.ENOEXEC)
}

// LookPath resolves name on PATH, mapping a miss to ErrToolNotFound
func LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return path, nil
}

const stderrTailLines = 5

func tail(stderr []byte) string {
	return strings.Join(LastLines(stderr, stderrTailLines), " | ")
}

// LastLines returns up to n trailing non-empty lines of out, in order
func LastLines(out []byte, n int) []string {
	lines := strings.Split(strings.ReplaceAll(string(out), "\r\n", "\n"), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		kept = append(kept, lines[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
