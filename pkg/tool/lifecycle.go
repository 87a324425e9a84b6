package tool

import (
	"fmt"
	"syscall"
)

// ExitReason describes why a tool invocation terminated
type ExitReason string

const (
	ExitReasonSuccess  ExitReason = "success"  // Exit code 0
	ExitReasonError    ExitReason = "error"    // Exit code != 0
	ExitReasonSignal   ExitReason = "signal"   // Killed by signal
	ExitReasonCanceled ExitReason = "canceled" // Caller canceled the context
	ExitReasonTimeout  ExitReason = "timeout"  // Runner deadline expired
	ExitReasonOOM      ExitReason = "oom"      // Out of memory killed
	ExitReasonNotFound ExitReason = "not_found"
	ExitReasonUnknown  ExitReason = "unknown"
)

// DetermineExitReason analyzes process exit to determine the reason
func DetermineExitReason(exitCode int, waitStatus syscall.WaitStatus) ExitReason {
	if waitStatus.Exited() {
		if exitCode == 0 {
			return ExitReasonSuccess
		}
		// 137 = 128+SIGKILL, usually the OOM killer hitting a shell wrapper
		if exitCode == 137 {
			return ExitReasonOOM
		}
		return ExitReasonError
	}

	if waitStatus.Signaled() {
		return ExitReasonSignal
	}

	return ExitReasonUnknown
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	case syscall.SIGXCPU:
		return "SIGXCPU"
	case syscall.SIGXFSZ:
		return "SIGXFSZ"
	default:
		return fmt.Sprintf("SIG%d", sig)
	}
}

// IsSuccess returns true if the exit represents success
func (r ExitReason) IsSuccess() bool {
	return r == ExitReasonSuccess
}

// IsPlatformIssue returns true if the tool was stopped by us or the host rather than failing on its own
func (r ExitReason) IsPlatformIssue() bool {
	return r == ExitReasonTimeout || r == ExitReasonOOM || r == ExitReasonCanceled || r == ExitReasonNotFound
}
