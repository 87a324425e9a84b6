package tool

import (
	"syscall"
	"testing"
)

func TestExitReasonClassification(t *testing.T) {
	tests := []struct {
		name     string
		reason   ExitReason
		success  bool
		platform bool
	}{
		{"Success", ExitReasonSuccess, true, false},
		{"Error", ExitReasonError, false, false},
		{"Signal", ExitReasonSignal, false, false},
		{"Timeout", ExitReasonTimeout, false, true},
		{"Canceled", ExitReasonCanceled, false, true},
		{"OOM", ExitReasonOOM, false, true},
		{"NotFound", ExitReasonNotFound, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.reason.IsSuccess(); got != tt.success {
				t.Errorf("IsSuccess() = %v, want %v", got, tt.success)
			}
			if got := tt.reason.IsPlatformIssue(); got != tt.platform {
				t.Errorf("IsPlatformIssue() = %v, want %v", got, tt.platform)
			}
		})
	}
}

func TestDetermineExitReason(t *testing.T) {
	// WaitStatus encoding on Linux: exit code in bits 8-15, signal in bits 0-6
	exited := func(code int) syscall.WaitStatus { return syscall.WaitStatus(code << 8) }
	signaled := func(sig syscall.Signal) syscall.WaitStatus { return syscall.WaitStatus(sig) }

	tests := []struct {
		name string
		code int
		ws   syscall.WaitStatus
		want ExitReason
	}{
		{"clean exit", 0, exited(0), ExitReasonSuccess},
		{"failure", 1, exited(1), ExitReasonError},
		{"oom via shell", 137, exited(137), ExitReasonOOM},
		{"killed", -1, signaled(syscall.SIGKILL), ExitReasonSignal},
		{"terminated", -1, signaled(syscall.SIGTERM), ExitReasonSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineExitReason(tt.code, tt.ws); got != tt.want {
				t.Errorf("DetermineExitReason(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestSignalName(t *testing.T) {
	if got := SignalName(syscall.SIGKILL); got != "SIGKILL" {
		t.Errorf("SignalName(SIGKILL) = %q", got)
	}
	if got := SignalName(syscall.Signal(40)); got != "SIG40" {
		t.Errorf("SignalName(40) = %q", got)
	}
}
