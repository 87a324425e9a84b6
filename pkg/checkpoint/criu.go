// Package checkpoint pauses running tool processes to disk and restores them
// later using CRIU. Everything here needs root; callers receive it through the
// Privileged interface so unprivileged code paths never touch it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/psantana5/media-overseer/pkg/tool"
)

// ErrNotPrivileged is returned when the process cannot checkpoint
var ErrNotPrivileged = errors.New("checkpoint requires root (try running with sudo)")

// Privileged is the set of operations that need elevated rights
type Privileged interface {
	Dump(ctx context.Context, pid int, dir string) error
	Restore(ctx context.Context, dir string) error
}

// CRIU drives the criu binary through a tool runner
type CRIU struct {
	Path   string
	Runner tool.Runner
}

// NewCRIU returns a CRIU implementation if the current process is privileged.
// geteuid may be nil, in which case os.Geteuid is used.
func NewCRIU(path string, runner tool.Runner, geteuid func() int) (*CRIU, error) {
	if geteuid == nil {
		geteuid = os.Geteuid
	}
	if geteuid() != 0 {
		return nil, ErrNotPrivileged
	}
	if path == "" {
		path = "criu"
	}
	return &CRIU{Path: path, Runner: runner}, nil
}

// DumpArgs builds the criu dump command line
func DumpArgs(pid int, dir string) []string {
	return []string{"dump", "--tree", strconv.Itoa(pid), "--images-dir", dir, "--shell-job", "--leave-stopped"}
}

// RestoreArgs builds the criu restore command line
func RestoreArgs(dir string) []string {
	return []string{"restore", "--images-dir", dir, "--shell-job", "--restore-detached"}
}

// Dump writes the process tree rooted at pid into dir and leaves it stopped
func (c *CRIU) Dump(ctx context.Context, pid int, dir string) error {
	if _, err := c.Runner.Run(ctx, tool.Command(c.Path, DumpArgs(pid, dir)...)); err != nil {
		return fmt.Errorf("criu dump of pid %d failed: %w", pid, err)
	}
	return nil
}

// Restore resumes a process tree previously dumped into dir
func (c *CRIU) Restore(ctx context.Context, dir string) error {
	if _, err := c.Runner.Run(ctx, tool.Command(c.Path, RestoreArgs(dir)...)); err != nil {
		return fmt.Errorf("criu restore from %s failed: %w", dir, err)
	}
	return nil
}
