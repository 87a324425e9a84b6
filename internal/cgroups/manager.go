package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultRoot is where the unified (v2) hierarchy is mounted
const DefaultRoot = "/sys/fs/cgroup"

// ErrUnavailable is returned when cgroup v2 is not mounted or not writable
var ErrUnavailable = errors.New("cgroup v2 not available")

// cpuPeriod is the cpu.max period in microseconds
const cpuPeriod = 100000

// Limits apply to every tool a job runs. Zero values mean no limit.
type Limits struct {
	CPUPercent int   // 100 = one full CPU
	CPUWeight  int   // 1-10000, kernel default 100
	MemoryMB   int64 // memory.max in MiB
}

// Empty reports whether no limit is set
func (l Limits) Empty() bool {
	return l.CPUPercent <= 0 && l.CPUWeight <= 0 && l.MemoryMB <= 0
}

// Validate rejects values the kernel would refuse
func (l Limits) Validate() error {
	if l.CPUPercent < 0 {
		return fmt.Errorf("invalid cpu percent: %d", l.CPUPercent)
	}
	if l.CPUWeight < 0 || l.CPUWeight > 10000 {
		return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", l.CPUWeight)
	}
	if l.MemoryMB < 0 {
		return fmt.Errorf("invalid memory limit: %d", l.MemoryMB)
	}
	return nil
}

// CPUMax renders a percentage in cpu.max "quota period" form
func CPUMax(percent int) string {
	if percent <= 0 {
		return "max " + strconv.Itoa(cpuPeriod)
	}
	return fmt.Sprintf("%d %d", percent*cpuPeriod/100, cpuPeriod)
}

// Manager creates one cgroup per job under <Root>/<Parent>
type Manager struct {
	Root   string
	Parent string
}

// New returns a manager rooted at the standard mount point
func New() *Manager {
	return &Manager{Root: DefaultRoot, Parent: "overseer"}
}

// Available checks that the unified hierarchy is mounted and the parent
// group can be created
func (m *Manager) Available() error {
	if _, err := os.Stat(filepath.Join(m.Root, "cgroup.controllers")); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	parent := filepath.Join(m.Root, m.Parent)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// children only get cpu and memory files when the parent delegates them
	if err := os.WriteFile(filepath.Join(parent, "cgroup.subtree_control"), []byte("+cpu +memory"), 0644); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: enabling controllers: %v", ErrUnavailable, err)
	}
	return nil
}

// Create makes the group for a job and writes its limits
func (m *Manager) Create(jobID string, l Limits) (*Group, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("invalid cgroup name %q", jobID)
	}

	path := filepath.Join(m.Root, m.Parent, jobID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cgroup %s: %w", path, err)
	}
	g := &Group{Path: path}

	writes := map[string]string{}
	if l.CPUPercent > 0 {
		writes["cpu.max"] = CPUMax(l.CPUPercent)
	}
	if l.CPUWeight > 0 {
		writes["cpu.weight"] = strconv.Itoa(l.CPUWeight)
	}
	if l.MemoryMB > 0 {
		writes["memory.max"] = strconv.FormatInt(l.MemoryMB<<20, 10)
	}
	for file, value := range writes {
		if err := os.WriteFile(filepath.Join(path, file), []byte(value), 0644); err != nil {
			g.Delete()
			return nil, fmt.Errorf("failed to write %s: %w", file, err)
		}
	}
	return g, nil
}

// Group is the cgroup of one job
type Group struct {
	Path string
}

// Join moves a process into the group
func (g *Group) Join(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return os.WriteFile(filepath.Join(g.Path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// Delete removes the group. It fails while processes are still inside.
func (g *Group) Delete() error {
	err := os.Remove(g.Path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
