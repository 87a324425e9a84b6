// Package preflight checks that the host can run conversion jobs.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/media-overseer/pkg/contenthash"
	"github.com/psantana5/media-overseer/pkg/tool"
)

// ErrMissingTools is returned when a required tool is not installed
var ErrMissingTools = errors.New("required tools are missing")

// Options name the tools and directories to check
type Options struct {
	FFmpegPath  string
	FFprobePath string
	CRIUPath    string
	WorkDir     string
}

// ToolCheck is the outcome of looking up one executable
type ToolCheck struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Required bool   `json:"required"`
	Found    bool   `json:"found"`
}

// HostFacts describe the machine
type HostFacts struct {
	Hostname     string `json:"hostname,omitempty"`
	Platform     string `json:"platform,omitempty"`
	Kernel       string `json:"kernel,omitempty"`
	CPUs         int    `json:"cpus"`
	MemTotal     uint64 `json:"mem_total"`
	MemAvailable uint64 `json:"mem_available"`
	WorkDirFree  uint64 `json:"work_dir_free"`
}

// Report is the result of a preflight run
type Report struct {
	Tools   []ToolCheck `json:"tools"`
	Root    bool        `json:"root"`
	SudoUID int         `json:"sudo_uid"` // -1 when not started through sudo
	Host    HostFacts   `json:"host"`
}

// OK reports whether every required tool was found
func (r *Report) OK() bool {
	for _, t := range r.Tools {
		if t.Required && !t.Found {
			return false
		}
	}
	return true
}

// CanCheckpoint reports whether checkpointing is usable on this host
func (r *Report) CanCheckpoint() bool {
	if !r.Root {
		return false
	}
	for _, t := range r.Tools {
		if t.Name == "criu" {
			return t.Found
		}
	}
	return false
}

// Checker runs preflight checks. The function fields default to the os versions.
type Checker struct {
	LookPath func(string) (string, error)
	Geteuid  func() int
	Getenv   func(string) string
}

// Run performs all checks. The report is returned even when required tools
// are missing, together with ErrMissingTools.
func (c *Checker) Run(ctx context.Context, opts Options) (*Report, error) {
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = tool.LookPath
	}
	geteuid := c.Geteuid
	if geteuid == nil {
		geteuid = os.Geteuid
	}
	getenv := c.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	report := &Report{Root: geteuid() == 0, SudoUID: -1}

	wanted := []struct {
		name, path string
		required   bool
	}{
		{"ffmpeg", orDefault(opts.FFmpegPath, "ffmpeg"), true},
		{"ffprobe", orDefault(opts.FFprobePath, "ffprobe"), true},
		{"criu", orDefault(opts.CRIUPath, "criu"), false},
		{"sudo", "sudo", false},
	}
	var missing []string
	for _, w := range wanted {
		check := ToolCheck{Name: w.name, Required: w.required}
		if path, err := lookPath(w.path); err == nil {
			check.Path = path
			check.Found = true
		} else if w.required {
			missing = append(missing, w.name)
		}
		report.Tools = append(report.Tools, check)
	}

	if uid, ok := CallingUID(getenv); ok {
		report.SudoUID = uid
	}

	report.Host = collectHost(ctx, opts.WorkDir)

	if len(missing) > 0 {
		return report, fmt.Errorf("%w: %v", ErrMissingTools, missing)
	}
	return report, nil
}

// CallingUID returns the uid of the user who invoked sudo, if any
func CallingUID(getenv func(string) string) (int, bool) {
	s := getenv("SUDO_UID")
	if s == "" {
		return 0, false
	}
	uid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return int(uid), true
}

// collectHost gathers best-effort host facts; lookups that fail are left zero
func collectHost(ctx context.Context, workDir string) HostFacts {
	var facts HostFacts
	if info, err := host.InfoWithContext(ctx); err == nil {
		facts.Hostname = info.Hostname
		facts.Platform = info.Platform + " " + info.PlatformVersion
		facts.Kernel = info.KernelVersion
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		facts.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		facts.MemTotal = vm.Total
		facts.MemAvailable = vm.Available
	}
	if workDir != "" {
		if usage, err := disk.UsageWithContext(ctx, workDir); err == nil {
			facts.WorkDirFree = usage.Free
		}
	}
	return facts
}

// Render writes the report as a table
func (r *Report) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.Header("Check", "Status", "Detail")

	for _, t := range r.Tools {
		status := "ok"
		switch {
		case !t.Found && t.Required:
			status = "MISSING"
		case !t.Found:
			status = "not found (optional)"
		}
		table.Append(t.Name, status, t.Path)
	}

	root := "no"
	if r.Root {
		root = "yes"
	}
	table.Append("root", root, "needed for checkpoint/restore")
	if r.SudoUID >= 0 {
		table.Append("sudo uid", strconv.Itoa(r.SudoUID), "")
	}
	table.Append("host", r.Host.Hostname, r.Host.Platform)
	table.Append("cpus", strconv.Itoa(r.Host.CPUs), "")
	table.Append("memory", contenthash.FormatSize(int64(r.Host.MemAvailable)) + " free",
		contenthash.FormatSize(int64(r.Host.MemTotal)) + " total")
	if r.Host.WorkDirFree > 0 {
		table.Append("work dir", contenthash.FormatSize(int64(r.Host.WorkDirFree)) + " free", "")
	}
	table.Render()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
