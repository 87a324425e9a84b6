package tool

import (
	"sort"
	"sync"
)

// Process is a live child started by an ExecRunner
type Process struct {
	PID  int    `json:"pid"`
	Tool string `json:"tool"`
}

// Tracker records the children currently running.
// Checkpointing uses it to find what to dump.
type Tracker struct {
	mu    sync.Mutex
	procs map[int]string
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{procs: make(map[int]string)}
}

func (t *Tracker) add(pid int, tool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[pid] = tool
}

func (t *Tracker) remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Active returns the running children ordered by pid
func (t *Tracker) Active() []Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Process, 0, len(t.procs))
	for pid, tool := range t.procs {
		out = append(out, Process{PID: pid, Tool: tool})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
