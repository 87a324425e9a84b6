package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-overseer/pkg/tool"
)

type recordingRunner struct {
	calls []tool.Invocation
	err   error
}

func (r *recordingRunner) Run(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
	r.calls = append(r.calls, inv)
	return tool.Result{}, r.err
}

func TestNewCRIURequiresRoot(t *testing.T) {
	_, err := NewCRIU("", &recordingRunner{}, func() int { return 1000 })
	assert.ErrorIs(t, err, ErrNotPrivileged)

	c, err := NewCRIU("", &recordingRunner{}, func() int { return 0 })
	require.NoError(t, err)
	assert.Equal(t, "criu", c.Path)
}

func TestCRIUCommandLines(t *testing.T) {
	runner := &recordingRunner{}
	c, err := NewCRIU("/usr/sbin/criu", runner, func() int { return 0 })
	require.NoError(t, err)

	require.NoError(t, c.Dump(context.Background(), 4242, "/state/k"))
	require.NoError(t, c.Restore(context.Background(), "/state/k"))

	require.Len(t, runner.calls, 2)
	assert.Equal(t, "/usr/sbin/criu", runner.calls[0].Name)
	assert.Equal(t, []string{"dump", "--tree", "4242", "--images-dir", "/state/k", "--shell-job", "--leave-stopped"}, runner.calls[0].Args)
	assert.Equal(t, []string{"restore", "--images-dir", "/state/k", "--shell-job", "--restore-detached"}, runner.calls[1].Args)
}

func TestCRIUFailureWrapsToolError(t *testing.T) {
	exitErr := &tool.ExitError{Tool: "criu", ExitCode: 1, Reason: tool.ExitReasonError}
	c := &CRIU{Path: "criu", Runner: &recordingRunner{err: exitErr}}
	err := c.Dump(context.Background(), 1, "/x")

	var ee *tool.ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.ExitCode)
}

type fakePriv struct {
	dumped   []string
	restored []string
	err      error
}

func (f *fakePriv) Dump(ctx context.Context, pid int, dir string) error {
	f.dumped = append(f.dumped, dir)
	if f.err == nil {
		return os.WriteFile(filepath.Join(dir, "core.img"), []byte("img"), 0600)
	}
	return f.err
}

func (f *fakePriv) Restore(ctx context.Context, dir string) error {
	f.restored = append(f.restored, dir)
	return f.err
}

func newTestManager(t *testing.T, priv Privileged) (*Manager, *[]int) {
	m := NewManager(t.TempDir(), priv, nil)
	var continued []int
	m.signal = func(pid int, sig syscall.Signal) error {
		if sig == syscall.SIGCONT {
			continued = append(continued, pid)
		}
		return nil
	}
	return m, &continued
}

func TestManagerDumpAndRestore(t *testing.T) {
	priv := &fakePriv{}
	m, continued := newTestManager(t, priv)

	dir, err := m.Dump(context.Background(), 77, "abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.StateDir, "abc"), dir)
	assert.FileExists(t, filepath.Join(dir, "core.img"))
	assert.Equal(t, []int{77}, *continued)

	require.NoError(t, m.Restore(context.Background(), "abc"))
	assert.Equal(t, []string{dir}, priv.restored)
}

func TestManagerLeaveStopped(t *testing.T) {
	m, continued := newTestManager(t, &fakePriv{})
	m.LeaveStopped = true
	_, err := m.Dump(context.Background(), 77, "abc")
	require.NoError(t, err)
	assert.Empty(t, *continued)
}

func TestManagerRotatesExistingDump(t *testing.T) {
	m, _ := newTestManager(t, &fakePriv{})

	_, err := m.Dump(context.Background(), 1, "abc")
	require.NoError(t, err)
	_, err = m.Dump(context.Background(), 2, "abc")
	require.NoError(t, err)

	entries, err := os.ReadDir(m.StateDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var rotated string
	for _, e := range entries {
		if e.Name() != "abc" {
			rotated = e.Name()
		}
	}
	require.True(t, strings.HasPrefix(rotated, "abc-"), rotated)
	assert.Len(t, strings.TrimPrefix(rotated, "abc-"), 16)
	assert.FileExists(t, filepath.Join(m.StateDir, rotated, "core.img"))
}

func TestManagerRestoreMissing(t *testing.T) {
	m, _ := newTestManager(t, &fakePriv{})
	err := m.Restore(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestManagerRejectsBadKeys(t *testing.T) {
	m, _ := newTestManager(t, &fakePriv{})
	for _, key := range []string{"", "..", "a/b"} {
		_, err := m.Dump(context.Background(), 1, key)
		assert.Error(t, err, key)
	}
}

func TestManagerDumpFailure(t *testing.T) {
	m, continued := newTestManager(t, &fakePriv{err: errors.New("criu exploded")})
	_, err := m.Dump(context.Background(), 5, "abc")
	assert.ErrorContains(t, err, "criu exploded")
	assert.Empty(t, *continued)
}
