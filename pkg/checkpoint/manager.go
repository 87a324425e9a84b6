package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/psantana5/media-overseer/pkg/logging"
)

// ErrNoCheckpoint is returned when restoring a key that was never dumped
var ErrNoCheckpoint = errors.New("no checkpoint for key")

// Manager owns the layout of checkpoint images under a state directory
type Manager struct {
	StateDir string
	Priv     Privileged

	// LeaveStopped keeps dumped processes stopped instead of continuing them
	LeaveStopped bool

	logger *logging.Logger
	signal func(pid int, sig syscall.Signal) error
}

// NewManager creates a manager rooted at stateDir
func NewManager(stateDir string, priv Privileged, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		StateDir: stateDir,
		Priv:     priv,
		logger:   logger.WithField("component", "checkpoint"),
		signal:   syscall.Kill,
	}
}

// Dir returns the image directory for a key
func (m *Manager) Dir(key string) string {
	return filepath.Join(m.StateDir, key)
}

// Dump checkpoints pid under key. An existing directory for the key is moved
// aside first and the new image directory is returned.
func (m *Manager) Dump(ctx context.Context, pid int, key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	dir := m.Dir(key)
	if _, err := os.Stat(dir); err == nil {
		moved, err := RotateAside(dir)
		if err != nil {
			return "", err
		}
		m.logger.Info("previous checkpoint moved aside", logging.Fields{"key": key, "dir": moved})
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	if err := m.Priv.Dump(ctx, pid, dir); err != nil {
		return "", err
	}
	m.logger.Info("process dumped", logging.Fields{"pid": pid, "dir": dir})

	if !m.LeaveStopped {
		if err := m.signal(pid, syscall.SIGCONT); err != nil && !errors.Is(err, syscall.ESRCH) {
			return dir, fmt.Errorf("failed to continue pid %d: %w", pid, err)
		}
	}
	return dir, nil
}

// Restore resumes the checkpoint stored under key
func (m *Manager) Restore(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	dir := m.Dir(key)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNoCheckpoint, key)
	}
	if err := m.Priv.Restore(ctx, dir); err != nil {
		return err
	}
	m.logger.Info("process restored", logging.Fields{"dir": dir})
	return nil
}

// RotateAside renames path to path-<random> and returns the new name
func RotateAside(path string) (string, error) {
	for {
		candidate := path + "-" + randomSuffix()
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			if err := os.Rename(path, candidate); err != nil {
				return "", fmt.Errorf("failed to move %s aside: %w", path, err)
			}
			return candidate, nil
		}
	}
}

// randomSuffix returns 16 random alphanumeric characters
func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func validKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsRune(key, filepath.Separator) {
		return fmt.Errorf("invalid checkpoint key %q", key)
	}
	return nil
}
