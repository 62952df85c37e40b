// Package workspace materializes a harness archive and a submission into a
// private directory for one grading attempt.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"hive/pkg/errors"
	"hive/pkg/utils/logger"

	"go.uber.org/zap"
)

// Slot names inside a workspace.
const (
	CompileScript = "compile"
	RunScript     = "run"
	UserSlot      = "user"
)

const defaultMaxUnpackedBytes int64 = 256 << 20

// Config controls where workspaces are created.
type Config struct {
	// Root is the parent directory. Empty means os.TempDir().
	Root string `yaml:"root"`
	// MaxUnpackedBytes bounds extracted harness size. Zero means 256 MiB.
	MaxUnpackedBytes int64 `yaml:"maxUnpackedBytes"`
}

// Manager creates workspaces.
type Manager struct {
	root     string
	maxBytes int64
}

// NewManager validates cfg and ensures the root exists.
func NewManager(cfg Config) (*Manager, error) {
	root := cfg.Root
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceIOError, "create workspace root failed")
	}
	maxBytes := cfg.MaxUnpackedBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUnpackedBytes
	}
	return &Manager{root: root, maxBytes: maxBytes}, nil
}

// Workspace is an unpacked harness plus the submission, owned by one attempt.
type Workspace struct {
	dir  string
	once sync.Once
	err  error
}

// Dir is the absolute workspace path, used as cwd for the scripts.
func (w *Workspace) Dir() string { return w.dir }

// Release removes the workspace tree. Later calls return the first result.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			w.err = errors.Wrapf(err, errors.WorkspaceIOError, "remove workspace failed")
		}
	})
	return w.err
}

// Prepare unpacks harness into a fresh directory and writes submission to
// the user slot. On error nothing is left on disk.
func (m *Manager) Prepare(ctx context.Context, harness, submission []byte) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.root, "hive-")
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceIOError, "create workspace failed")
	}
	ws := &Workspace{dir: dir}

	if err := extract(harness, dir, m.maxBytes); err != nil {
		m.discard(ctx, ws)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		m.discard(ctx, ws)
		return nil, errors.Wrapf(err, errors.WorkspaceIOError, "prepare workspace cancelled")
	}
	if err := os.WriteFile(filepath.Join(dir, UserSlot), submission, 0644); err != nil {
		m.discard(ctx, ws)
		return nil, errors.Wrapf(err, errors.WorkspaceIOError, "write submission failed")
	}
	return ws, nil
}

func (m *Manager) discard(ctx context.Context, ws *Workspace) {
	if err := ws.Release(); err != nil {
		logger.Warn(ctx, "discard workspace failed", zap.String("dir", ws.dir), zap.Error(err))
	}
}
