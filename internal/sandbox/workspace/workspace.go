// Package workspace manages the per-submission directory that holds user source and build output.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
	"github.com/pipixiangz/ppxoj-code-sandbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRootName = "tmpCode"

// Config is the root every workspace is created under.
type Config struct {
	Root string `yaml:"root"`
}

// Layout describes where a language expects its source inside a workspace.
type Layout struct {
	Prefix         string
	SourceFileName string
}

// Manager creates workspaces under a fixed root.
type Manager struct {
	root string
}

// Workspace is one submission's directory. Destroy may be called any number of times.
type Workspace struct {
	ID         string
	Dir        string
	SourcePath string

	once       sync.Once
	destroyErr error
}

// NewManager resolves the root directory. An empty root means <cwd>/tmpCode.
func NewManager(cfg Config) (*Manager, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspaceError, "resolve working directory failed")
		}
		root = filepath.Join(wd, defaultRootName)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "resolve workspace root failed")
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Create writes code into a fresh uniquely named directory.
func (m *Manager) Create(ctx context.Context, code string, layout Layout) (*Workspace, error) {
	name := filepath.Base(strings.TrimSpace(layout.SourceFileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, appErr.ValidationError("source_file_name", "required")
	}
	prefix := filepath.Clean("/" + strings.TrimSpace(layout.Prefix))

	id := uuid.NewString()
	dir := filepath.Join(m.root, prefix, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create workspace failed")
	}

	ws := &Workspace{
		ID:         id,
		Dir:        dir,
		SourcePath: filepath.Join(dir, name),
	}
	if err := os.WriteFile(ws.SourcePath, []byte(code), 0644); err != nil {
		_ = ws.Destroy()
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "write source file failed")
	}

	logger.Debug(ctx, "workspace created", zap.String("dir", dir))
	return ws, nil
}

// Destroy removes the workspace directory recursively.
func (w *Workspace) Destroy() error {
	if w == nil {
		return nil
	}
	w.once.Do(func() {
		if err := os.RemoveAll(w.Dir); err != nil {
			w.destroyErr = appErr.Wrapf(err, appErr.WorkspaceError, "remove workspace failed")
		}
	})
	return w.destroyErr
}
