// Package workspace manages the disposable directories submitted code is
// written to, built in and run from.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/peterje/coderunner/internal/lang"
)

type Manager struct {
	root string
}

// NewManager returns a manager creating workspaces under root. An empty
// root means <tmp>/coderunner.
func NewManager(root string) *Manager {
	if root == "" {
		root = filepath.Join(os.TempDir(), "coderunner")
	}
	return &Manager{root: root}
}

func (m *Manager) Root() string {
	return m.root
}

// Workspace is one isolated directory holding a single source file.
type Workspace struct {
	Dir        string
	SourcePath string
}

// Prepare creates a uniquely named directory and writes code to the
// toolchain's entry-point file inside it.
func (m *Manager) Prepare(prefix string, tc lang.Toolchain, code string) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}

	dir := filepath.Join(m.root, prefix+"-"+uuid.New().String())
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	ws := &Workspace{
		Dir:        dir,
		SourcePath: filepath.Join(dir, tc.SourceFile),
	}
	if err := os.WriteFile(ws.SourcePath, []byte(code), 0644); err != nil {
		ws.Remove()
		return nil, fmt.Errorf("write source: %w", err)
	}
	return ws, nil
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}
