// Package workspace manages the space runtime directory structure.
// Local sandbox project trees and downloaded archives live under a single
// workspace root.
//
// Default workspace: ~/.space/workspace (configurable via config or SPACE_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultRelativePath = ".space/workspace"

// Workspace manages runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.space/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// SandboxDir returns <root>/sandbox/. Parent of local sandbox project trees.
func (w *Workspace) SandboxDir() string {
	return w.dir("sandbox")
}

// ArchivesDir returns <root>/archives/. Project archives downloaded by the CLI.
func (w *Workspace) ArchivesDir() string {
	return w.dir("archives")
}

// ProjectDir returns <root>/sandbox/<sandboxID>/ without creating it.
func (w *Workspace) ProjectDir(sandboxID string) string {
	return filepath.Join(w.SandboxDir(), sanitizeName(sandboxID))
}

// ArchivePath returns <root>/archives/<sandboxID>.zip.
func (w *Workspace) ArchivePath(sandboxID string) string {
	return filepath.Join(w.ArchivesDir(), sanitizeName(sandboxID)+".zip")
}

// RemoveProject deletes the project tree of one sandbox.
func (w *Workspace) RemoveProject(sandboxID string) error {
	if err := os.RemoveAll(w.ProjectDir(sandboxID)); err != nil {
		return fmt.Errorf("removing sandbox project %s: %w", sandboxID, err)
	}
	return nil
}

// CleanSandbox removes all contents of the sandbox directory.
func (w *Workspace) CleanSandbox() error {
	dir := filepath.Join(w.Root, "sandbox")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading sandbox dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing sandbox entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	for _, name := range []string{"sandbox", "archives"} {
		if err := w.ensureDir(filepath.Join(w.Root, name), 0750); err != nil {
			return err
		}
	}
	return nil
}

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
