// Package workspace materializes per-node working directories. Depending on
// configuration a node works directly in the run's cwd, in a git worktree or
// in a recursive copy. Materialization failures fall back to the shared cwd
// so a turn is never blocked on workspace plumbing.
package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/logger"
)

// Modes supported by the manager.
const (
	ModeShared   = "shared"
	ModeWorktree = "worktree"
	ModeCopy     = "copy"
)

// Manager resolves and cleans up node workspaces.
type Manager struct {
	mode    string
	runsDir string
	logger  *logger.Logger
}

// NewManager creates a workspace manager. Unknown modes behave as shared.
func NewManager(mode, runsDir string, log *logger.Logger) *Manager {
	return &Manager{
		mode:    mode,
		runsDir: runsDir,
		logger:  log.WithFields(zap.String("component", "workspace-manager")),
	}
}

// PathFor returns the working directory for one node's turn, creating it if
// needed. The shared run cwd is returned when materialization fails.
func (m *Manager) PathFor(ctx context.Context, runID, nodeID, runCwd string) string {
	switch m.mode {
	case ModeWorktree:
		path, err := m.ensureWorktree(ctx, runID, nodeID, runCwd)
		if err != nil {
			m.logger.Warn("worktree setup failed; falling back to shared cwd",
				zap.String("run_id", runID), zap.String("node_id", nodeID), zap.Error(err))
			return runCwd
		}
		return path

	case ModeCopy:
		path, err := m.ensureCopy(runID, nodeID, runCwd)
		if err != nil {
			m.logger.Warn("workspace copy failed; falling back to shared cwd",
				zap.String("run_id", runID), zap.String("node_id", nodeID), zap.Error(err))
			return runCwd
		}
		return path

	default:
		return runCwd
	}
}

// Cleanup removes every materialized workspace of the run. Worktrees are
// detached through git so the source repository stays consistent.
func (m *Manager) Cleanup(ctx context.Context, runID, runCwd string) {
	worktrees := filepath.Join(m.runsDir, runID, "worktrees")
	if entries, err := os.ReadDir(worktrees); err == nil {
		for _, entry := range entries {
			path := filepath.Join(worktrees, entry.Name())
			cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
			cmd.Dir = runCwd
			if out, err := cmd.CombinedOutput(); err != nil {
				m.logger.Warn("git worktree remove failed",
					zap.String("path", path), zap.String("output", string(out)), zap.Error(err))
				_ = os.RemoveAll(path)
			}
		}
		cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = runCwd
		_ = cmd.Run()
	}
	_ = os.RemoveAll(worktrees)
	_ = os.RemoveAll(filepath.Join(m.runsDir, runID, "copies"))
}

func (m *Manager) ensureWorktree(ctx context.Context, runID, nodeID, runCwd string) (string, error) {
	path := filepath.Join(m.runsDir, runID, "worktrees", nodeID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	// git worktree add --detach <path>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "--detach", path)
	cmd.Dir = runCwd
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add: %s: %w", string(out), err)
	}
	return path, nil
}

func (m *Manager) ensureCopy(runID, nodeID, runCwd string) (string, error) {
	path := filepath.Join(m.runsDir, runID, "copies", nodeID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := copyTree(runCwd, path); err != nil {
		_ = os.RemoveAll(path)
		return "", err
	}
	return path, nil
}

// copyTree recursively copies src into dst, skipping .git directories.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == ".git" && rel != "." {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
