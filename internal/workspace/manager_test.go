package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/logger"
)

func newTestManager(t *testing.T, mode string) (*Manager, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	runsDir := t.TempDir()
	return NewManager(mode, runsDir, log), runsDir
}

func TestSharedModeReturnsRunCwd(t *testing.T) {
	m, _ := newTestManager(t, ModeShared)
	cwd := t.TempDir()
	assert.Equal(t, cwd, m.PathFor(context.Background(), "run-1", "node-1", cwd))
}

func TestUnknownModeBehavesAsShared(t *testing.T) {
	m, _ := newTestManager(t, "bogus")
	cwd := t.TempDir()
	assert.Equal(t, cwd, m.PathFor(context.Background(), "run-1", "node-1", cwd))
}

func TestCopyModeMaterializesTree(t *testing.T) {
	m, runsDir := newTestManager(t, ModeCopy)
	cwd := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "pkg", "a.go"), []byte("package pkg"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, ".git", "HEAD"), []byte("ref"), 0o644))

	path := m.PathFor(context.Background(), "run-1", "node-1", cwd)
	assert.Equal(t, filepath.Join(runsDir, "run-1", "copies", "node-1"), path)
	assert.FileExists(t, filepath.Join(path, "pkg", "a.go"))
	assert.NoDirExists(t, filepath.Join(path, ".git"))

	// Second call reuses the same workspace.
	again := m.PathFor(context.Background(), "run-1", "node-1", cwd)
	assert.Equal(t, path, again)
}

func TestCopyModeDistinctPerNode(t *testing.T) {
	m, _ := newTestManager(t, ModeCopy)
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "f"), []byte("x"), 0o644))

	a := m.PathFor(context.Background(), "run-1", "node-a", cwd)
	b := m.PathFor(context.Background(), "run-1", "node-b", cwd)
	assert.NotEqual(t, a, b)
}

func TestWorktreeModeFallsBackOutsideGitRepo(t *testing.T) {
	m, _ := newTestManager(t, ModeWorktree)
	cwd := t.TempDir()
	path := m.PathFor(context.Background(), "run-1", "node-1", cwd)
	assert.Equal(t, cwd, path)
}

func TestCleanupRemovesCopies(t *testing.T) {
	m, runsDir := newTestManager(t, ModeCopy)
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "f"), []byte("x"), 0o644))

	path := m.PathFor(context.Background(), "run-1", "node-1", cwd)
	require.DirExists(t, path)

	m.Cleanup(context.Background(), "run-1", cwd)
	assert.NoDirExists(t, filepath.Join(runsDir, "run-1", "copies"))
}
