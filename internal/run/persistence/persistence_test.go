package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
	"github.com/vuhlp/vuhlp/internal/run"
	"github.com/vuhlp/vuhlp/internal/run/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	s, err := Open(&config.Config{DataDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	s := newStore(t)

	runs := store.New()
	r := runs.CreateRun(run.ModeAuto, run.GlobalImplementation, "/tmp/work")
	_, err := runs.AddNode(r.ID, &run.Node{ID: "root", Provider: "mock", Label: "orchestrator"})
	require.NoError(t, err)
	snapshot, err := runs.GetRun(r.ID)
	require.NoError(t, err)

	s.Save(snapshot)
	require.NoError(t, s.Flush())

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, r.ID, loaded[0].ID)
	assert.Equal(t, "/tmp/work", loaded[0].Cwd)
	require.Contains(t, loaded[0].Nodes, "root")
	assert.Equal(t, "orchestrator", loaded[0].Nodes["root"].Label)
}

func TestLoadDemotesRunningState(t *testing.T) {
	s := newStore(t)

	runs := store.New()
	r := runs.CreateRun(run.ModeAuto, run.GlobalImplementation, "")
	_, err := runs.AddNode(r.ID, &run.Node{ID: "a", Provider: "mock"})
	require.NoError(t, err)
	running := run.NodeRunning
	_, err = runs.PatchNode(r.ID, "a", store.NodePatch{Status: &running})
	require.NoError(t, err)
	_, err = runs.SetRunStatus(r.ID, run.StatusRunning)
	require.NoError(t, err)
	snapshot, err := runs.GetRun(r.ID)
	require.NoError(t, err)

	s.Save(snapshot)
	require.NoError(t, s.Flush())

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, run.StatusPaused, loaded[0].Status)
	assert.Equal(t, run.NodeQueued, loaded[0].Nodes["a"].Status)
}

func TestSaveCoalescesAndUpserts(t *testing.T) {
	s := newStore(t)

	runs := store.New()
	r := runs.CreateRun(run.ModeAuto, run.GlobalPlanning, "")
	first, err := runs.GetRun(r.ID)
	require.NoError(t, err)
	s.Save(first)

	_, err = runs.SetRunStatus(r.ID, run.StatusPaused)
	require.NoError(t, err)
	second, err := runs.GetRun(r.ID)
	require.NoError(t, err)
	s.Save(second)
	require.NoError(t, s.Flush())

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, run.StatusPaused, loaded[0].Status)
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	s := newStore(t)

	runs := store.New()
	r := runs.CreateRun(run.ModeAuto, run.GlobalImplementation, "")
	snapshot, err := runs.GetRun(r.ID)
	require.NoError(t, err)
	s.Save(snapshot)
	require.NoError(t, s.Flush())

	s.Delete(r.ID)
	require.NoError(t, s.Flush())

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestWatchSnapshotsOnEvents(t *testing.T) {
	s := newStore(t)
	s.debounce = 10 * time.Millisecond

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	runs := store.New()
	sub, err := s.Watch(eventBus, runs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	r := runs.CreateRun(run.ModeAuto, run.GlobalImplementation, "")
	_, err = runs.SetRunStatus(r.ID, run.StatusRunning)
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(context.Background(), events.New(r.ID, events.RunPatch, map[string]interface{}{
		"status": string(run.StatusRunning),
	})))

	require.Eventually(t, func() bool {
		loaded, err := s.LoadAll()
		return err == nil && len(loaded) == 1 && loaded[0].ID == r.ID
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCloseFlushesPending(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	cfg := &config.Config{DataDir: t.TempDir()}
	s, err := Open(cfg, log)
	require.NoError(t, err)

	runs := store.New()
	r := runs.CreateRun(run.ModeAuto, run.GlobalImplementation, "")
	snapshot, err := runs.GetRun(r.ID)
	require.NoError(t, err)
	s.Save(snapshot)
	require.NoError(t, s.Close())

	reopened, err := Open(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	loaded, err := reopened.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, r.ID, loaded[0].ID)
}
