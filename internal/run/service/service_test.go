package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/approval"
	"github.com/vuhlp/vuhlp/internal/artifacts"
	"github.com/vuhlp/vuhlp/internal/chat"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
	"github.com/vuhlp/vuhlp/internal/events/eventlog"
	"github.com/vuhlp/vuhlp/internal/executor"
	"github.com/vuhlp/vuhlp/internal/prompt"
	"github.com/vuhlp/vuhlp/internal/provider"
	"github.com/vuhlp/vuhlp/internal/provider/mock"
	"github.com/vuhlp/vuhlp/internal/roles"
	"github.com/vuhlp/vuhlp/internal/run"
	"github.com/vuhlp/vuhlp/internal/run/store"
	"github.com/vuhlp/vuhlp/internal/scheduler"
	"github.com/vuhlp/vuhlp/internal/session"
	"github.com/vuhlp/vuhlp/internal/verify"
	"github.com/vuhlp/vuhlp/internal/workspace"
)

type singleAdapter struct {
	adapter provider.Adapter
}

func (s singleAdapter) Get(name string) (provider.Adapter, error) { return s.adapter, nil }

type fixture struct {
	svc      *Service
	runs     *store.Store
	sessions *session.Registry
	eventLog *eventlog.Log

	mu    sync.Mutex
	types []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	runsDir := t.TempDir()
	eventLog := eventlog.New(runsDir, log)
	t.Cleanup(eventLog.Close)
	eventBus := bus.NewDurableBus(bus.NewMemoryEventBus(log), eventLog, log)
	t.Cleanup(eventBus.Close)

	runs := store.New()
	chatMgr := chat.NewManager(eventBus, runs, 50, log)
	approvals := approval.NewQueue(eventBus, log)
	prompts := prompt.NewQueue(log)
	sessions := session.NewRegistry(log)
	artifactStore := artifacts.New(runsDir, runs, eventBus, log)
	workspaces := workspace.NewManager(workspace.ModeShared, runsDir, log)
	verifier := verify.NewRunner(nil, time.Second, log)
	catalog := roles.NewCatalog()

	adapter := mock.NewAdapter(func(provider.SessionSpec) []mock.TurnScript {
		return []mock.TurnScript{{Deltas: []string{"ok"}, Output: "done"}}
	})
	exec := executor.New(runs, eventBus, approvals, singleAdapter{adapter}, sessions,
		artifactStore, workspaces, verifier, prompts, catalog, executor.Config{}, log)
	sched := scheduler.New(runs, eventBus, chatMgr, approvals, exec, scheduler.Config{
		MaxConcurrency:  1,
		Tick:            10 * time.Millisecond,
		InteractiveIdle: 10 * time.Millisecond,
	}, log)
	t.Cleanup(sched.StopAll)

	f := &fixture{runs: runs, sessions: sessions, eventLog: eventLog}
	f.svc = New(runs, sched, chatMgr, approvals, prompts, sessions, artifactStore,
		workspaces, nil, eventLog, eventBus, log)

	_, err = eventBus.Subscribe(events.BuildAllRunsWildcardSubject(), func(ctx context.Context, e *events.Event) error {
		f.mu.Lock()
		f.types = append(f.types, e.Type)
		f.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) sawType(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.types {
		if t == eventType {
			return true
		}
	}
	return false
}

func TestCreateRunDefaults(t *testing.T) {
	f := newFixture(t)

	r, err := f.svc.CreateRun("", "", "")
	require.NoError(t, err)
	assert.Equal(t, run.ModeAuto, r.Mode)
	assert.Equal(t, run.GlobalImplementation, r.GlobalMode)
	assert.NotEmpty(t, r.Cwd)

	_, err = f.svc.CreateRun("SOMETIMES", "", "")
	assert.Error(t, err)
	_, err = f.svc.CreateRun("", "DREAMING", "")
	assert.Error(t, err)
}

func TestPatchRunDrivesScheduler(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.CreateRun(run.ModeAuto, run.GlobalImplementation, t.TempDir())
	require.NoError(t, err)
	_, err = f.svc.AddNode(r.ID, &run.Node{ID: "a", Provider: "mock",
		Permissions: run.Permissions{CLIPermissions: run.PermissionsSkip}})
	require.NoError(t, err)

	running := run.StatusRunning
	_, err = f.svc.PatchRun(r.ID, store.RunPatch{Status: &running})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := f.runs.GetNode(r.ID, "a")
		return err == nil && n.Status == run.NodeCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stopped := run.StatusStopped
	_, err = f.svc.PatchRun(r.ID, store.RunPatch{Status: &stopped})
	require.NoError(t, err)
	got, err := f.svc.GetRun(r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusStopped, got.Status)

	bogus := run.Status("floating")
	_, err = f.svc.PatchRun(r.ID, store.RunPatch{Status: &bogus})
	assert.Error(t, err)
}

func TestPatchRunModeChange(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.CreateRun(run.ModeAuto, run.GlobalImplementation, t.TempDir())
	require.NoError(t, err)

	planning := run.GlobalPlanning
	updated, err := f.svc.PatchRun(r.ID, store.RunPatch{GlobalMode: &planning})
	require.NoError(t, err)
	assert.Equal(t, run.GlobalPlanning, updated.GlobalMode)
	require.Eventually(t, func() bool { return f.sawType(events.RunPatch) }, time.Second, 10*time.Millisecond)
}

func TestFirstNodeBecomesRoot(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.CreateRun(run.ModeAuto, run.GlobalImplementation, t.TempDir())
	require.NoError(t, err)

	_, err = f.svc.AddNode(r.ID, &run.Node{ID: "root", Provider: "mock"})
	require.NoError(t, err)
	_, err = f.svc.AddNode(r.ID, &run.Node{ID: "child", Provider: "mock"})
	require.NoError(t, err)

	got, err := f.svc.GetRun(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "root", got.RootNodeID)
	require.Eventually(t, func() bool { return f.sawType(events.NodePatch) }, time.Second, 10*time.Millisecond)
}

func TestResetNodeClearsSession(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.CreateRun(run.ModeAuto, run.GlobalImplementation, t.TempDir())
	require.NoError(t, err)
	_, err = f.svc.AddNode(r.ID, &run.Node{ID: "a", Provider: "mock"})
	require.NoError(t, err)
	sid := "ext-123"
	_, err = f.runs.PatchNode(r.ID, "a", store.NodePatch{SessionID: &sid})
	require.NoError(t, err)

	updated, err := f.svc.ResetNode(r.ID, "a")
	require.NoError(t, err)
	assert.Empty(t, updated.Session.SessionID)
	assert.Nil(t, f.sessions.Get(r.ID, "a"))

	_, err = f.svc.ResetNode(r.ID, "missing")
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
}

func TestEdgeLifecycle(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.CreateRun(run.ModeAuto, run.GlobalImplementation, t.TempDir())
	require.NoError(t, err)
	_, err = f.svc.AddNode(r.ID, &run.Node{ID: "a", Provider: "mock"})
	require.NoError(t, err)
	_, err = f.svc.AddNode(r.ID, &run.Node{ID: "b", Provider: "mock"})
	require.NoError(t, err)

	edge, err := f.svc.AddEdge(r.ID, &run.Edge{From: "a", To: "b"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.sawType(events.EdgeCreated) }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.svc.RemoveEdge(r.ID, edge.ID))
	require.Eventually(t, func() bool { return f.sawType(events.EdgeDeleted) }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, f.svc.RemoveEdge(r.ID, edge.ID), store.ErrEdgeNotFound)
}

func TestRemoveNodePublishesDeletion(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.CreateRun(run.ModeAuto, run.GlobalImplementation, t.TempDir())
	require.NoError(t, err)
	_, err = f.svc.AddNode(r.ID, &run.Node{ID: "a", Provider: "mock"})
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveNode(r.ID, "a"))
	require.Eventually(t, func() bool { return f.sawType(events.NodeDeleted) }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, f.svc.RemoveNode(r.ID, "a"), store.ErrNodeNotFound)
}

func TestEventsPagesHistory(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.CreateRun(run.ModeAuto, run.GlobalImplementation, t.TempDir())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.svc.AddNode(r.ID, &run.Node{Provider: "mock"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		page, err := f.svc.Events(r.ID, 3, nil)
		return err == nil && len(page.Events) == 3 && page.HasMore
	}, time.Second, 10*time.Millisecond)

	_, err = f.svc.Events("missing", 10, nil)
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestDeleteRunCleansUp(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.CreateRun(run.ModeAuto, run.GlobalImplementation, t.TempDir())
	require.NoError(t, err)
	_, err = f.svc.AddNode(r.ID, &run.Node{ID: "a", Provider: "mock"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteRun(context.Background(), r.ID))
	_, err = f.svc.GetRun(r.ID)
	assert.ErrorIs(t, err, store.ErrRunNotFound)
	assert.ErrorIs(t, f.svc.DeleteRun(context.Background(), r.ID), store.ErrRunNotFound)

	page, err := f.eventLog.Replay(r.ID, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
}
