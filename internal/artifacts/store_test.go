package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
	"github.com/vuhlp/vuhlp/internal/run"
	"github.com/vuhlp/vuhlp/internal/run/store"
)

func newTestStore(t *testing.T) (*Store, *store.Store, bus.EventBus, *run.Run) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	runs := store.New()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	r := runs.CreateRun(run.ModeAuto, run.GlobalImplementation, t.TempDir())
	return New(t.TempDir(), runs, eventBus, log), runs, eventBus, r
}

func TestSaveRegistersAndPublishes(t *testing.T) {
	s, runs, eventBus, r := newTestStore(t)

	var mu sync.Mutex
	var published []*events.Event
	_, err := eventBus.Subscribe(events.BuildRunWildcardSubject(r.ID), func(ctx context.Context, e *events.Event) error {
		mu.Lock()
		published = append(published, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	artifact, err := s.Save(context.Background(), r.ID, "node-1", run.ArtifactDiff, "turn-1.diff", []byte("--- a\n+++ b\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, run.ArtifactDiff, artifact.Kind)
	assert.FileExists(t, artifact.Path)

	got, err := runs.GetArtifact(r.ID, artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, "turn-1.diff", got.Name)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1 && published[0].Type == events.ArtifactCreated
	}, time.Second, 10*time.Millisecond)
}

func TestSaveCollidingNamesKeepBothFiles(t *testing.T) {
	s, _, _, r := newTestStore(t)

	first, err := s.Save(context.Background(), r.ID, "n", run.ArtifactLog, "out.log", []byte("one"), nil)
	require.NoError(t, err)
	second, err := s.Save(context.Background(), r.ID, "n", run.ArtifactLog, "out.log", []byte("two"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
	_, data, err := s.Content(r.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestContentUnknownArtifact(t *testing.T) {
	s, _, _, r := newTestStore(t)
	_, _, err := s.Content(r.ID, "missing")
	assert.ErrorIs(t, err, store.ErrArtifactNotFound)
}

func TestExportZip(t *testing.T) {
	s, _, _, r := newTestStore(t)

	_, err := s.Save(context.Background(), r.ID, "n", run.ArtifactPrompt, "prompt.md", []byte("hello"), nil)
	require.NoError(t, err)
	_, err = s.Save(context.Background(), r.ID, "n", run.ArtifactDiff, "change.diff", []byte("+x"), nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.ExportZip(r.ID, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"prompt.md", "change.diff"}, names)
}

func TestExportZipEmptyRun(t *testing.T) {
	s, _, _, r := newTestStore(t)
	var buf bytes.Buffer
	require.NoError(t, s.ExportZip(r.ID, &buf))
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Empty(t, zr.File)
}

func TestRemoveRunDeletesFiles(t *testing.T) {
	s, _, _, r := newTestStore(t)
	artifact, err := s.Save(context.Background(), r.ID, "n", run.ArtifactLog, "gone.log", []byte("x"), nil)
	require.NoError(t, err)

	require.NoError(t, s.RemoveRun(r.ID))
	_, err = os.Stat(artifact.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a-b.diff", sanitizeName("a b.diff"))
	assert.Equal(t, "etc-passwd", sanitizeName("../../etc passwd"))
	assert.Equal(t, "artifact", sanitizeName("///"))
}
