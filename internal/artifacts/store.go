// Package artifacts stores files produced during runs on disk and registers
// them with the run store. Every saved artifact is announced on the bus as
// artifact.created.
package artifacts

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/ident"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
	"github.com/vuhlp/vuhlp/internal/run"
	"github.com/vuhlp/vuhlp/internal/run/store"
)

// Store writes artifact files under <runsDir>/<runID>/artifacts and records
// their metadata in the run store.
type Store struct {
	runsDir string
	runs    *store.Store
	bus     bus.EventBus
	logger  *logger.Logger
}

// New creates an artifact store rooted at runsDir.
func New(runsDir string, runs *store.Store, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		runsDir: runsDir,
		runs:    runs,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "artifact-store")),
	}
}

// Dir returns the artifact directory of a run.
func (s *Store) Dir(runID string) string {
	return filepath.Join(s.runsDir, runID, "artifacts")
}

// Save writes content to disk, registers the artifact and publishes
// artifact.created. The stored file name is derived from name; collisions
// get an id prefix.
func (s *Store) Save(ctx context.Context, runID, nodeID string, kind run.ArtifactKind, name string, content []byte, meta *run.ArtifactMeta) (*run.Artifact, error) {
	dir := s.Dir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	id := ident.New()
	fileName := sanitizeName(name)
	path := filepath.Join(dir, fileName)
	if _, err := os.Stat(path); err == nil {
		fileName = id[:8] + "-" + fileName
		path = filepath.Join(dir, fileName)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write artifact %s: %w", name, err)
	}

	artifact, err := s.runs.AddArtifact(runID, &run.Artifact{
		ID:     id,
		NodeID: nodeID,
		Kind:   kind,
		Name:   name,
		Path:   path,
		Meta:   meta,
	})
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	event := events.New(runID, events.ArtifactCreated, map[string]interface{}{
		"artifactId": artifact.ID,
		"nodeId":     nodeID,
		"kind":       string(kind),
		"name":       name,
	})
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish artifact.created",
			zap.String("run_id", runID), zap.String("artifact_id", artifact.ID), zap.Error(err))
	}

	return artifact, nil
}

// Content returns the stored bytes of an artifact.
func (s *Store) Content(runID, artifactID string) (*run.Artifact, []byte, error) {
	artifact, err := s.runs.GetArtifact(runID, artifactID)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact %s: %w", artifactID, err)
	}
	return artifact, data, nil
}

// ExportZip streams a zip archive of the run's artifact directory.
// A run without artifacts yields an empty archive.
func (s *Store) ExportZip(runID string, w io.Writer) error {
	if _, err := s.runs.GetRun(runID); err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	dir := s.Dir(runID)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(f, src)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to export artifacts for run %s: %w", runID, err)
	}
	return zw.Close()
}

// RemoveRun deletes the run's artifact files.
func (s *Store) RemoveRun(runID string) error {
	return os.RemoveAll(filepath.Join(s.runsDir, runID))
}

// sanitizeName flattens a display name into a safe file name.
func sanitizeName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		out = "artifact"
	}
	return out
}
