// Package eventlog persists run events as append-only newline-delimited
// JSON, one file per run, and pages through history backwards for UI
// catch-up.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
)

// Log appends events to per-run JSONL files under <runsDir>/<runId>/.
type Log struct {
	runsDir string
	mu      sync.Mutex
	files   map[string]*os.File
	logger  *logger.Logger
}

// New creates a Log rooted at runsDir.
func New(runsDir string, log *logger.Logger) *Log {
	return &Log{
		runsDir: runsDir,
		files:   make(map[string]*os.File),
		logger:  log.WithFields(zap.String("component", "eventlog")),
	}
}

// FilePath returns the event log path for a run.
func (l *Log) FilePath(runID string) string {
	return filepath.Join(l.runsDir, runID, "events.jsonl")
}

// Append writes the event as one JSON line and fsyncs before returning.
func (l *Log) Append(event *events.Event) error {
	data, err := event.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fileLocked(event.RunID)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

// Remove closes and deletes the run's log file. Used on run deletion.
func (l *Log) Remove(runID string) error {
	l.mu.Lock()
	if f, ok := l.files[runID]; ok {
		_ = f.Close()
		delete(l.files, runID)
	}
	l.mu.Unlock()

	err := os.Remove(l.FilePath(runID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close closes all open log files.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for runID, f := range l.files {
		if err := f.Close(); err != nil {
			l.logger.Warn("failed to close event log", zap.String("run_id", runID), zap.Error(err))
		}
	}
	l.files = make(map[string]*os.File)
}

func (l *Log) fileLocked(runID string) (*os.File, error) {
	if f, ok := l.files[runID]; ok {
		return f, nil
	}
	path := l.FilePath(runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	l.files[runID] = f
	return f, nil
}
