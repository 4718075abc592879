// Package persistence snapshots runs into SQLite or PostgreSQL so the daemon
// can restore them after a restart. The in-memory store stays authoritative;
// writes are debounced and flushed in the background.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/db"
	"github.com/vuhlp/vuhlp/internal/db/dialect"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
	"github.com/vuhlp/vuhlp/internal/run"
	"github.com/vuhlp/vuhlp/internal/run/store"
)

const defaultDebounce = 500 * time.Millisecond

// Store is the run snapshot database.
type Store struct {
	pool     *db.Pool
	driver   string
	debounce time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	dirty   map[string]*run.Run
	deleted map[string]bool
	timer   *time.Timer
	closed  bool
}

// Open connects to the snapshot database. An empty database.dsn selects the
// embedded SQLite file under the data directory; a DSN selects Postgres.
func Open(cfg *config.Config, log *logger.Logger) (*Store, error) {
	var (
		pool   *db.Pool
		driver string
	)
	if cfg.Database.DSN != "" {
		raw, err := db.OpenPostgres(cfg.Database.DSN, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres snapshot store: %w", err)
		}
		conn := sqlx.NewDb(raw, dialect.PGX)
		pool = db.NewPool(conn, conn)
		driver = dialect.PGX
	} else {
		writer, err := db.OpenSQLite(cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite snapshot store: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.SQLitePath())
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool = db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
		driver = dialect.SQLite3
	}

	s := &Store{
		pool:     pool,
		driver:   driver,
		debounce: defaultDebounce,
		logger:   log.WithFields(zap.String("component", "persistence")),
		dirty:    make(map[string]*run.Run),
		deleted:  make(map[string]bool),
	}
	if err := s.initSchema(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.pool.Writer().Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			mode        TEXT NOT NULL,
			global_mode TEXT NOT NULL,
			snapshot    TEXT NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}
	_, err = s.pool.Writer().Exec(`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`)
	if err != nil {
		return fmt.Errorf("failed to create snapshot index: %w", err)
	}
	return nil
}

// Save marks the run dirty and schedules a debounced flush. The run is
// snapshotted at flush time from the copy passed here, so callers must hand
// over a clone they will not mutate.
func (s *Store) Save(r *run.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.deleted, r.ID)
	s.dirty[r.ID] = r
	s.scheduleLocked()
}

// Delete removes the run's snapshot on the next flush.
func (s *Store) Delete(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.dirty, runID)
	s.deleted[runID] = true
	s.scheduleLocked()
}

func (s *Store) scheduleLocked() {
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(); err != nil {
			s.logger.Warn("snapshot flush failed", zap.Error(err))
		}
	})
}

// Flush writes all pending snapshots and deletions synchronously.
func (s *Store) Flush() error {
	s.mu.Lock()
	dirty := s.dirty
	deleted := s.deleted
	s.dirty = make(map[string]*run.Run)
	s.deleted = make(map[string]bool)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	writer := s.pool.Writer()
	for id := range deleted {
		if _, err := writer.Exec(writer.Rebind(`DELETE FROM runs WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete run snapshot %s: %w", id, err)
		}
	}

	upsert := writer.Rebind(`
		INSERT INTO runs (id, status, mode, global_mode, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?, ` + dialect.Now(s.driver) + `)
		ON CONFLICT(id) DO UPDATE SET
			status      = excluded.status,
			mode        = excluded.mode,
			global_mode = excluded.global_mode,
			snapshot    = excluded.snapshot,
			updated_at  = ` + dialect.Now(s.driver))
	for id, r := range dirty {
		snapshot, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal run %s: %w", id, err)
		}
		_, err = writer.Exec(upsert, r.ID, string(r.Status), string(r.Mode), string(r.GlobalMode), string(snapshot))
		if err != nil {
			return fmt.Errorf("failed to persist run %s: %w", id, err)
		}
	}
	return nil
}

// LoadAll restores every persisted run. Runs that were running when the
// daemon went down come back paused, and their running nodes re-queue, so
// nothing resumes without an explicit start.
func (s *Store) LoadAll() ([]*run.Run, error) {
	var snapshots []string
	if err := s.pool.Reader().Select(&snapshots, `SELECT snapshot FROM runs ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to load run snapshots: %w", err)
	}

	runs := make([]*run.Run, 0, len(snapshots))
	for _, raw := range snapshots {
		var r run.Run
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.logger.Warn("skipping corrupt run snapshot", zap.Error(err))
			continue
		}
		if r.Status == run.StatusRunning {
			r.Status = run.StatusPaused
		}
		for _, node := range r.Nodes {
			if node.Status == run.NodeRunning {
				node.Status = run.NodeQueued
			}
		}
		runs = append(runs, &r)
	}
	return runs, nil
}

// Watch subscribes to all run events and snapshots the affected run on each
// one. The debounce coalesces event bursts into single writes.
func (s *Store) Watch(eventBus bus.EventBus, runs *store.Store) (bus.Subscription, error) {
	return eventBus.Subscribe(events.BuildAllRunsWildcardSubject(), func(ctx context.Context, e *events.Event) error {
		r, err := runs.GetRun(e.RunID)
		if err != nil {
			return nil
		}
		s.Save(r)
		return nil
	})
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	err := s.Flush()
	if s.driver == dialect.SQLite3 {
		_, _ = s.pool.Writer().Exec("PRAGMA optimize")
	}
	if closeErr := s.pool.Close(); err == nil {
		err = closeErr
	}
	return err
}
