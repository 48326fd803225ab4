package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "geekpaste.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and old tasks pruned.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultTaskRetention is how long finished download tasks are kept.
	DefaultTaskRetention = 30 * 24 * time.Hour
)

// schema is applied in order; PRAGMA user_version records how many steps ran.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS settings (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS devices (
  address           TEXT PRIMARY KEY,
  name              TEXT NOT NULL DEFAULT '',
  bonded            INTEGER NOT NULL DEFAULT 0,
  pinned_public_key TEXT NOT NULL DEFAULT '',
  added_at          INTEGER NOT NULL,
  last_seen_at      INTEGER
)`,
	`CREATE TABLE IF NOT EXISTS download_tasks (
  task_id          TEXT PRIMARY KEY,
  file_name        TEXT NOT NULL,
  file_size        INTEGER NOT NULL,
  source_url       TEXT NOT NULL,
  progress_url     TEXT NOT NULL DEFAULT '',
  pinned_key       TEXT NOT NULL DEFAULT '',
  status           TEXT NOT NULL CHECK(status IN ('pending','downloading','completed','failed','cancelled')) DEFAULT 'pending',
  downloaded_bytes INTEGER NOT NULL DEFAULT 0,
  temp_path        TEXT NOT NULL DEFAULT '',
  saved_location   TEXT NOT NULL DEFAULT '',
  error            TEXT NOT NULL DEFAULT '',
  created_at       INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_download_tasks_status_time
ON download_tasks (status, updated_at DESC, task_id)`,
}

// Options configures OpenWith.
//
// A negative MaintenanceInterval disables the background loop; a negative
// TaskRetention keeps finished tasks forever.
type Options struct {
	Path                string
	MaintenanceInterval time.Duration
	TaskRetention       time.Duration
	Now                 func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaintenanceInterval == 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.TaskRetention == 0 {
		o.TaskRetention = DefaultTaskRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store persists settings, known devices and download tasks in SQLite.
type Store struct {
	db   *sql.DB
	opts Options

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) geekpaste.db under dataDir. It also returns the database path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenWith(Options{Path: dbPath})
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath with default options.
func OpenPath(dbPath string) (*Store, error) {
	return OpenWith(Options{Path: dbPath})
}

// OpenWith opens the database, brings the schema up to date and runs one maintenance pass.
func OpenWith(options Options) (*Store, error) {
	opts := options.withDefaults()
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(opts.Path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{db: db, opts: opts, stop: make(chan struct{})}
	for _, step := range []func() error{db.Ping, store.useWAL, store.migrate, store.maintain} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if opts.MaintenanceInterval > 0 {
		store.wg.Add(1)
		go store.maintenanceLoop()
	}
	return store, nil
}

// Close stops maintenance and closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(schema) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for step := applied; step < len(schema); step++ {
		if _, err := tx.Exec(schema[step]); err != nil {
			return fmt.Errorf("apply schema step %d: %w", step+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(schema))); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

// maintain prunes expired finished tasks and truncates the WAL.
func (s *Store) maintain() error {
	if s.opts.TaskRetention > 0 {
		cutoff := s.opts.Now().Add(-s.opts.TaskRetention).UnixMilli()
		if _, err := s.PruneDownloadTasks(cutoff); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.maintain()
		}
	}
}
