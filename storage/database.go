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
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "chatsync.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultTombstoneRetention controls how long delete tombstones are kept.
	//
	// A tombstone only needs to outlive the window in which the server may
	// still re-deliver a duplicate echo for the deleted message.
	DefaultTombstoneRetention = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id     TEXT PRIMARY KEY,
  client_id      TEXT NOT NULL,
  sender_id      TEXT NOT NULL,
  receiver_id    TEXT NOT NULL,
  body           TEXT NOT NULL DEFAULT '',
  image_ref      TEXT,
  timestamp_sent INTEGER NOT NULL,
  sender_name    TEXT NOT NULL DEFAULT '',
  status         TEXT CHECK(status IN ('pending','sent','failed')) DEFAULT 'pending',
  is_read        INTEGER NOT NULL DEFAULT 0,
  read_at        INTEGER
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
ON messages (client_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (sender_id, receiver_id, timestamp_sent);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_sender_status_time
ON messages (sender_id, status, timestamp_sent);
`,
	`
CREATE TABLE IF NOT EXISTS deleted_messages (
  message_id TEXT PRIMARY KEY,
  client_id  TEXT NOT NULL DEFAULT '',
  deleted_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_deleted_messages_deleted_at
ON deleted_messages (deleted_at);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	notifier *notifier

	walCheckpointInterval time.Duration
	maintenanceStop       chan struct{}
	maintenanceWG         sync.WaitGroup
	tombstoneRetention    time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) chatsync.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		notifier:              newNotifier(),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		maintenanceStop:       make(chan struct{}),
		tombstoneRetention:    DefaultTombstoneRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := store.PruneTombstones(time.Now().Add(-store.tombstoneRetention).UnixMilli()); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenanceLoop()

	return store, nil
}

// Close closes the SQLite connection and stops background maintenance.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.maintenanceStop != nil {
			close(s.maintenanceStop)
			s.maintenanceWG.Wait()
		}
		s.notifier.close()
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

// SetTombstoneRetention configures how long delete tombstones survive.
func (s *Store) SetTombstoneRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultTombstoneRetention
	}
	s.tombstoneRetention = retention
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startMaintenanceLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.maintenanceStop == nil {
		return
	}

	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
				if s.tombstoneRetention > 0 {
					_, _ = s.PruneTombstones(time.Now().Add(-s.tombstoneRetention).UnixMilli())
				}
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}
