package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the server data dir.
	DefaultDBFileName = "server.db"
	// DefaultCheckpointInterval is how often the WAL is folded back into the database.
	DefaultCheckpointInterval = 6 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// Schema steps run in order; the applied count is kept in PRAGMA user_version.
var migrations = []migration{
	{
		name: "create clients",
		stmt: `
CREATE TABLE IF NOT EXISTS clients (
  id         BLOB PRIMARY KEY CHECK(length(id) = 16),
  name       TEXT NOT NULL UNIQUE,
  public_key BLOB,
  aes_key    BLOB,
  last_seen  INTEGER NOT NULL
);`,
	},
	{
		name: "create files",
		stmt: `
CREATE TABLE IF NOT EXISTS files (
  client_id BLOB NOT NULL REFERENCES clients(id),
  file_name TEXT NOT NULL,
  path_name TEXT NOT NULL DEFAULT '',
  checksum  INTEGER NOT NULL DEFAULT 0,
  size      INTEGER NOT NULL DEFAULT 0,
  verified  INTEGER NOT NULL DEFAULT 0,
  timestamp INTEGER NOT NULL,
  PRIMARY KEY (client_id, file_name)
);`,
	},
	{
		name: "index files by time",
		stmt: `
CREATE INDEX IF NOT EXISTS idx_files_time
ON files (timestamp DESC, client_id, file_name);`,
	},
}

// Options tunes a Store. The zero value is usable.
type Options struct {
	Logger *logrus.Logger
	// CheckpointInterval of zero uses DefaultCheckpointInterval; a negative
	// value disables periodic checkpoints.
	CheckpointInterval time.Duration
}

// Store keeps the client registry and the stored-file catalogue in SQLite.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	stopMaintenance context.CancelFunc
	maintenanceDone chan struct{}
	closeOnce       sync.Once
}

// Open opens (or creates) server.db under dataDir and brings its schema up to
// date. It returns the database path.
func Open(dataDir string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)

	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite database: %w", err)
	}
	store := &Store{
		db:  db,
		log: logger.WithField("db", dbPath),
	}

	if err := store.prepare(); err != nil {
		_ = db.Close()
		return nil, "", err
	}

	interval := options.CheckpointInterval
	if interval == 0 {
		interval = DefaultCheckpointInterval
	}
	if interval > 0 {
		store.startMaintenance(interval)
	}
	return store, dbPath, nil
}

func (s *Store) prepare() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("sqlite journal mode is %q, want wal", journalMode)
	}

	if err := s.migrate(); err != nil {
		return err
	}
	return s.checkpoint()
}

// migrate applies each pending step in its own transaction so a failure
// leaves the schema at the last completed step.
func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := applied; i < len(migrations); i++ {
		step := migrations[i]
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %q: %w", step.name, err)
		}
		if _, err := tx.Exec(step.stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %q: %w", step.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %q: %w", step.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %q: %w", step.name, err)
		}
		s.log.WithFields(logrus.Fields{"step": i + 1, "migration": step.name}).Debug("schema migrated")
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) startMaintenance(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopMaintenance = cancel
	s.maintenanceDone = make(chan struct{})

	go func() {
		defer close(s.maintenanceDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.checkpoint(); err != nil {
					s.log.WithError(err).Warn("periodic checkpoint failed")
				}
			}
		}
	}()
}

// Close stops maintenance, folds the WAL into the database and closes it.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.stopMaintenance != nil {
			s.stopMaintenance()
			<-s.maintenanceDone
		}
		if err := s.checkpoint(); err != nil {
			s.log.WithError(err).Warn("final checkpoint failed")
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// Stats returns the number of known clients and stored files.
func (s *Store) Stats() (clients, files int, err error) {
	if err := s.db.QueryRow(
		`SELECT (SELECT COUNT(1) FROM clients), (SELECT COUNT(1) FROM files)`,
	).Scan(&clients, &files); err != nil {
		return 0, 0, fmt.Errorf("count records: %w", err)
	}
	return clients, files, nil
}
