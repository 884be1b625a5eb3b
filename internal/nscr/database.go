// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package nscr

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-gorp/gorp/v3"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/nscr-dev/nscr/internal/models"
)

var sqlMigrations = map[string]string{
	"001_initial.up.sql": `
		CREATE TABLE blobs (
			digest     TEXT    NOT NULL PRIMARY KEY,
			size_bytes INTEGER NOT NULL,
			content    BLOB    NOT NULL,
			pushed_at  TIMESTAMP NOT NULL
		);

		CREATE TABLE uploads (
			uuid       TEXT    NOT NULL PRIMARY KEY,
			num_chunks INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE chunks (
			upload_uuid  TEXT    NOT NULL REFERENCES uploads ON DELETE CASCADE,
			chunk_number INTEGER NOT NULL,
			content      BLOB    NOT NULL,
			PRIMARY KEY (upload_uuid, chunk_number)
		);

		CREATE TABLE manifests (
			repository TEXT NOT NULL,
			reference  TEXT NOT NULL,
			digest     TEXT NOT NULL,
			media_type TEXT NOT NULL,
			content    BLOB NOT NULL,
			pushed_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (repository, reference)
		);
		CREATE INDEX manifests_repository_digest_idx ON manifests (repository, digest);

		CREATE TABLE manifest_refs (
			repository      TEXT NOT NULL,
			manifest_digest TEXT NOT NULL,
			blob_digest     TEXT NOT NULL,
			UNIQUE (repository, manifest_digest, blob_digest)
		);
		CREATE INDEX manifest_refs_blob_digest_idx ON manifest_refs (blob_digest);
	`,
	"001_initial.down.sql": `
		DROP TABLE manifest_refs;
		DROP TABLE manifests;
		DROP TABLE chunks;
		DROP TABLE uploads;
		DROP TABLE blobs;
	`,
}

// DB adds convenience functions on top of gorp.DbMap.
type DB struct {
	gorp.DbMap
	dsn           string
	recoveryMutex sync.Mutex
	broken        atomic.Bool
}

// DatabaseFileName is the name of the database file below
// Configuration.DatabasePath.
const DatabaseFileName = "registry.sqlite3"

// InitDB opens (and creates, if necessary) the SQLite database below
// cfg.DatabasePath, applies all pending schema migrations, and configures
// the connection pool.
func InitDB(cfg Configuration) (*DB, error) {
	err := os.MkdirAll(cfg.DatabasePath, 0777)
	if err != nil {
		return nil, fmt.Errorf("cannot create database directory: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN instead of at the first
	// write statement, which turns SQLITE_BUSY during a transaction into a
	// plain wait at the start
	dsn := "file:" + filepath.Join(cfg.DatabasePath, DatabaseFileName) +
		"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate"

	db, err := openDatabase(dsn, cfg.DatabaseMaxConnections, cfg.DatabaseMinConnections)
	if err != nil {
		return nil, err
	}

	result := &DB{
		DbMap: gorp.DbMap{Db: db, Dialect: gorp.SqliteDialect{}},
		dsn:   dsn,
	}
	models.InitORM(&result.DbMap)
	return result, nil
}

func openDatabase(dsn string, maxConns, minConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	err = migrateSchema(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot apply database schema: %w", err)
	}
	return db, nil
}

// migrateSchema applies all pending migrations from the sqlMigrations map,
// in lexical order, inside a single exclusive transaction.
func migrateSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT NOT NULL PRIMARY KEY)`)
	if err != nil {
		return err
	}

	var names []string
	for name := range sqlMigrations {
		if strings.HasSuffix(name, ".up.sql") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	for _, name := range names {
		applied, err := migrationIsApplied(tx, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		logg.Info("applying database schema migration %s", name)
		_, err = tx.Exec(sqlMigrations[name])
		if err != nil {
			return fmt.Errorf("in migration %s: %w", name, err)
		}
		_, err = tx.Exec(`INSERT INTO schema_migrations (name) VALUES ($1)`, name)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func migrationIsApplied(tx *sql.Tx, name string) (bool, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = $1`, name).Scan(&count)
	return count > 0, err
}

// WithTransaction opens a transaction, runs the given action inside it, and
// commits on success. On error (or panic), the transaction is rolled back.
func (db *DB) WithTransaction(action func(*gorp.Transaction) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)
	err = action(tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// IntegrityCheck runs SQLite's built-in integrity check and reports any
// problems as an error.
func (db *DB) IntegrityCheck() error {
	var result string
	err := db.Db.QueryRow(`PRAGMA integrity_check(1)`).Scan(&result)
	if err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}

// IsBroken reports whether the database was found to be corrupted and could
// not be recovered. While this flag is set, admin endpoints answer with 503.
func (db *DB) IsBroken() bool {
	return db.broken.Load()
}

// NoteOperationalError inspects an error returned from a database operation.
// When it indicates corruption of the database file, a one-shot recovery is
// attempted: the connection pool is reopened and the integrity check is run.
// If recovery fails, the DB is marked as broken.
func (db *DB) NoteOperationalError(err error) {
	if err == nil || !isCorruptionError(err) {
		return
	}

	db.recoveryMutex.Lock()
	defer db.recoveryMutex.Unlock()
	if db.broken.Load() {
		return
	}

	logg.Error("database corruption detected, attempting recovery: %s", err.Error())
	closeErr := db.Db.Close()
	if closeErr != nil {
		logg.Error("while closing corrupted database: %s", closeErr.Error())
	}

	maxConns := db.Db.Stats().MaxOpenConnections
	newDB, openErr := sql.Open("sqlite3", db.dsn)
	if openErr == nil {
		newDB.SetMaxOpenConns(maxConns)
		db.Db = newDB
		openErr = db.IntegrityCheck()
	}
	if openErr != nil {
		db.broken.Store(true)
		logg.Error("FATAL: database recovery failed, registry is now unavailable: %s", openErr.Error())
		return
	}
	logg.Info("database recovery succeeded")
}

func isCorruptionError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrCorrupt || sqliteErr.Code == sqlite3.ErrNotADB
}
