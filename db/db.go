package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// MemoryPath opens a private in-memory database, used by tests and dry runs
const MemoryPath = ":memory:"

const (
	txTimeout      = 5 * time.Second
	maxBusyRetries = 10
	busyBackoff    = 20 * time.Millisecond
)

// DB is the sqlite backend of the actor directory, the follow store, the
// delivery queue, the activity log, the block list and the shared kv store.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the database at path
func Open(path string) (*DB, error) {
	dsn := path
	if path != MemoryPath {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if path == MemoryPath {
		// Every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Configure connection pool for concurrent access
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		// Try to enable WAL2 mode, fall back to WAL if not supported
		var journalMode string
		err = sqlDB.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode)
		if err != nil || journalMode == "delete" {
			err = sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode)
			if err != nil {
				log.Printf("Warning: Failed to enable WAL mode: %v", err)
			} else {
				log.Printf("Database journal mode: %s (WAL2 not supported, using WAL)", journalMode)
			}
		} else {
			log.Printf("Database journal mode: %s", journalMode)
		}
		sqlDB.Exec("PRAGMA cache_size = -64000")
		sqlDB.Exec("PRAGMA temp_store = MEMORY")
	}

	db := &DB{db: sqlDB, now: time.Now}
	if err := db.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return db, nil
}

// Close closes the underlying connection pool
func (db *DB) Close() error {
	return db.db.Close()
}

// SetClock replaces the time source used for kv expiry
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// wrapTransaction runs f within a transaction, restarting it while sqlite reports the database busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			log.Printf("error starting transaction: %s", err)
			return err
		}
		if err = f(tx); err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
		if err == nil {
			return nil
		}
		if isBusy(err) && attempt < maxBusyRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(busyBackoff * time.Duration(attempt+1)):
			}
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("error in transaction: %s", err)
		}
		return err
	}
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code() & 0xff
	return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
}

// Timestamps are stored as unix milliseconds so the queue can compare them in SQL.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
