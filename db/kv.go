package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	sqlUpsertKV = `INSERT INTO kv_store(key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
	sqlSelectKV = `SELECT value, expires_at FROM kv_store WHERE key = ?`
	sqlDeleteKV = `DELETE FROM kv_store WHERE key = ?`
	sqlPurgeKV  = `DELETE FROM kv_store WHERE expires_at > 0 AND expires_at <= ?`
)

// Set implements kv.Store on the kv_store table, so every process sharing the
// database file shares the store.
func (db *DB) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = millis(db.now().Add(ttl))
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertKV, key, value, expires)
		return err
	})
}

func (db *DB) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expires int64
	err := db.db.QueryRowContext(ctx, sqlSelectKV, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if expires > 0 && millis(db.now()) >= expires {
		return "", false, nil
	}
	return value, true, nil
}

func (db *DB) Delete(ctx context.Context, key string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteKV, key)
		return err
	})
}

// PurgeExpired deletes expired keys
func (db *DB) PurgeExpired(ctx context.Context) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPurgeKV, millis(db.now()))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
