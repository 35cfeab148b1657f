package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at, local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectActivity = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at, local
		FROM activities WHERE activity_uri = ?`
	sqlMarkProcessed  = `UPDATE activities SET processed = 1 WHERE activity_uri = ?`
	sqlForgetActivity = `DELETE FROM activities WHERE activity_uri = ? AND processed = 0`
	sqlPurgeProcessed = `DELETE FROM activities WHERE processed = 1 AND created_at < ?`

	sqlInsertTombstone = `INSERT INTO tombstones(object_uri, created_at) VALUES (?, ?) ON CONFLICT(object_uri) DO NOTHING`
	sqlSelectTombstone = `SELECT COUNT(*) FROM tombstones WHERE object_uri = ?`
	// A tombstone is only needed while deliveries of its object are pending
	sqlPurgeTombstones = `DELETE FROM tombstones WHERE created_at < ? AND object_uri NOT IN (
		SELECT object_uri FROM delivery_jobs WHERE status IN ('queued', 'in_flight'))`
)

// RecordActivity logs an activity and returns false when its id was already recorded
func (db *DB) RecordActivity(ctx context.Context, activity *domain.Activity) (bool, error) {
	if activity.Id == uuid.Nil {
		activity.Id = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = db.now()
	}
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			boolInt(activity.Processed),
			millis(activity.CreatedAt),
			boolInt(activity.Local),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n == 1
		return err
	})
	return created, err
}

// ReadActivity returns a logged activity, or sql.ErrNoRows
func (db *DB) ReadActivity(ctx context.Context, activityURI string) (*domain.Activity, error) {
	var a domain.Activity
	var id string
	var processed, local int
	var created int64
	err := db.db.QueryRowContext(ctx, sqlSelectActivity, activityURI).Scan(&id, &a.ActivityURI, &a.ActivityType,
		&a.ActorURI, &a.ObjectURI, &a.RawJSON, &processed, &created, &local)
	if err != nil {
		return nil, err
	}
	if a.Id, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	a.Processed = processed == 1
	a.Local = local == 1
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

func (db *DB) MarkActivityProcessed(ctx context.Context, activityURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkProcessed, activityURI)
		return err
	})
}

// ForgetActivity drops an unprocessed activity so a redelivery of the same id is accepted again
func (db *DB) ForgetActivity(ctx context.Context, activityURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlForgetActivity, activityURI)
		return err
	})
}

// Tombstone records that an object was deleted; its pending deliveries are cancelled
func (db *DB) Tombstone(ctx context.Context, objectURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertTombstone, objectURI, millis(db.now()))
		return err
	})
}

func (db *DB) IsTombstoned(ctx context.Context, objectURI string) (bool, error) {
	if objectURI == "" {
		return false, nil
	}
	var n int
	err := db.db.QueryRowContext(ctx, sqlSelectTombstone, objectURI).Scan(&n)
	return n > 0, err
}

// PurgeActivities drops processed log entries and unneeded tombstones older than cutoff
func (db *DB) PurgeActivities(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		total = 0
		for _, query := range []string{sqlPurgeProcessed, sqlPurgeTombstones} {
			res, err := tx.Exec(query, millis(cutoff))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}
