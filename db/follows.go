package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/google/uuid"
)

const (
	followColumns = `id, source_actor_uri, target_actor_uri, state, activity_uri, created_at, updated_at`

	sqlSelectFollow           = `SELECT ` + followColumns + ` FROM follows WHERE source_actor_uri = ? AND target_actor_uri = ?`
	sqlSelectFollowByActivity = `SELECT ` + followColumns + ` FROM follows WHERE activity_uri = ?`
	sqlSelectFollowers        = `SELECT ` + followColumns + ` FROM follows WHERE target_actor_uri = ? AND state = ? ORDER BY created_at`
	sqlSelectFollowing        = `SELECT ` + followColumns + ` FROM follows WHERE source_actor_uri = ? ORDER BY created_at`
	sqlInsertFollow           = `INSERT INTO follows(` + followColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlTransitionFollow       = `UPDATE follows SET state = ?, activity_uri = CASE WHEN ? = '' THEN activity_uri ELSE ? END, updated_at = ?
		WHERE id = ? AND state = ?`
	sqlPurgeFollows = `DELETE FROM follows WHERE state IN (?, ?) AND updated_at < ?`
)

func scanFollow(row rowScanner) (*domain.FollowRelationship, error) {
	var f domain.FollowRelationship
	var id, state string
	var created, updated int64
	if err := row.Scan(&id, &f.SourceActorURI, &f.TargetActorURI, &state, &f.ActivityURI, &created, &updated); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("follow %s: %w", id, err)
	}
	f.Id = parsed
	f.State = domain.FollowState(state)
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}

func (db *DB) queryFollows(ctx context.Context, query string, args ...any) ([]*domain.FollowRelationship, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []*domain.FollowRelationship
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

// ReadFollow returns the relationship of a (source, target) pair, or sql.ErrNoRows
func (db *DB) ReadFollow(ctx context.Context, sourceURI, targetURI string) (*domain.FollowRelationship, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow, sourceURI, targetURI))
}

// ReadFollowByActivity finds a relationship by the id of its Follow activity, or sql.ErrNoRows
func (db *DB) ReadFollowByActivity(ctx context.Context, activityURI string) (*domain.FollowRelationship, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByActivity, activityURI))
}

// CreateFollow stores a new relationship. A second row for the same pair violates
// the unique constraint.
func (db *DB) CreateFollow(ctx context.Context, follow *domain.FollowRelationship) error {
	if follow.Id == uuid.Nil {
		follow.Id = uuid.New()
	}
	if follow.CreatedAt.IsZero() {
		follow.CreatedAt = db.now()
	}
	if follow.UpdatedAt.IsZero() {
		follow.UpdatedAt = follow.CreatedAt
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.SourceActorURI,
			follow.TargetActorURI,
			string(follow.State),
			follow.ActivityURI,
			millis(follow.CreatedAt),
			millis(follow.UpdatedAt),
		)
		return err
	})
}

// TransitionFollow moves a relationship from one state to another. It reports false,
// without changing anything, when the row is no longer in state from.
// An empty activityURI keeps the stored one.
func (db *DB) TransitionFollow(ctx context.Context, id uuid.UUID, from, to domain.FollowState, activityURI string) (bool, error) {
	var changed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlTransitionFollow, string(to), activityURI, activityURI, millis(db.now()), id.String(), string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n == 1
		return nil
	})
	return changed, err
}

// ReadFollowers lists the accepted followers of an actor
func (db *DB) ReadFollowers(ctx context.Context, targetURI string) ([]*domain.FollowRelationship, error) {
	return db.queryFollows(ctx, sqlSelectFollowers, targetURI, string(domain.FollowAccepted))
}

// ReadFollowing lists every relationship an actor started, in any state
func (db *DB) ReadFollowing(ctx context.Context, sourceURI string) ([]*domain.FollowRelationship, error) {
	return db.queryFollows(ctx, sqlSelectFollowing, sourceURI)
}

// PurgeFollows deletes rejected and undone relationships last changed before cutoff
func (db *DB) PurgeFollows(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPurgeFollows, string(domain.FollowRejected), string(domain.FollowUndone), millis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
