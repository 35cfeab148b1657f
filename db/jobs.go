package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/google/uuid"
)

const (
	jobColumns = `seq, id, category, source_actor_uri, inbox_uri, object_uri, payload, attempts,
		next_attempt_at, locked_until, status, last_code, last_error, created_at, updated_at`

	sqlInsertJob = `INSERT INTO delivery_jobs(id, category, partition_key, source_actor_uri, inbox_uri, object_uri,
		payload, attempts, next_attempt_at, locked_until, status, last_code, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`

	// A job is claimable when it is due (or its lease ran out) and nothing older is
	// pending in its partition, whatever the category.
	sqlSelectClaimable = `SELECT j.seq FROM delivery_jobs j
		WHERE j.category = ?
		AND ((j.status = 'queued' AND j.next_attempt_at <= ?) OR (j.status = 'in_flight' AND j.locked_until <= ?))
		AND NOT EXISTS (
			SELECT 1 FROM delivery_jobs p
			WHERE p.partition_key = j.partition_key AND p.seq < j.seq AND p.status IN ('queued', 'in_flight')
		)
		ORDER BY j.seq LIMIT 1`

	sqlClaimJob = `UPDATE delivery_jobs SET status = 'in_flight', locked_until = ?, updated_at = ?
		WHERE seq = ? AND (status = 'queued' OR (status = 'in_flight' AND locked_until <= ?))`

	sqlSelectJobBySeq = `SELECT ` + jobColumns + ` FROM delivery_jobs WHERE seq = ?`
	sqlSelectJobById  = `SELECT ` + jobColumns + ` FROM delivery_jobs WHERE id = ?`

	sqlCompleteJob = `UPDATE delivery_jobs SET status = 'succeeded', attempts = ?, locked_until = 0,
		last_code = '', last_error = '', updated_at = ? WHERE id = ?`
	sqlRescheduleJob = `UPDATE delivery_jobs SET status = 'queued', attempts = ?, next_attempt_at = ?, locked_until = 0,
		last_code = ?, last_error = ?, updated_at = ? WHERE id = ?`
	sqlDeadLetterJob = `UPDATE delivery_jobs SET status = 'dead_lettered', attempts = ?, locked_until = 0,
		last_code = ?, last_error = ?, updated_at = ? WHERE id = ?`

	sqlSelectDeadLetters = `SELECT ` + jobColumns + ` FROM delivery_jobs WHERE status = 'dead_lettered'
		ORDER BY updated_at DESC LIMIT ?`
	sqlDeleteJob = `DELETE FROM delivery_jobs WHERE id = ?`
	sqlCountJobs = `SELECT category, status, COUNT(*) FROM delivery_jobs GROUP BY category, status`
	sqlPurgeJobs = `DELETE FROM delivery_jobs WHERE status = 'succeeded' AND updated_at < ?`
	sqlPurgeDead = `DELETE FROM delivery_jobs WHERE status = 'dead_lettered' AND updated_at < ?`
)

// ErrNotDeadLettered is returned when retrying a job that is not parked
var ErrNotDeadLettered = errors.New("job is not dead-lettered")

func scanJob(row rowScanner) (*domain.DeliveryJob, error) {
	var j domain.DeliveryJob
	var id, category, status string
	var next, locked, created, updated int64
	err := row.Scan(&j.Seq, &id, &category, &j.SourceActorURI, &j.InboxURI, &j.ObjectURI, &j.Payload, &j.Attempts,
		&next, &locked, &status, &j.LastCode, &j.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", j.Seq, err)
	}
	j.Id = parsed
	j.Category = domain.QueueCategory(category)
	j.Status = domain.JobStatus(status)
	j.NextAttemptAt = fromMillis(next)
	j.LockedUntil = fromMillis(locked)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.DeliveryJob, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// EnqueueJobs stores jobs in one transaction and assigns their sequence numbers
func (db *DB) EnqueueJobs(ctx context.Context, jobs []*domain.DeliveryJob) error {
	now := db.now()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, j := range jobs {
			if j.Id == uuid.Nil {
				j.Id = uuid.New()
			}
			if j.Status == "" {
				j.Status = domain.JobQueued
			}
			if j.CreatedAt.IsZero() {
				j.CreatedAt = now
			}
			if j.NextAttemptAt.IsZero() {
				j.NextAttemptAt = j.CreatedAt
			}
			j.UpdatedAt = j.CreatedAt

			res, err := tx.Exec(sqlInsertJob,
				j.Id.String(),
				string(j.Category),
				j.PartitionKey(),
				j.SourceActorURI,
				j.InboxURI,
				j.ObjectURI,
				j.Payload,
				j.Attempts,
				millis(j.NextAttemptAt),
				string(j.Status),
				j.LastCode,
				j.LastError,
				millis(j.CreatedAt),
				millis(j.UpdatedAt),
			)
			if err != nil {
				return err
			}
			if j.Seq, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimJob leases the oldest dispatchable job of a category until now+lease.
// It returns nil when no job is due.
func (db *DB) ClaimJob(ctx context.Context, category domain.QueueCategory, now time.Time, lease time.Duration) (*domain.DeliveryJob, error) {
	var job *domain.DeliveryJob
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		job = nil
		nowMs := millis(now)

		var seq int64
		err := tx.QueryRow(sqlSelectClaimable, string(category), nowMs, nowMs).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := tx.Exec(sqlClaimJob, millis(now.Add(lease)), nowMs, seq, nowMs)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		job, err = scanJob(tx.QueryRow(sqlSelectJobBySeq, seq))
		return err
	})
	return job, err
}

// CompleteJob marks a job succeeded
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, attempts int, now time.Time) error {
	return db.execJob(ctx, sqlCompleteJob, id, attempts, millis(now), id.String())
}

// RescheduleJob puts a failed job back in the queue, due at next
func (db *DB) RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, next time.Time, code, msg string) error {
	return db.execJob(ctx, sqlRescheduleJob, id, attempts, millis(next), code, msg, millis(db.now()), id.String())
}

// DeadLetterJob parks a job for operator inspection
func (db *DB) DeadLetterJob(ctx context.Context, id uuid.UUID, attempts int, code, msg string, now time.Time) error {
	return db.execJob(ctx, sqlDeadLetterJob, id, attempts, code, msg, millis(now), id.String())
}

func (db *DB) execJob(ctx context.Context, query string, id uuid.UUID, args ...any) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("job %s: %w", id, sql.ErrNoRows)
		}
		return nil
	})
}

// ReadJob returns a job by id, or sql.ErrNoRows
func (db *DB) ReadJob(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	return scanJob(db.db.QueryRowContext(ctx, sqlSelectJobById, id.String()))
}

// ReadDeadLetters lists parked jobs, most recent first
func (db *DB) ReadDeadLetters(ctx context.Context, limit int) ([]*domain.DeliveryJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryJobs(ctx, sqlSelectDeadLetters, limit)
}

// RetryDeadLetter re-queues a parked job with a fresh attempt budget. The job
// gets a new sequence number, so it goes to the tail of its partition.
func (db *DB) RetryDeadLetter(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	var job *domain.DeliveryJob
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		old, err := scanJob(tx.QueryRow(sqlSelectJobById, id.String()))
		if err != nil {
			return err
		}
		if old.Status != domain.JobDeadLettered {
			return fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, id, old.Status)
		}
		if _, err := tx.Exec(sqlDeleteJob, id.String()); err != nil {
			return err
		}

		now := db.now()
		res, err := tx.Exec(sqlInsertJob,
			old.Id.String(),
			string(old.Category),
			old.PartitionKey(),
			old.SourceActorURI,
			old.InboxURI,
			old.ObjectURI,
			old.Payload,
			0,
			millis(now),
			string(domain.JobQueued),
			old.LastCode,
			old.LastError,
			millis(old.CreatedAt),
			millis(now),
		)
		if err != nil {
			return err
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		job, err = scanJob(tx.QueryRow(sqlSelectJobBySeq, seq))
		return err
	})
	return job, err
}

// CountJobs returns the number of jobs per category and status
func (db *DB) CountJobs(ctx context.Context) (map[domain.QueueCategory]map[domain.JobStatus]int, error) {
	rows, err := db.db.QueryContext(ctx, sqlCountJobs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.QueueCategory]map[domain.JobStatus]int)
	for rows.Next() {
		var category, status string
		var n int
		if err := rows.Scan(&category, &status, &n); err != nil {
			return nil, err
		}
		c := domain.QueueCategory(category)
		if counts[c] == nil {
			counts[c] = make(map[domain.JobStatus]int)
		}
		counts[c][domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// PurgeJobs deletes succeeded jobs finished before cutoff. Dead letters are kept
// until deadCutoff, which may be the zero time to keep them forever.
func (db *DB) PurgeJobs(ctx context.Context, cutoff, deadCutoff time.Time) (int64, error) {
	var total int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		total = 0
		res, err := tx.Exec(sqlPurgeJobs, millis(cutoff))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		if deadCutoff.IsZero() {
			return nil
		}
		if res, err = tx.Exec(sqlPurgeDead, millis(deadCutoff)); err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}
