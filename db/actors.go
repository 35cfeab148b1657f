package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deemkeen/apfed/domain"
	"github.com/google/uuid"
)

const (
	actorColumns = `id, uri, username, domain, is_local, inbox_uri, shared_inbox_uri, outbox_uri,
		public_key_pem, private_key_pem, manually_approves, last_fetched_at, created_at`

	sqlSelectActorByURI      = `SELECT ` + actorColumns + ` FROM actors WHERE uri = ?`
	sqlSelectLocalByUsername = `SELECT ` + actorColumns + ` FROM actors WHERE is_local = 1 AND username = ?`
	sqlSelectLocalActors     = `SELECT ` + actorColumns + ` FROM actors WHERE is_local = 1 ORDER BY username`
	sqlInsertActor           = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Remote refreshes never overwrite a local account that happens to share the uri
	sqlUpsertRemoteActor = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, '', ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			public_key_pem = excluded.public_key_pem,
			manually_approves = excluded.manually_approves,
			last_fetched_at = excluded.last_fetched_at
		WHERE actors.is_local = 0`
)

// ErrActorExists is returned when a local username is already taken
var ErrActorExists = errors.New("actor already exists")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var a domain.Actor
	var id string
	var isLocal, manual int
	var fetched, created int64
	err := row.Scan(&id, &a.URI, &a.Username, &a.Domain, &isLocal, &a.InboxURI, &a.SharedInboxURI,
		&a.OutboxURI, &a.PublicKeyPem, &a.PrivateKeyPem, &manual, &fetched, &created)
	if err != nil {
		return nil, err
	}
	a.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", a.URI, err)
	}
	a.IsLocal = isLocal == 1
	a.ManuallyApprovesFollowers = manual == 1
	a.LastFetchedAt = fromMillis(fetched)
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

// ReadActorByURI returns a local or cached remote actor, or sql.ErrNoRows
func (db *DB) ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByURI, uri))
}

// ReadLocalActor returns the local account with the given username, or sql.ErrNoRows
func (db *DB) ReadLocalActor(ctx context.Context, username string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalByUsername, username))
}

// ReadLocalActors lists every local account
func (db *DB) ReadLocalActors(ctx context.Context) ([]*domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalActors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []*domain.Actor
	for rows.Next() {
		actor, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, actor)
	}
	return actors, rows.Err()
}

// CreateLocalActor stores a new local account. The actor must carry its key pair.
func (db *DB) CreateLocalActor(ctx context.Context, actor *domain.Actor) error {
	if actor.PrivateKeyPem == "" || actor.PublicKeyPem == "" {
		return fmt.Errorf("local actor %s has no key pair", actor.Username)
	}
	if actor.Id == uuid.Nil {
		actor.Id = uuid.New()
	}
	if actor.CreatedAt.IsZero() {
		actor.CreatedAt = db.now()
	}
	actor.IsLocal = true

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM actors WHERE uri = ? OR (is_local = 1 AND username = ?)`,
			actor.URI, actor.Username).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrActorExists, actor.URI)
		}
		_, err := tx.Exec(sqlInsertActor,
			actor.Id.String(),
			actor.URI,
			actor.Username,
			actor.Domain,
			1,
			actor.InboxURI,
			actor.SharedInboxURI,
			actor.OutboxURI,
			actor.PublicKeyPem,
			actor.PrivateKeyPem,
			boolInt(actor.ManuallyApprovesFollowers),
			0,
			millis(actor.CreatedAt),
		)
		return err
	})
}

// UpsertRemoteActor caches a fetched remote actor
func (db *DB) UpsertRemoteActor(ctx context.Context, actor *domain.Actor) error {
	if actor.Id == uuid.Nil {
		actor.Id = uuid.New()
	}
	fetched := actor.LastFetchedAt
	if fetched.IsZero() {
		fetched = db.now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteActor,
			actor.Id.String(),
			actor.URI,
			actor.Username,
			actor.Domain,
			actor.InboxURI,
			actor.SharedInboxURI,
			actor.OutboxURI,
			actor.PublicKeyPem,
			boolInt(actor.ManuallyApprovesFollowers),
			millis(fetched),
			millis(db.now()),
		)
		return err
	})
}
