package web

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/deemkeen/apfed/activitypub"
	"github.com/deemkeen/apfed/domain"
	"github.com/google/uuid"
)

const activityJSON = "application/activity+json"

// Store is the part of the database the HTTP layer reads from
type Store interface {
	ReadLocalActor(ctx context.Context, username string) (*domain.Actor, error)
	ReadFollowers(ctx context.Context, targetURI string) ([]*domain.FollowRelationship, error)
	ReadFollowing(ctx context.Context, sourceURI string) ([]*domain.FollowRelationship, error)
	ReadJob(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error)
	ReadDeadLetters(ctx context.Context, limit int) ([]*domain.DeliveryJob, error)
	RetryDeadLetter(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error)
	CountJobs(ctx context.Context) (map[domain.QueueCategory]map[domain.JobStatus]int, error)
}

func lookupError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// GetActor renders the actor document of a local user
func GetActor(ctx context.Context, store Store, username string) ([]byte, error) {
	actor, err := store.ReadLocalActor(ctx, username)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("GetActor: Failed to read %s: %v", username, err)
		}
		return nil, lookupError(err)
	}
	return activitypub.ActorDocument(actor)
}
