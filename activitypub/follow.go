package activitypub

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/google/uuid"
)

// FollowCoordinator drives the Follow/Accept/Reject/Undo handshake.
//
// Transitions:
//
//	Requested -> Accepted | Rejected
//	Accepted  -> Undone
//	Rejected, Undone -> Requested (a new Follow for the same pair)
//
// Every transition is a conditional update on the stored state, so concurrent
// workers cannot apply the same transition twice.
type FollowCoordinator struct {
	actors         ActorStore
	follows        FollowStore
	keys           *KeyResolver
	outbox         *Outbox
	manualApproval bool
	now            func() time.Time
}

func NewFollowCoordinator(actors ActorStore, follows FollowStore, keys *KeyResolver, outbox *Outbox, manualApproval bool) *FollowCoordinator {
	return &FollowCoordinator{
		actors:         actors,
		follows:        follows,
		keys:           keys,
		outbox:         outbox,
		manualApproval: manualApproval,
		now:            time.Now,
	}
}

// RequestFollow makes a local actor follow a remote one and sends the Follow.
// Repeating the call for a pending request re-sends the original Follow.
func (c *FollowCoordinator) RequestFollow(ctx context.Context, localActorURI, targetURI string) (*domain.FollowRelationship, error) {
	local, err := c.localActor(ctx, localActorURI)
	if err != nil {
		return nil, err
	}
	target, err := c.keys.ResolveActor(ctx, targetURI)
	if err != nil {
		return nil, err
	}
	if err := c.outbox.CheckInbox(ctx, target.InboxURI); err != nil {
		return nil, err
	}

	rel, err := c.readFollow(ctx, local.URI, target.URI)
	if err != nil && !errors.Is(err, ErrMissingFollow) {
		return nil, err
	}

	switch {
	case rel == nil:
		rel = c.newRelationship(local.URI, target.URI, c.outbox.NewActivityID())
		if err := c.follows.CreateFollow(ctx, rel); err != nil {
			return nil, ErrStore.With(err, "create follow")
		}
	case rel.State == domain.FollowAccepted:
		return rel, nil
	case rel.Terminal():
		if rel, err = c.restart(ctx, rel, c.outbox.NewActivityID()); err != nil {
			return nil, err
		}
	}

	follow := &Follow{ID: rel.ActivityURI, Actor: local.URI, Object: target.URI}
	if err := c.outbox.SendHandshake(ctx, domain.FollowRequestOut, local, target, follow); err != nil {
		return nil, err
	}
	log.Printf("Follow: %s requested to follow %s", local.URI, target.URI)
	return rel, nil
}

// UndoFollow withdraws an accepted follow of a remote actor
func (c *FollowCoordinator) UndoFollow(ctx context.Context, localActorURI, targetURI string) (*domain.FollowRelationship, error) {
	local, err := c.localActor(ctx, localActorURI)
	if err != nil {
		return nil, err
	}
	rel, err := c.readFollow(ctx, local.URI, targetURI)
	if err != nil {
		return nil, err
	}
	if rel.State != domain.FollowAccepted {
		return nil, ErrMissingFollow.With(nil, "no accepted follow %s -> %s", local.URI, targetURI)
	}
	target, err := c.keys.ResolveActor(ctx, targetURI)
	if err != nil {
		return nil, err
	}
	if err := c.outbox.CheckInbox(ctx, target.InboxURI); err != nil {
		return nil, err
	}

	undo := &Undo{
		ID:     c.outbox.NewActivityID(),
		Actor:  local.URI,
		Follow: Follow{ID: rel.ActivityURI, Actor: local.URI, Object: target.URI},
	}
	if err := c.outbox.SendHandshake(ctx, domain.FollowRequestOut, local, target, undo); err != nil {
		return nil, err
	}
	if err := c.commit(ctx, rel, domain.FollowAccepted, domain.FollowUndone); err != nil {
		return nil, err
	}
	log.Printf("Follow: %s unfollowed %s", local.URI, target.URI)
	return rel, nil
}

// ReceiveFollow records an inbound Follow for a local actor. Unless the local
// actor (or the instance) requires manual approval it is accepted immediately.
func (c *FollowCoordinator) ReceiveFollow(ctx context.Context, follow *Follow) (*domain.FollowRelationship, error) {
	local, err := c.localActor(ctx, follow.Object)
	if err != nil {
		return nil, err
	}
	source, err := c.keys.ResolveActor(ctx, follow.Actor)
	if err != nil {
		return nil, err
	}

	rel, err := c.readFollow(ctx, source.URI, local.URI)
	if err != nil && !errors.Is(err, ErrMissingFollow) {
		return nil, err
	}

	switch {
	case rel == nil:
		rel = c.newRelationship(source.URI, local.URI, follow.ID)
		if err := c.follows.CreateFollow(ctx, rel); err != nil {
			return nil, ErrStore.With(err, "create follow")
		}
	case rel.State == domain.FollowAccepted:
		// The remote may have missed our Accept; answer again
		log.Printf("Follow: %s already follows %s, re-sending Accept", source.URI, local.URI)
		return rel, c.respond(ctx, local, source, rel, follow.ID, true)
	case rel.Terminal():
		if rel, err = c.restart(ctx, rel, follow.ID); err != nil {
			return nil, err
		}
	}

	if c.manualApproval || local.ManuallyApprovesFollowers {
		log.Printf("Follow: %s awaits approval from %s", source.URI, local.URI)
		return rel, nil
	}

	if err := c.respond(ctx, local, source, rel, follow.ID, true); err != nil {
		return nil, err
	}
	if err := c.commit(ctx, rel, domain.FollowRequested, domain.FollowAccepted); err != nil {
		return nil, err
	}
	return rel, nil
}

// ApproveFollow accepts a pending follow request addressed to a local actor
func (c *FollowCoordinator) ApproveFollow(ctx context.Context, localActorURI, sourceURI string) (*domain.FollowRelationship, error) {
	return c.decide(ctx, localActorURI, sourceURI, true)
}

// RejectFollow rejects a pending follow request addressed to a local actor
func (c *FollowCoordinator) RejectFollow(ctx context.Context, localActorURI, sourceURI string) (*domain.FollowRelationship, error) {
	return c.decide(ctx, localActorURI, sourceURI, false)
}

func (c *FollowCoordinator) decide(ctx context.Context, localActorURI, sourceURI string, accept bool) (*domain.FollowRelationship, error) {
	local, err := c.localActor(ctx, localActorURI)
	if err != nil {
		return nil, err
	}
	rel, err := c.readFollow(ctx, sourceURI, local.URI)
	if err != nil {
		return nil, err
	}

	to := domain.FollowRejected
	if accept {
		to = domain.FollowAccepted
	}
	if rel.State == to {
		return rel, nil
	}
	if rel.State != domain.FollowRequested {
		return nil, ErrInvalidTransition.With(nil, "%s -> %s", rel.State, to)
	}

	source, err := c.keys.ResolveActor(ctx, sourceURI)
	if err != nil {
		return nil, err
	}
	if err := c.respond(ctx, local, source, rel, rel.ActivityURI, accept); err != nil {
		return nil, err
	}
	if err := c.commit(ctx, rel, domain.FollowRequested, to); err != nil {
		return nil, err
	}
	return rel, nil
}

// ReceiveAccept applies an Accept of a Follow a local actor sent.
// A duplicate Accept for an accepted relationship is a no-op.
func (c *FollowCoordinator) ReceiveAccept(ctx context.Context, accept *Accept) (*domain.FollowRelationship, error) {
	return c.receiveResponse(ctx, accept.Actor, accept.Follow, domain.FollowAccepted)
}

// ReceiveReject applies a Reject of a Follow a local actor sent
func (c *FollowCoordinator) ReceiveReject(ctx context.Context, reject *Reject) (*domain.FollowRelationship, error) {
	return c.receiveResponse(ctx, reject.Actor, reject.Follow, domain.FollowRejected)
}

func (c *FollowCoordinator) receiveResponse(ctx context.Context, responder string, follow Follow, to domain.FollowState) (*domain.FollowRelationship, error) {
	if follow.Object == "" {
		follow.Object = responder
	}
	rel, err := c.findFollow(ctx, follow)
	if err != nil {
		return nil, err
	}
	if rel.TargetActorURI != responder {
		return nil, ErrActorMismatch.With(nil, "%s answered a follow addressed to %s", responder, rel.TargetActorURI)
	}

	if rel.State == to {
		log.Printf("Follow: duplicate %s for %s -> %s ignored", to, rel.SourceActorURI, rel.TargetActorURI)
		return rel, nil
	}
	if rel.State != domain.FollowRequested {
		return nil, ErrInvalidTransition.With(nil, "%s -> %s", rel.State, to)
	}
	if err := c.transition(ctx, rel, domain.FollowRequested, to); err != nil {
		// A concurrent worker may have applied the same response
		if errors.Is(err, ErrInvalidTransition) {
			if current, readErr := c.findFollow(ctx, follow); readErr == nil && current.State == to {
				return current, nil
			}
		}
		return nil, err
	}
	log.Printf("Follow: %s -> %s is now %s", rel.SourceActorURI, rel.TargetActorURI, to)
	return rel, nil
}

// ReceiveUndo applies an Undo of an accepted Follow
func (c *FollowCoordinator) ReceiveUndo(ctx context.Context, undo *Undo) (*domain.FollowRelationship, error) {
	follow := undo.Follow
	if follow.Actor == "" {
		follow.Actor = undo.Actor
	}
	rel, err := c.findFollow(ctx, follow)
	if err != nil {
		return nil, err
	}
	if rel.SourceActorURI != undo.Actor {
		return nil, ErrActorMismatch.With(nil, "%s cannot undo a follow by %s", undo.Actor, rel.SourceActorURI)
	}
	if rel.State != domain.FollowAccepted {
		return nil, ErrMissingFollow.With(nil, "no accepted follow %s -> %s", rel.SourceActorURI, rel.TargetActorURI)
	}
	if err := c.transition(ctx, rel, domain.FollowAccepted, domain.FollowUndone); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, ErrMissingFollow.With(nil, "no accepted follow %s -> %s", rel.SourceActorURI, rel.TargetActorURI)
		}
		return nil, err
	}
	log.Printf("Follow: %s unfollowed %s", rel.SourceActorURI, rel.TargetActorURI)
	return rel, nil
}

// Followers returns the accepted followers of a local actor
func (c *FollowCoordinator) Followers(ctx context.Context, localActorURI string) ([]*domain.FollowRelationship, error) {
	followers, err := c.follows.ReadFollowers(ctx, localActorURI)
	if err != nil {
		return nil, ErrStore.With(err, "read followers of %s", localActorURI)
	}
	return followers, nil
}

func (c *FollowCoordinator) respond(ctx context.Context, local, source *domain.Actor, rel *domain.FollowRelationship, followID string, accept bool) error {
	follow := Follow{ID: followID, Actor: source.URI, Object: local.URI}
	var response Activity = &Reject{ID: c.outbox.NewActivityID(), Actor: local.URI, Follow: follow}
	verb := "rejected"
	if accept {
		response = &Accept{ID: c.outbox.NewActivityID(), Actor: local.URI, Follow: follow}
		verb = "accepted"
	}
	if err := c.outbox.SendHandshake(ctx, domain.FollowResponseOut, local, source, response); err != nil {
		return err
	}
	log.Printf("Follow: %s %s %s", local.URI, verb, source.URI)
	return nil
}

func (c *FollowCoordinator) localActor(ctx context.Context, uri string) (*domain.Actor, error) {
	return readLocalActor(ctx, c.actors, uri)
}

func readLocalActor(ctx context.Context, actors ActorStore, uri string) (*domain.Actor, error) {
	actor, err := actors.ReadActorByURI(ctx, uri)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !actor.IsLocal) {
		return nil, ErrActorNotFound.With(nil, "no local actor %s", uri)
	}
	if err != nil {
		return nil, ErrStore.With(err, "read actor %s", uri)
	}
	return actor, nil
}

func (c *FollowCoordinator) readFollow(ctx context.Context, sourceURI, targetURI string) (*domain.FollowRelationship, error) {
	rel, err := c.follows.ReadFollow(ctx, sourceURI, targetURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMissingFollow.With(nil, "%s -> %s", sourceURI, targetURI)
	}
	if err != nil {
		return nil, ErrStore.With(err, "read follow")
	}
	return rel, nil
}

// findFollow locates the relationship a response refers to, by Follow id first
// and by actor pair when the id is unknown to us
func (c *FollowCoordinator) findFollow(ctx context.Context, follow Follow) (*domain.FollowRelationship, error) {
	if follow.ID != "" {
		rel, err := c.follows.ReadFollowByActivity(ctx, follow.ID)
		if err == nil {
			return rel, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStore.With(err, "read follow %s", follow.ID)
		}
	}
	if follow.Actor != "" && follow.Object != "" {
		return c.readFollow(ctx, follow.Actor, follow.Object)
	}
	return nil, ErrMissingFollow.With(nil, "%s", follow.ID)
}

func (c *FollowCoordinator) newRelationship(sourceURI, targetURI, activityURI string) *domain.FollowRelationship {
	now := c.now()
	return &domain.FollowRelationship{
		Id:             uuid.New(),
		SourceActorURI: sourceURI,
		TargetActorURI: targetURI,
		State:          domain.FollowRequested,
		ActivityURI:    activityURI,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// restart reopens a rejected or undone relationship for a new Follow
func (c *FollowCoordinator) restart(ctx context.Context, rel *domain.FollowRelationship, activityURI string) (*domain.FollowRelationship, error) {
	from := rel.State
	ok, err := c.follows.TransitionFollow(ctx, rel.Id, from, domain.FollowRequested, activityURI)
	if err != nil {
		return nil, ErrStore.With(err, "reopen follow")
	}
	if !ok {
		return nil, ErrInvalidTransition.With(nil, "%s changed concurrently", rel.Id)
	}
	rel.State = domain.FollowRequested
	rel.ActivityURI = activityURI
	rel.UpdatedAt = c.now()
	return rel, nil
}

// commit applies a transition whose activity is already queued. Losing the
// race to an identical transition is not an error.
func (c *FollowCoordinator) commit(ctx context.Context, rel *domain.FollowRelationship, from, to domain.FollowState) error {
	err := c.transition(ctx, rel, from, to)
	if !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	current, readErr := c.readFollow(ctx, rel.SourceActorURI, rel.TargetActorURI)
	if readErr == nil && current.State == to {
		*rel = *current
		return nil
	}
	return err
}

func (c *FollowCoordinator) transition(ctx context.Context, rel *domain.FollowRelationship, from, to domain.FollowState) error {
	ok, err := c.follows.TransitionFollow(ctx, rel.Id, from, to, rel.ActivityURI)
	if err != nil {
		return ErrStore.With(err, "update follow")
	}
	if !ok {
		return ErrInvalidTransition.With(nil, "%s is no longer %s", rel.Id, from)
	}
	rel.State = to
	rel.UpdatedAt = c.now()
	return nil
}
