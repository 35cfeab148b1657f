package activitypub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/deemkeen/apfed/domain"
	"github.com/google/uuid"
)

// Outbox turns local events into queued deliveries
type Outbox struct {
	localDomain string
	actors      ActorStore
	follows     FollowStore
	keys        *KeyResolver
	queue       *DeliveryQueue
}

func NewOutbox(localDomain string, actors ActorStore, follows FollowStore, keys *KeyResolver, queue *DeliveryQueue) *Outbox {
	return &Outbox{
		localDomain: localDomain,
		actors:      actors,
		follows:     follows,
		keys:        keys,
		queue:       queue,
	}
}

// NewActivityID mints an id for an activity produced by this instance
func (o *Outbox) NewActivityID() string {
	return fmt.Sprintf("https://%s/activities/%s", o.localDomain, uuid.New().String())
}

// CheckInbox applies the domain policy to an inbox before any state changes
func (o *Outbox) CheckInbox(ctx context.Context, inboxURI string) error {
	return o.queue.CheckInbox(ctx, inboxURI)
}

// SendHandshake queues a Follow, Accept, Reject or Undo for the personal inbox of remote
func (o *Outbox) SendHandshake(ctx context.Context, category domain.QueueCategory, local, remote *domain.Actor, activity Activity) error {
	payload, err := EncodeActivity(activity)
	if err != nil {
		return err
	}
	_, err = o.queue.Enqueue(ctx, Delivery{
		Category:       category,
		SourceActorURI: local.URI,
		Inboxes:        []string{remote.InboxURI},
		ObjectURI:      activity.ActivityID(),
		Payload:        payload,
	})
	return err
}

// Publish queues an activity from a local actor to explicit recipient actors.
// Recipients sharing a shared inbox get one delivery.
func (o *Outbox) Publish(ctx context.Context, localActorURI string, recipients []string, objectURI string, payload []byte) ([]*domain.DeliveryJob, error) {
	local, err := o.localActor(ctx, localActorURI)
	if err != nil {
		return nil, err
	}
	inboxes, blocked := o.resolveInboxes(ctx, recipients)
	return o.enqueue(ctx, domain.UserOutboxOut, local, inboxes, blocked, objectURI, payload)
}

// DeliverToFollowers fans an activity out to every accepted follower of a local
// actor, one delivery per distinct (shared) inbox
func (o *Outbox) DeliverToFollowers(ctx context.Context, localActorURI, objectURI string, payload []byte) ([]*domain.DeliveryJob, error) {
	local, err := o.localActor(ctx, localActorURI)
	if err != nil {
		return nil, err
	}
	followers, err := o.follows.ReadFollowers(ctx, local.URI)
	if err != nil {
		return nil, ErrStore.With(err, "read followers of %s", local.URI)
	}

	uris := make([]string, 0, len(followers))
	for _, f := range followers {
		uris = append(uris, f.SourceActorURI)
	}
	inboxes, blocked := o.resolveInboxes(ctx, uris)
	log.Printf("Outbox: %d follower(s) of %s map to %d inbox(es)", len(followers), local.URI, len(inboxes))
	return o.enqueue(ctx, domain.ContentOut, local, inboxes, blocked, objectURI, payload)
}

// Retract cancels pending deliveries of a deleted object
func (o *Outbox) Retract(ctx context.Context, objectURI string) error {
	return o.queue.Cancel(ctx, objectURI)
}

// resolveInboxes maps actors to their delivery inbox and drops duplicates.
// Actors on blocked domains are returned separately and never fetched; actors
// that cannot be resolved are logged and skipped.
func (o *Outbox) resolveInboxes(ctx context.Context, actorURIs []string) ([]string, []string) {
	seen := make(map[string]bool)
	var inboxes, blocked []string
	for _, uri := range actorURIs {
		if host, err := extractDomain(uri); err == nil {
			if err := o.queue.CheckDomain(ctx, host); errors.Is(err, ErrDomainBlocked) {
				blocked = append(blocked, uri)
				continue
			}
		}
		actor, err := o.keys.ResolveActor(ctx, uri)
		if err != nil {
			log.Printf("Outbox: cannot resolve %s code=%s class=%s: %v", uri, CodeOf(err), ClassOf(err), err)
			continue
		}
		inbox := actor.DeliveryInbox()
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		inboxes = append(inboxes, inbox)
	}
	return inboxes, blocked
}

func (o *Outbox) enqueue(ctx context.Context, category domain.QueueCategory, local *domain.Actor, inboxes, blockedActors []string, objectURI string, payload []byte) ([]*domain.DeliveryJob, error) {
	jobs, err := o.queue.Enqueue(ctx, Delivery{
		Category:       category,
		SourceActorURI: local.URI,
		Inboxes:        inboxes,
		ObjectURI:      objectURI,
		Payload:        payload,
	})
	if err == nil && len(blockedActors) > 0 {
		err = ErrDomainBlocked.With(nil, "%s", strings.Join(blockedActors, ", "))
	}
	if errors.Is(err, ErrDomainBlocked) && len(jobs) > 0 {
		// Partially blocked fan-out still delivers to everybody else
		log.Printf("Outbox: %v", err)
	}
	return jobs, err
}

func (o *Outbox) localActor(ctx context.Context, uri string) (*domain.Actor, error) {
	return readLocalActor(ctx, o.actors, uri)
}
