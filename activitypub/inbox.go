package activitypub

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/google/uuid"
)

const maxInboxBody = 1 << 20

// InboxProcessor authenticates inbound activities and hands them to the
// handshake state machine through the inbound queues
type InboxProcessor struct {
	codec      *SignatureCodec
	keys       *KeyResolver
	activities ActivityStore
	queue      *DeliveryQueue
	follows    *FollowCoordinator
	metrics    *Metrics
	now        func() time.Time
}

// NewInboxProcessor creates a processor. The block list is applied through queue.
func NewInboxProcessor(codec *SignatureCodec, keys *KeyResolver, activities ActivityStore, queue *DeliveryQueue, follows *FollowCoordinator, metrics *Metrics) *InboxProcessor {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &InboxProcessor{
		codec:      codec,
		keys:       keys,
		activities: activities,
		queue:      queue,
		follows:    follows,
		metrics:    metrics,
		now:        time.Now,
	}
}

// ServeInbox handles a POST to a local inbox. category selects the inbound
// queue and localInbox is the inbox URI the request was addressed to.
func (p *InboxProcessor) ServeInbox(w http.ResponseWriter, r *http.Request, category domain.QueueCategory, localInbox string) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody+1))
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxInboxBody {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	job, err := p.Receive(r.Context(), r, body, category, localInbox)
	if err != nil {
		status := ReceiveStatus(err)
		http.Error(w, string(CodeOf(err)), status)
		return
	}
	if job == nil {
		log.Printf("Inbox: duplicate activity acknowledged")
	}
	w.WriteHeader(http.StatusAccepted)
}

// Receive authenticates an inbound activity and enqueues it. Nothing is stored
// or enqueued before the signature verifies. A nil job with a nil error means
// the activity id was seen before.
func (p *InboxProcessor) Receive(ctx context.Context, r *http.Request, body []byte, category domain.QueueCategory, localInbox string) (*domain.DeliveryJob, error) {
	if !category.Inbound() {
		return nil, ErrMalformedActivity.With(nil, "%s is not an inbound queue", category)
	}

	// Blocked senders are turned away before their keys are fetched
	if params, err := parseSignatureHeader(r); err == nil {
		if err := p.checkSigner(ctx, keyOwner(params.keyID)); err != nil {
			return nil, err
		}
	}

	verified, err := p.keys.Verify(ctx, p.codec, r, body)
	p.metrics.verification(err)
	if err != nil {
		log.Printf("Inbox: Signature verification failed code=%s class=%s: %v", CodeOf(err), ClassOf(err), err)
		return nil, &receiveError{err: err, verifying: true}
	}
	if err := p.checkSigner(ctx, verified.ActorURI); err != nil {
		return nil, err
	}

	activity, err := DecodeActivity(body)
	if err != nil {
		log.Printf("Inbox: Failed to parse activity code=%s: %v", CodeOf(err), err)
		return nil, err
	}
	if activity.ActorURI() != verified.ActorURI {
		err := ErrActorMismatch.With(nil, "actor %s signed by %s", activity.ActorURI(), verified.ActorURI)
		log.Printf("Inbox: %v", err)
		return nil, err
	}

	log.Printf("Inbox: Received %s from %s", activity.Type(), activity.ActorURI())

	if localInbox == "" {
		return nil, ErrMalformedActivity.With(nil, "no local inbox")
	}

	recorded := false
	if activity.ActivityID() != "" {
		created, err := p.activities.RecordActivity(ctx, &domain.Activity{
			Id:           uuid.New(),
			ActivityURI:  activity.ActivityID(),
			ActivityType: activity.Type(),
			ActorURI:     activity.ActorURI(),
			ObjectURI:    objectOf(activity),
			RawJSON:      string(body),
			CreatedAt:    p.now(),
		})
		if err != nil {
			return nil, ErrStore.With(err, "record activity")
		}
		if !created {
			return nil, nil
		}
		recorded = true
	}

	jobs, err := p.queue.Enqueue(ctx, Delivery{
		Category:       category,
		SourceActorURI: verified.ActorURI,
		Inboxes:        []string{localInbox},
		Payload:        body,
	})
	if err == nil && len(jobs) == 0 {
		err = ErrMalformedActivity.With(nil, "no local inbox")
	}
	if err != nil {
		// The sender retries on failure; the retry must not be taken for a duplicate
		if recorded {
			if forgetErr := p.activities.ForgetActivity(ctx, activity.ActivityID()); forgetErr != nil {
				log.Printf("Inbox: Failed to forget %s after enqueue failure: %v", activity.ActivityID(), forgetErr)
			}
		}
		return nil, err
	}
	return jobs[0], nil
}

func (p *InboxProcessor) checkSigner(ctx context.Context, actorURI string) error {
	host, err := extractDomain(actorURI)
	if err != nil {
		return &receiveError{err: err, verifying: true}
	}
	if err := p.queue.CheckDomain(ctx, host); err != nil {
		log.Printf("Inbox: Rejected activity from %s code=%s class=%s", host, CodeOf(err), ClassOf(err))
		return err
	}
	return nil
}

// Process applies one queued inbound activity. It is the inbound handler of the DeliveryQueue.
func (p *InboxProcessor) Process(ctx context.Context, job *domain.DeliveryJob) error {
	activity, err := DecodeActivity(job.Payload)
	if err != nil {
		p.metrics.handshake("Malformed", err)
		return err
	}

	kind := activity.Type()
	switch a := activity.(type) {
	case *Follow:
		_, err = p.follows.ReceiveFollow(ctx, a)
	case *Accept:
		_, err = p.follows.ReceiveAccept(ctx, a)
	case *Reject:
		_, err = p.follows.ReceiveReject(ctx, a)
	case *Undo:
		_, err = p.follows.ReceiveUndo(ctx, a)
	case *Unsupported:
		kind = "Unsupported"
		unsupported := ErrUnsupported.With(nil, "%s", a.RawType)
		p.metrics.handshake(kind, unsupported)
		log.Printf("Inbox: %s from %s not handled code=%s", a.RawType, a.Actor, unsupported.Code)
		return nil
	}

	p.metrics.handshake(kind, err)
	if err != nil {
		log.Printf("Inbox: Failed to handle %s %s code=%s class=%s: %v", kind, activity.ActivityID(), CodeOf(err), ClassOf(err), err)
		return err
	}

	if id := activity.ActivityID(); id != "" {
		if err := p.activities.MarkActivityProcessed(ctx, id); err != nil {
			log.Printf("Inbox: Failed to mark %s processed: %v", id, err)
		}
	}
	return nil
}

// receiveError marks failures of the signature check so they map to 401
type receiveError struct {
	err       error
	verifying bool
}

func (e *receiveError) Error() string { return e.err.Error() }
func (e *receiveError) Unwrap() error { return e.err }

// ReceiveStatus maps a Receive error to the HTTP status returned to the sender
func ReceiveStatus(err error) int {
	class := ClassOf(err)
	switch {
	case class == ClassTransient:
		return http.StatusServiceUnavailable
	case class == ClassPolicy:
		return http.StatusForbidden
	}

	var re *receiveError
	if errors.As(err, &re) && re.verifying {
		return http.StatusUnauthorized
	}
	if errors.Is(err, ErrActorMismatch) {
		return http.StatusUnauthorized
	}
	if class == ClassDataIntegrity {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

func objectOf(a Activity) string {
	switch v := a.(type) {
	case *Follow:
		return v.Object
	case *Accept:
		return v.Follow.ID
	case *Reject:
		return v.Follow.ID
	case *Undo:
		return v.Follow.ID
	case *Unsupported:
		return v.Object
	}
	return ""
}
