package activitypub

import (
	"context"
	"net/http"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/kv"
	"github.com/deemkeen/apfed/util"
	"github.com/google/uuid"
)

// Stores return sql.ErrNoRows for missing records.

// ActorStore is the actor directory: local accounts and cached remote actors
type ActorStore interface {
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	UpsertRemoteActor(ctx context.Context, actor *domain.Actor) error
}

// FollowStore persists follow relationships, unique per (source, target) pair
type FollowStore interface {
	ReadFollow(ctx context.Context, sourceURI, targetURI string) (*domain.FollowRelationship, error)
	ReadFollowByActivity(ctx context.Context, activityURI string) (*domain.FollowRelationship, error)
	CreateFollow(ctx context.Context, follow *domain.FollowRelationship) error
	// TransitionFollow moves a relationship from one state to another and reports
	// whether the row was still in the expected state
	TransitionFollow(ctx context.Context, id uuid.UUID, from, to domain.FollowState, activityURI string) (bool, error)
	ReadFollowers(ctx context.Context, targetURI string) ([]*domain.FollowRelationship, error)
}

// ActivityStore is the log of handled activities and deleted objects
type ActivityStore interface {
	// RecordActivity stores an activity and returns false when its id was already recorded
	RecordActivity(ctx context.Context, activity *domain.Activity) (bool, error)
	MarkActivityProcessed(ctx context.Context, activityURI string) error
	// ForgetActivity undoes RecordActivity for an activity that was never processed
	ForgetActivity(ctx context.Context, activityURI string) error
	Tombstone(ctx context.Context, objectURI string) error
	IsTombstoned(ctx context.Context, objectURI string) (bool, error)
}

// BlockList is the instance domain policy
type BlockList interface {
	IsBlocked(ctx context.Context, host string) (bool, error)
}

// JobStore is the durable queue backend
type JobStore interface {
	EnqueueJobs(ctx context.Context, jobs []*domain.DeliveryJob) error
	// ClaimJob leases the next dispatchable job of a category, or returns nil when none is due.
	// A job is dispatchable only when no older job of its partition is still pending.
	ClaimJob(ctx context.Context, category domain.QueueCategory, now time.Time, lease time.Duration) (*domain.DeliveryJob, error)
	CompleteJob(ctx context.Context, id uuid.UUID, attempts int, now time.Time) error
	RescheduleJob(ctx context.Context, id uuid.UUID, attempts int, next time.Time, code, msg string) error
	DeadLetterJob(ctx context.Context, id uuid.UUID, attempts int, code, msg string, now time.Time) error
}

// Stores bundles the collaborators a Federation is built from
type Stores struct {
	Actors     ActorStore
	Follows    FollowStore
	Activities ActivityStore
	Blocks     BlockList
	Jobs       JobStore
	Cache      kv.Store
}

// Federation is the explicit context shared by the federation components.
// Nothing in this package keeps process-wide state, so several instances
// can run side by side.
type Federation struct {
	Conf    *util.AppConfig
	Client  HTTPDoer
	Codec   *SignatureCodec
	Keys    *KeyResolver
	Queue   *DeliveryQueue
	Follows *FollowCoordinator
	Inbox   *InboxProcessor
	Outbox  *Outbox
	Metrics *Metrics
}

// New wires the federation components. A nil client selects an *http.Client
// bounded by the configured delivery timeout.
func New(conf *util.AppConfig, stores Stores, client HTTPDoer, metrics *Metrics) *Federation {
	if client == nil {
		client = &http.Client{Timeout: util.Seconds(conf.Conf.Delivery.TimeoutSeconds)}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if stores.Cache == nil {
		stores.Cache = kv.NewMemory()
	}

	codec := NewSignatureCodec(conf.Conf.Signature.Headers, conf.Conf.Signature.Algorithms,
		util.Seconds(conf.Conf.Signature.WindowSeconds))
	fetcher := NewHTTPActorFetcher(client, util.Seconds(conf.Conf.Delivery.TimeoutSeconds))
	keys := NewKeyResolver(conf.Conf.SslDomain, stores.Actors, fetcher, stores.Cache,
		util.Seconds(conf.Conf.KeyCache.TtlSeconds))

	queue := NewDeliveryQueue(QueueConfig{
		MaxAttempts: conf.Conf.Delivery.MaxAttempts,
		BackoffBase: util.Seconds(conf.Conf.Delivery.BackoffBaseSeconds),
		BackoffMax:  util.Seconds(conf.Conf.Delivery.BackoffMaxSeconds),
		Timeout:     util.Seconds(conf.Conf.Delivery.TimeoutSeconds),
		Lease:       util.Seconds(conf.Conf.Delivery.LeaseSeconds),
		Poll:        util.Millis(conf.Conf.WorkerPollMillis),
		Workers:     workerCounts(conf.Conf.Delivery.Workers),
	}, stores.Jobs, stores.Blocks, stores.Activities, client, codec, keys, metrics)

	outbox := NewOutbox(conf.Conf.SslDomain, stores.Actors, stores.Follows, keys, queue)
	follows := NewFollowCoordinator(stores.Actors, stores.Follows, keys, outbox, conf.Conf.ManualApproval)
	inbox := NewInboxProcessor(codec, keys, stores.Activities, queue, follows, metrics)
	queue.SetInboundHandler(inbox.Process)

	return &Federation{
		Conf:    conf,
		Client:  client,
		Codec:   codec,
		Keys:    keys,
		Queue:   queue,
		Follows: follows,
		Inbox:   inbox,
		Outbox:  outbox,
		Metrics: metrics,
	}
}

// SetClock replaces the time source of every component
func (f *Federation) SetClock(now func() time.Time) {
	f.Codec.SetClock(now)
	f.Queue.SetClock(now)
	f.Keys.now = now
	f.Follows.now = now
	f.Inbox.now = now
}

func workerCounts(conf map[string]int) map[domain.QueueCategory]int {
	counts := make(map[domain.QueueCategory]int, len(conf))
	for name, n := range conf {
		category := domain.QueueCategory(name)
		if category.Valid() && n > 0 {
			counts[category] = n
		}
	}
	return counts
}
