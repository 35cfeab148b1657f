package domain

import (
	"time"

	"github.com/google/uuid"
)

// Actor represents a federated identity, either a local account or a cached remote actor
type Actor struct {
	Id                        uuid.UUID
	URI                       string
	Username                  string
	Domain                    string
	IsLocal                   bool
	InboxURI                  string
	SharedInboxURI            string // optional
	OutboxURI                 string
	PublicKeyPem              string
	PrivateKeyPem             string // local actors only
	ManuallyApprovesFollowers bool
	LastFetchedAt             time.Time
	CreatedAt                 time.Time
}

// KeyID returns the id under which the actor publishes its public key
func (a *Actor) KeyID() string {
	return a.URI + "#main-key"
}

// DeliveryInbox returns the shared inbox if the actor advertises one, the personal inbox otherwise
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

// FollowState is the state of a follow handshake
type FollowState string

const (
	FollowRequested FollowState = "requested"
	FollowAccepted  FollowState = "accepted"
	FollowRejected  FollowState = "rejected"
	FollowUndone    FollowState = "undone"
)

// FollowRelationship represents a follow between two actors, unique per (source, target)
type FollowRelationship struct {
	Id             uuid.UUID
	SourceActorURI string // the follower
	TargetActorURI string // the actor being followed
	State          FollowState
	ActivityURI    string // id of the originating Follow activity
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the relationship no longer represents a live follow
func (f *FollowRelationship) Terminal() bool {
	return f.State == FollowRejected || f.State == FollowUndone
}

// Activity represents an ActivityPub activity (for logging/deduplication)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Accept, Reject, Undo, Create, ...
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}
