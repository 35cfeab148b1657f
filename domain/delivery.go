package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueCategory isolates federation traffic so a backlog in one category cannot starve another
type QueueCategory string

const (
	SharedInboxIn     QueueCategory = "shared-inbox-in"
	UserInboxIn       QueueCategory = "user-inbox-in"
	UserOutboxOut     QueueCategory = "user-outbox-out"
	FollowRequestOut  QueueCategory = "follow-request-out"
	FollowResponseOut QueueCategory = "follow-response-out"
	ContentOut        QueueCategory = "content-out"
)

// Categories returns every queue category in a stable order
func Categories() []QueueCategory {
	return []QueueCategory{
		SharedInboxIn,
		UserInboxIn,
		UserOutboxOut,
		FollowRequestOut,
		FollowResponseOut,
		ContentOut,
	}
}

// Inbound reports whether jobs of this category carry received activities rather than outbound deliveries
func (c QueueCategory) Inbound() bool {
	return c == SharedInboxIn || c == UserInboxIn
}

// Valid reports whether c is one of the known categories
func (c QueueCategory) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a delivery job. Succeeded and DeadLettered are final.
type JobStatus string

const (
	JobQueued       JobStatus = "queued"
	JobInFlight     JobStatus = "in_flight"
	JobSucceeded    JobStatus = "succeeded"
	JobDeadLettered JobStatus = "dead_lettered"
)

// Final reports whether no further attempt will be made for a job in this state
func (s JobStatus) Final() bool {
	return s == JobSucceeded || s == JobDeadLettered
}

// DeliveryJob represents one unit of federation traffic in the delivery queue.
// Outbound jobs address exactly one inbox; fan-out creates one job per distinct inbox.
type DeliveryJob struct {
	Id             uuid.UUID
	Seq            int64 // creation order, assigned by the queue backend
	Category       QueueCategory
	SourceActorURI string
	InboxURI       string // remote inbox for outbound jobs, local inbox the activity arrived at for inbound jobs
	ObjectURI      string // object that triggered the job, used for cancellation
	Payload        []byte // the complete activity JSON
	Attempts       int
	NextAttemptAt  time.Time
	LockedUntil    time.Time
	Status         JobStatus
	LastCode       string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PartitionKey groups jobs that must be dispatched in creation order
func (j *DeliveryJob) PartitionKey() string {
	return j.SourceActorURI + " " + j.InboxURI
}

// SchedulerLease is the value a process writes to claim a scheduled sweep for one tick
type SchedulerLease struct {
	JobKey     string
	Token      string
	AcquiredAt time.Time
}
