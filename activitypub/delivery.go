package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/util"
	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 6 * time.Hour
	DefaultTimeout     = 30 * time.Second

	maxResponseDrain = 64 << 10
)

// QueueConfig is the retry policy and worker layout of a DeliveryQueue
type QueueConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration // bound on a single outbound request
	Lease       time.Duration // how long a claimed job stays invisible to other workers
	Poll        time.Duration // idle wait between claims
	Workers     map[domain.QueueCategory]int
}

func (c *QueueConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Lease <= c.Timeout {
		c.Lease = 2 * c.Timeout
	}
	if c.Poll <= 0 {
		c.Poll = 500 * time.Millisecond
	}
}

// Delivery describes traffic to enqueue. Outbound deliveries name remote inboxes;
// inbound ones name the local inbox the activity arrived at.
type Delivery struct {
	Category       domain.QueueCategory
	SourceActorURI string
	Inboxes        []string
	ObjectURI      string
	Payload        []byte
}

// InboundHandler processes one received activity taken from an inbound queue
type InboundHandler func(ctx context.Context, job *domain.DeliveryJob) error

// DeliveryQueue is the durable, retrying, per-category federation queue.
// Retries are scheduled requeues; a pending retry never occupies a worker.
type DeliveryQueue struct {
	conf       QueueConfig
	jobs       JobStore
	blocks     BlockList
	tombstones ActivityStore
	client     HTTPDoer
	codec      *SignatureCodec
	keys       *KeyResolver
	metrics    *Metrics
	inbound    InboundHandler
	now        func() time.Time
	wg         sync.WaitGroup
}

func NewDeliveryQueue(conf QueueConfig, jobs JobStore, blocks BlockList, tombstones ActivityStore, client HTTPDoer, codec *SignatureCodec, keys *KeyResolver, metrics *Metrics) *DeliveryQueue {
	conf.applyDefaults()
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &DeliveryQueue{
		conf:       conf,
		jobs:       jobs,
		blocks:     blocks,
		tombstones: tombstones,
		client:     client,
		codec:      codec,
		keys:       keys,
		metrics:    metrics,
		now:        time.Now,
	}
}

// SetInboundHandler installs the processor for shared-inbox-in and user-inbox-in jobs
func (q *DeliveryQueue) SetInboundHandler(h InboundHandler) {
	q.inbound = h
}

// SetClock replaces the time source used for scheduling
func (q *DeliveryQueue) SetClock(now func() time.Time) {
	q.now = now
}

// CheckInbox returns ErrDomainBlocked when the inbox host is on the block list
func (q *DeliveryQueue) CheckInbox(ctx context.Context, inboxURI string) error {
	host, err := extractDomain(inboxURI)
	if err != nil {
		return ErrMalformedActivity.With(err, "inbox %q", inboxURI)
	}
	return q.CheckDomain(ctx, host)
}

// CheckDomain returns ErrDomainBlocked when host is on the block list
func (q *DeliveryQueue) CheckDomain(ctx context.Context, host string) error {
	if q.blocks == nil {
		return nil
	}
	blocked, err := q.blocks.IsBlocked(ctx, host)
	if err != nil {
		return ErrStore.With(err, "block list")
	}
	if blocked {
		return ErrDomainBlocked.With(nil, "%s", host)
	}
	return nil
}

// Enqueue adds one job per distinct inbox. Inboxes on blocked domains are skipped
// without any I/O; when any were skipped the returned error is ErrDomainBlocked
// and the jobs for the remaining inboxes are still enqueued.
func (q *DeliveryQueue) Enqueue(ctx context.Context, d Delivery) ([]*domain.DeliveryJob, error) {
	if !d.Category.Valid() {
		return nil, fmt.Errorf("unknown queue category %q", d.Category)
	}
	if len(d.Payload) == 0 {
		return nil, ErrMalformedActivity.With(nil, "empty payload")
	}

	now := q.now()
	seen := make(map[string]bool, len(d.Inboxes))
	var jobs []*domain.DeliveryJob
	var blocked []string
	for _, inbox := range d.Inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true

		if !d.Category.Inbound() {
			if err := q.CheckInbox(ctx, inbox); err != nil {
				if errors.Is(err, ErrDomainBlocked) {
					blocked = append(blocked, inbox)
					continue
				}
				return nil, err
			}
		}

		jobs = append(jobs, &domain.DeliveryJob{
			Id:             uuid.New(),
			Category:       d.Category,
			SourceActorURI: d.SourceActorURI,
			InboxURI:       inbox,
			ObjectURI:      d.ObjectURI,
			Payload:        d.Payload,
			NextAttemptAt:  now,
			Status:         domain.JobQueued,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if len(jobs) > 0 {
		if err := q.jobs.EnqueueJobs(ctx, jobs); err != nil {
			return nil, ErrStore.With(err, "enqueue")
		}
		q.metrics.JobsEnqueued.WithLabelValues(string(d.Category)).Add(float64(len(jobs)))
	}

	if len(blocked) > 0 {
		log.Printf("DeliveryQueue: skipped %d blocked inbox(es) for %s code=%s class=%s",
			len(blocked), d.SourceActorURI, ErrDomainBlocked.Code, ErrDomainBlocked.Class)
		return jobs, ErrDomainBlocked.With(nil, "%s", strings.Join(blocked, ", "))
	}
	return jobs, nil
}

// Cancel stops pending deliveries of an object. Jobs already in flight finish
// their current attempt; the check happens before every attempt.
func (q *DeliveryQueue) Cancel(ctx context.Context, objectURI string) error {
	if q.tombstones == nil {
		return fmt.Errorf("cancellation needs an activity store")
	}
	if err := q.tombstones.Tombstone(ctx, objectURI); err != nil {
		return ErrStore.With(err, "tombstone %s", objectURI)
	}
	return nil
}

// Start launches the workers of every category. Categories without a configured
// count get one worker. Workers stop when ctx is cancelled; Wait blocks until then.
func (q *DeliveryQueue) Start(ctx context.Context) {
	for _, category := range domain.Categories() {
		n := q.conf.Workers[category]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			q.wg.Add(1)
			go q.worker(ctx, category, i)
		}
		log.Printf("DeliveryQueue: started %d %s worker(s)", n, category)
	}
}

// Wait blocks until all workers have stopped
func (q *DeliveryQueue) Wait() {
	q.wg.Wait()
}

func (q *DeliveryQueue) worker(ctx context.Context, category domain.QueueCategory, n int) {
	defer q.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := q.ProcessNext(ctx, category)
		if err != nil && ctx.Err() == nil {
			log.Printf("DeliveryWorker: %s/%d: %v", category, n, err)
		}
		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(q.conf.Poll)
		}
	}
}

// ProcessNext claims and runs one due job of category. It reports false when
// nothing was due.
func (q *DeliveryQueue) ProcessNext(ctx context.Context, category domain.QueueCategory) (bool, error) {
	job, err := q.jobs.ClaimJob(ctx, category, q.now(), q.conf.Lease)
	if err != nil {
		return false, ErrStore.With(err, "claim %s", category)
	}
	if job == nil {
		return false, nil
	}
	return true, q.run(ctx, job)
}

// Drain runs due jobs of category until none is left and returns how many ran
func (q *DeliveryQueue) Drain(ctx context.Context, category domain.QueueCategory) (int, error) {
	n := 0
	for {
		processed, err := q.ProcessNext(ctx, category)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

func (q *DeliveryQueue) run(ctx context.Context, job *domain.DeliveryJob) error {
	attempt := job.Attempts + 1
	started := q.now()

	var err error
	if cancelled, cerr := q.cancelled(ctx, job); cerr != nil {
		err = cerr
	} else if cancelled {
		err = ErrCancelled.With(nil, "%s", job.ObjectURI)
	} else if job.Category.Inbound() {
		if q.inbound == nil {
			err = fmt.Errorf("no inbound handler installed")
		} else {
			err = q.inbound(ctx, job)
		}
	} else {
		err = q.deliver(ctx, job)
	}

	return q.settle(ctx, job, attempt, err, q.now().Sub(started))
}

func (q *DeliveryQueue) cancelled(ctx context.Context, job *domain.DeliveryJob) (bool, error) {
	if job.ObjectURI == "" || q.tombstones == nil {
		return false, nil
	}
	gone, err := q.tombstones.IsTombstoned(ctx, job.ObjectURI)
	if err != nil {
		return false, ErrStore.With(err, "tombstone lookup")
	}
	return gone, nil
}

// settle records the outcome of an attempt
func (q *DeliveryQueue) settle(ctx context.Context, job *domain.DeliveryJob, attempt int, err error, took time.Duration) error {
	now := q.now()

	if err == nil {
		q.metrics.attempt(job.Category, "succeeded", nil, took)
		log.Printf("DeliveryWorker: %s %s -> %s succeeded (attempt %d)", job.Category, job.Id, job.InboxURI, attempt)
		return q.jobs.CompleteJob(ctx, job.Id, attempt, now)
	}

	code, class := CodeOf(err), ClassOf(err)
	if class == ClassTransient && attempt < q.conf.MaxAttempts {
		delay := q.Backoff(attempt)
		if after := retryAfter(err); after > delay {
			delay = after
		}
		next := now.Add(delay)
		q.metrics.attempt(job.Category, "retry", err, took)
		log.Printf("DeliveryWorker: %s %s -> %s failed (attempt %d/%d), retry at %s code=%s class=%s: %v",
			job.Category, job.Id, job.InboxURI, attempt, q.conf.MaxAttempts, next.Format(time.RFC3339), code, class, err)
		return q.jobs.RescheduleJob(ctx, job.Id, attempt, next, string(code), err.Error())
	}

	if class == ClassTransient {
		err = ErrRetriesExhausted.With(err, "after %d attempts", attempt)
		code = ErrRetriesExhausted.Code
	}
	q.metrics.attempt(job.Category, "dead_lettered", err, took)
	q.metrics.DeadLetters.WithLabelValues(string(job.Category), string(code)).Inc()
	log.Printf("DeliveryWorker: %s %s -> %s dead-lettered (attempt %d) code=%s class=%s: %v",
		job.Category, job.Id, job.InboxURI, attempt, code, class, err)
	return q.jobs.DeadLetterJob(ctx, job.Id, attempt, string(code), err.Error(), now)
}

// Backoff returns the delay before attempt+1: base * 2^(attempt-1), capped
func (q *DeliveryQueue) Backoff(attempt int) time.Duration {
	delay := q.conf.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.conf.BackoffMax {
			return q.conf.BackoffMax
		}
	}
	if delay > q.conf.BackoffMax {
		return q.conf.BackoffMax
	}
	return delay
}

// deliver signs and posts an outbound job to its inbox
func (q *DeliveryQueue) deliver(ctx context.Context, job *domain.DeliveryJob) error {
	// The block list may have changed since the job was enqueued
	if err := q.CheckInbox(ctx, job.InboxURI); err != nil {
		return err
	}

	key, err := q.keys.ResolveSigningKey(ctx, job.SourceActorURI)
	if err != nil {
		return err
	}

	// Shutdown must not interrupt a request already on the wire
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.conf.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.InboxURI, bytes.NewReader(job.Payload))
	if err != nil {
		return ErrMalformedActivity.With(err, "inbox %q", job.InboxURI)
	}
	req.Header.Set("Content-Type", activityJSON)
	req.Header.Set("Accept", activityJSON)
	req.Header.Set("User-Agent", util.UserAgent())

	if _, err := q.codec.Sign(req, job.Payload, key, job.SourceActorURI+"#main-key"); err != nil {
		return err
	}

	resp, err := q.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return ErrTimeout.With(err, "%s", job.InboxURI)
		}
		return ErrRemoteUnavailable.With(err, "%s", job.InboxURI)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	return classifyResponse(resp, q.now())
}

// classifyResponse maps an inbox response to nil or a coded error.
// 4xx other than 429 is permanent: resending the identical payload cannot help.
func classifyResponse(resp *http.Response, now time.Time) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &delayedError{
			err:   ErrRateLimited.With(nil, "status %d", status),
			after: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		}
	case status >= 500:
		return ErrRemoteUnavailable.With(nil, "status %d", status)
	default:
		return ErrRemoteRejected.With(nil, "status %d", status)
	}
}

// delayedError carries a remote-requested minimum delay before the next attempt
type delayedError struct {
	err   error
	after time.Duration
}

func (e *delayedError) Error() string { return e.err.Error() }
func (e *delayedError) Unwrap() error { return e.err }

func retryAfter(err error) time.Duration {
	var d *delayedError
	if errors.As(err, &d) {
		return d.after
	}
	return 0
}

// parseRetryAfter accepts delta-seconds or an HTTP-date
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
