// Package scheduler runs recurring sweeps so that, across a fleet of processes
// sharing a store, only one process executes a given sweep per tick.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/kv"
	"github.com/google/uuid"
	"github.com/rs/xid"
)

const (
	leasePrefix   = "lease:"
	DefaultSettle = 2 * time.Second
)

// Coordinator decides whether this process runs jobKey for the current tick.
// Deployments that need a linearizable lock can supply their own implementation.
type Coordinator interface {
	Elect(ctx context.Context, jobKey string) (bool, error)
}

// KVCoordinator elects by writing a fresh token, waiting a settle delay and
// reading it back: whoever still finds its own token is leader for the tick.
//
// This is a coarse, time-windowed election and not a lock. It is correct only
// while the settle delay exceeds the worst write propagation delay and clock
// skew across the fleet.
type KVCoordinator struct {
	store   kv.Store
	settle  time.Duration
	ttl     time.Duration
	process string
	now     func() time.Time
}

// NewKVCoordinator creates a coordinator. ttl bounds how long a lease value
// lingers in the store; it never needs explicit deletion.
func NewKVCoordinator(store kv.Store, settle, ttl time.Duration) *KVCoordinator {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if ttl < settle {
		ttl = 10 * settle
	}
	return &KVCoordinator{
		store:   store,
		settle:  settle,
		ttl:     ttl,
		process: xid.New().String(),
		now:     time.Now,
	}
}

// Process returns the id that prefixes every token this coordinator writes
func (c *KVCoordinator) Process() string {
	return c.process
}

func (c *KVCoordinator) Elect(ctx context.Context, jobKey string) (bool, error) {
	lease := domain.SchedulerLease{
		JobKey:     jobKey,
		Token:      c.process + "-" + uuid.New().String(),
		AcquiredAt: c.now().UTC(),
	}
	value, err := json.Marshal(lease)
	if err != nil {
		return false, err
	}
	if err := c.store.Set(ctx, leasePrefix+jobKey, string(value), c.ttl); err != nil {
		return false, fmt.Errorf("write lease %s: %w", jobKey, err)
	}

	timer := time.NewTimer(c.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}

	current, ok, err := c.store.Get(ctx, leasePrefix+jobKey)
	if err != nil {
		return false, fmt.Errorf("read lease %s: %w", jobKey, err)
	}
	if !ok {
		return false, nil
	}
	var holder domain.SchedulerLease
	if err := json.Unmarshal([]byte(current), &holder); err != nil {
		return false, nil
	}
	return holder.Token == lease.Token, nil
}

// Job is a recurring sweep
type Job struct {
	Key      string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler fires registered jobs on their interval. With a nil Coordinator
// every process runs every tick, which is the single-instance fallback.
type Scheduler struct {
	coord Coordinator
	mu    sync.Mutex
	jobs  []Job
	wg    sync.WaitGroup
}

func New(coord Coordinator) *Scheduler {
	return &Scheduler{coord: coord}
}

// Register adds a job; it takes effect on the next Start
func (s *Scheduler) Register(key string, interval time.Duration, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Job{Key: key, Interval: interval, Run: run})
}

// Jobs returns the registered jobs
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// Tick runs job once if this process wins the election for it
func (s *Scheduler) Tick(ctx context.Context, job Job) (bool, error) {
	if s.coord != nil {
		leader, err := s.coord.Elect(ctx, job.Key)
		if err != nil {
			return false, err
		}
		if !leader {
			return false, nil
		}
	}
	if err := job.Run(ctx); err != nil {
		return true, fmt.Errorf("%s: %w", job.Key, err)
	}
	return true, nil
}

// Start runs every job on its own ticker until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.Jobs() {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait blocks until every job loop has stopped
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	log.Printf("Scheduler: %s every %s", job.Key, job.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ran, err := s.Tick(ctx, job)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Printf("Scheduler: %v", err)
		case ran:
			log.Printf("Scheduler: ran %s", job.Key)
		}
	}
}
