package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/apfed/scheduler"
	"github.com/deemkeen/apfed/util"
	"github.com/deemkeen/apfed/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inbox endpoints, queue workers and scheduled sweeps",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, a)
	}),
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	log.Println("Configuration: ")
	log.Println(util.PrettyPrint(a.conf.Conf))

	if err := seedBlockList(ctx, a); err != nil {
		return err
	}

	sched := newScheduler(a, time.Now)
	sched.Start(ctx)
	a.fed.Queue.Start(ctx)

	err := web.Router(ctx, a.conf, a.fed, a.db)

	// Router returns on shutdown or when the listener fails
	if ctx.Err() == nil {
		log.Printf("HTTP server stopped: %v", err)
	}
	log.Println("Waiting for queue workers to finish...")
	a.fed.Queue.Wait()
	sched.Wait()
	log.Println("Shutdown complete")
	return err
}

// seedBlockList adds the configured domains to the persistent block list
func seedBlockList(ctx context.Context, a *app) error {
	for _, d := range a.conf.Conf.BlockedDomains {
		if err := a.db.BlockDomain(ctx, d, "configured"); err != nil {
			return fmt.Errorf("block %s: %w", d, err)
		}
	}
	if n := len(a.conf.Conf.BlockedDomains); n > 0 {
		log.Printf("Block list: seeded %d configured domains", n)
	}
	return nil
}

// newScheduler registers the retention sweeps. When a shared store is
// configured, one process of the fleet runs each sweep per tick.
func newScheduler(a *app, now func() time.Time) *scheduler.Scheduler {
	conf := a.conf.Conf.Scheduler

	var coord scheduler.Coordinator
	if a.shared != nil {
		coord = scheduler.NewKVCoordinator(a.shared, util.Millis(conf.SettleMillis), util.Seconds(conf.LeaseTTLSeconds))
	}
	sched := scheduler.New(coord)
	interval := util.Seconds(conf.SweepIntervalSeconds)
	followRetention := time.Duration(conf.FollowRetentionHours) * time.Hour
	jobRetention := time.Duration(conf.JobRetentionHours) * time.Hour

	sched.Register("purge-follows", interval, func(ctx context.Context) error {
		n, err := a.db.PurgeFollows(ctx, now().Add(-followRetention))
		if n > 0 {
			log.Printf("Scheduler: purged %d ended follow relationships", n)
		}
		return err
	})

	sched.Register("purge-jobs", interval, func(ctx context.Context) error {
		cutoff := now().Add(-jobRetention)
		// Dead letters stay until an operator retries or inspects them
		jobs, err := a.db.PurgeJobs(ctx, cutoff, time.Time{})
		if err != nil {
			return err
		}
		activities, err := a.db.PurgeActivities(ctx, cutoff)
		if jobs+activities > 0 {
			log.Printf("Scheduler: purged %d finished jobs and %d activity records", jobs, activities)
		}
		return err
	})

	if a.conf.Conf.SharedStore.Backend == "sqlite" {
		sched.Register("purge-kv", interval, func(ctx context.Context) error {
			_, err := a.db.PurgeExpired(ctx)
			return err
		})
	}

	return sched
}
