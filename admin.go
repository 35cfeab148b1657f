package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/deemkeen/apfed/activitypub"
	"github.com/deemkeen/apfed/db"
	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/util"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,30}$`)

var actorCmd = &cobra.Command{
	Use:   "actor",
	Short: "Manage local actors",
}

var actorCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a local actor with a fresh key pair",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		manual, _ := cmd.Flags().GetBool("manual-approval")
		actor, err := createActor(cmd.Context(), a, args[0], manual || a.conf.Conf.ManualApproval)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Created ")+actor.URI)
		return nil
	}),
}

var actorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local actors",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		actors, err := a.db.ReadLocalActors(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d local actors", len(actors))))
		for _, actor := range actors {
			fmt.Fprintf(out, "%s %s\n", actor.URI, infoStyle.Render("created "+humanize.Time(actor.CreatedAt)))
		}
		return nil
	}),
}

var followCmd = &cobra.Command{
	Use:   "follow <username> <actor-uri>",
	Short: "Send a Follow from a local actor",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return handshake(cmd, a, args, a.fed.Follows.RequestFollow, "Follow requested")
	}),
}

var unfollowCmd = &cobra.Command{
	Use:   "unfollow <username> <actor-uri>",
	Short: "Undo an accepted follow",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return handshake(cmd, a, args, a.fed.Follows.UndoFollow, "Follow undone")
	}),
}

var approveCmd = &cobra.Command{
	Use:   "approve <username> <follower-uri>",
	Short: "Accept a pending follow request",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return handshake(cmd, a, args, a.fed.Follows.ApproveFollow, "Follow accepted")
	}),
}

var rejectCmd = &cobra.Command{
	Use:   "reject <username> <follower-uri>",
	Short: "Reject a pending follow request",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return handshake(cmd, a, args, a.fed.Follows.RejectFollow, "Follow rejected")
	}),
}

var publishCmd = &cobra.Command{
	Use:   "publish <username> <object-uri> <payload-file>",
	Short: "Queue an activity from a local actor",
	Long: `Queue the activity JSON in payload-file ("-" reads stdin) for delivery.
Without --to it goes to every accepted follower, one delivery per inbox.`,
	Args: cobra.ExactArgs(3),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		to, _ := cmd.Flags().GetStringSlice("to")
		payload, err := readPayload(cmd.InOrStdin(), args[2])
		if err != nil {
			return err
		}
		jobs, err := publish(cmd.Context(), a, args[0], args[1], payload, to)
		if err != nil && !errors.Is(err, activitypub.ErrDomainBlocked) {
			return fmt.Errorf("%w (%s)", err, activitypub.CodeOf(err))
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %d deliveries of %s\n", okStyle.Render("Queued"), len(jobs), args[1])
		if err != nil {
			fmt.Fprintln(out, warnStyle.Render("Skipped: ")+err.Error())
		}
		return nil
	}),
}

var retractCmd = &cobra.Command{
	Use:   "retract <object-uri>",
	Short: "Cancel pending deliveries of a deleted object",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if err := a.fed.Outbox.Retract(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("%w (%s)", err, activitypub.CodeOf(err))
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Retracted ")+args[0])
		return nil
	}),
}

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "Inspect and retry parked deliveries",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs, most recent first",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		jobs, err := a.db.ReadDeadLetters(cmd.Context(), limit)
		if err != nil {
			return err
		}
		renderDeadLetters(cmd.OutOrStdout(), jobs)
		return nil
	}),
}

var deadLettersRetryCmd = &cobra.Command{
	Use:   "retry <job-id>...",
	Short: "Re-queue dead letters with a fresh attempt budget",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", arg, err)
			}
			job, err := a.db.RetryDeadLetter(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s to %s\n", okStyle.Render("Re-queued"), job.Id, job.InboxURI)
		}
		return nil
	}),
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show job counts per category and status",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		counts, err := a.db.CountJobs(cmd.Context())
		if err != nil {
			return err
		}
		renderQueue(cmd.OutOrStdout(), counts)
		return nil
	}),
}

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Manage the domain block list",
}

var blockAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Block a domain and its subdomains",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if err := a.db.BlockDomain(cmd.Context(), args[0], reason); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Blocked ")+args[0])
		return nil
	}),
}

var blockRemoveCmd = &cobra.Command{
	Use:   "remove <domain>",
	Short: "Remove a domain from the block list",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		removed, err := a.db.UnblockDomain(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("Not blocked: ")+args[0])
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Unblocked ")+args[0])
		return nil
	}),
}

var blockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocked domains",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		blocked, err := a.db.ReadBlockedDomains(cmd.Context())
		if err != nil {
			return err
		}
		renderBlockList(cmd.OutOrStdout(), blocked)
		return nil
	}),
}

func init() {
	actorCreateCmd.Flags().Bool("manual-approval", false, "Require approval of incoming follow requests")
	actorCmd.AddCommand(actorCreateCmd, actorListCmd)

	deadLettersListCmd.Flags().Int("limit", 50, "Maximum number of jobs to list")
	deadLettersCmd.AddCommand(deadLettersListCmd, deadLettersRetryCmd)

	publishCmd.Flags().StringSlice("to", nil, "Recipient actor URIs instead of the followers")

	blockAddCmd.Flags().String("reason", "", "Why the domain is blocked")
	blockCmd.AddCommand(blockAddCmd, blockRemoveCmd, blockListCmd)

	rootCmd.AddCommand(actorCmd, followCmd, unfollowCmd, approveCmd, rejectCmd, publishCmd, retractCmd,
		deadLettersCmd, queueCmd, blockCmd)
}

func createActor(ctx context.Context, a *app, username string, manualApproval bool) (*domain.Actor, error) {
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("invalid username %q: use 1-30 letters, digits or underscores", username)
	}
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, err
	}
	actor := activitypub.NewLocalActor(a.conf.Conf.SslDomain, username, keys, manualApproval)
	if err := a.db.CreateLocalActor(ctx, actor); err != nil {
		return nil, err
	}
	return actor, nil
}

type handshakeFunc func(ctx context.Context, localActorURI, remoteURI string) (*domain.FollowRelationship, error)

// handshake runs one follow operation for the local actor named in args[0].
// Deliveries are picked up by the queue workers of a running server.
func handshake(cmd *cobra.Command, a *app, args []string, op handshakeFunc, done string) error {
	local, err := a.db.ReadLocalActor(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("local actor %s: %w", args[0], err)
	}
	rel, err := op(cmd.Context(), local.URI, args[1])
	if err != nil {
		return fmt.Errorf("%w (%s)", err, activitypub.CodeOf(err))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s [%s]\n", okStyle.Render(done), rel.SourceActorURI, rel.TargetActorURI, rel.State)
	return nil
}

// publish queues payload for the followers of a local actor, or for recipients when given
func publish(ctx context.Context, a *app, username, objectURI string, payload []byte, recipients []string) ([]*domain.DeliveryJob, error) {
	local, err := a.db.ReadLocalActor(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("local actor %s: %w", username, err)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	if len(recipients) == 0 {
		return a.fed.Outbox.DeliverToFollowers(ctx, local.URI, objectURI, payload)
	}
	return a.fed.Outbox.Publish(ctx, local.URI, recipients, objectURI, payload)
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func renderDeadLetters(out io.Writer, jobs []*domain.DeliveryJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, okStyle.Render("No dead letters"))
		return
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d dead letters", len(jobs))))
	for _, job := range jobs {
		fmt.Fprintf(out, "%s %s %s\n", job.Id, warnStyle.Render(job.LastCode), job.InboxURI)
		fmt.Fprintln(out, infoStyle.Render(fmt.Sprintf("  %s from %s, %d attempts, failed %s",
			job.Category, job.SourceActorURI, job.Attempts, humanize.Time(job.UpdatedAt))))
		if job.LastError != "" {
			fmt.Fprintln(out, infoStyle.Render("  "+job.LastError))
		}
	}
}

func renderQueue(out io.Writer, counts map[domain.QueueCategory]map[domain.JobStatus]int) {
	statuses := []domain.JobStatus{domain.JobQueued, domain.JobInFlight, domain.JobSucceeded, domain.JobDeadLettered}

	var header strings.Builder
	fmt.Fprintf(&header, "%-20s", "category")
	for _, s := range statuses {
		fmt.Fprintf(&header, "%14s", s)
	}
	fmt.Fprintln(out, headerStyle.Render(header.String()))

	for _, c := range domain.Categories() {
		fmt.Fprintf(out, "%-20s", c)
		for _, s := range statuses {
			fmt.Fprintf(out, "%14s", humanize.Comma(int64(counts[c][s])))
		}
		fmt.Fprintln(out)
	}
}

func renderBlockList(out io.Writer, blocked []db.BlockedDomain) {
	if len(blocked) == 0 {
		fmt.Fprintln(out, okStyle.Render("No blocked domains"))
		return
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].Domain < blocked[j].Domain })
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d blocked domains", len(blocked))))
	for _, b := range blocked {
		line := b.Domain
		if b.Reason != "" {
			line += " " + infoStyle.Render("("+b.Reason+")")
		}
		fmt.Fprintln(out, line)
	}
}
