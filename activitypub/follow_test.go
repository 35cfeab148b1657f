package activitypub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/apfed/domain"
	"github.com/deemkeen/apfed/util"
)

func ofType(activities []Activity, kind string) []Activity {
	var out []Activity
	for _, a := range activities {
		if a.Type() == kind {
			out = append(out, a)
		}
	}
	return out
}

func (h *harness) follow(source, target string) *domain.FollowRelationship {
	h.t.Helper()
	rel, err := h.db.ReadFollow(context.Background(), source, target)
	if err != nil {
		h.t.Fatalf("ReadFollow %s -> %s failed: %v", source, target, err)
	}
	return rel
}

func TestReceiveFollowAutoAccepts(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")

	follow := &Follow{ID: bob + "/follows/1", Actor: bob, Object: aliceURI}
	if err := h.deliver(remote, "bob", encode(t, follow)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	rel := h.follow(bob, aliceURI)
	if rel.State != domain.FollowAccepted {
		t.Errorf("Expected accepted, got %s", rel.State)
	}
	if rel.ActivityURI != follow.ID {
		t.Errorf("Expected activity %s, got %s", follow.ID, rel.ActivityURI)
	}

	if n := h.drain(domain.FollowResponseOut); n != 1 {
		t.Fatalf("Expected one response job, got %d", n)
	}
	received := remote.received()
	if len(received) != 1 {
		t.Fatalf("Expected one delivery, got %d", len(received))
	}
	if received[0].req.URL.Path != "/users/bob/inbox" {
		t.Errorf("Accept should go to the personal inbox, went to %s", received[0].req.URL.Path)
	}
	verifyDelivery(t, h, received[0])

	accept, ok := remote.receivedActivities(t)[0].(*Accept)
	if !ok {
		t.Fatalf("Expected an Accept")
	}
	if accept.Actor != aliceURI || accept.Follow.ID != follow.ID || accept.Follow.Actor != bob {
		t.Errorf("Unexpected Accept %+v", accept)
	}

	followers, err := h.fed.Follows.Followers(context.Background(), aliceURI)
	if err != nil {
		t.Fatalf("Followers failed: %v", err)
	}
	if len(followers) != 1 || followers[0].SourceActorURI != bob {
		t.Errorf("Expected bob as the only follower, got %v", followers)
	}
}

func TestReceiveFollowManualApproval(t *testing.T) {
	h := newHarness(t, func(conf *util.AppConfig) { conf.Conf.ManualApproval = true })
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")
	ctx := context.Background()

	follow := &Follow{ID: bob + "/follows/1", Actor: bob, Object: aliceURI}
	if err := h.deliver(remote, "bob", encode(t, follow)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if rel := h.follow(bob, aliceURI); rel.State != domain.FollowRequested {
		t.Fatalf("Expected requested, got %s", rel.State)
	}
	if n := h.drain(domain.FollowResponseOut); n != 0 {
		t.Fatalf("Nothing should be sent before approval, got %d jobs", n)
	}

	rel, err := h.fed.Follows.ApproveFollow(ctx, aliceURI, bob)
	if err != nil {
		t.Fatalf("ApproveFollow failed: %v", err)
	}
	if rel.State != domain.FollowAccepted {
		t.Errorf("Expected accepted, got %s", rel.State)
	}
	h.drain(domain.FollowResponseOut)
	accepts := ofType(remote.receivedActivities(t), "Accept")
	if len(accepts) != 1 || accepts[0].(*Accept).Follow.ID != follow.ID {
		t.Fatalf("Expected one Accept of %s, got %v", follow.ID, accepts)
	}

	// Approving twice is a no-op, rejecting an accepted follow is not allowed
	if _, err := h.fed.Follows.ApproveFollow(ctx, aliceURI, bob); err != nil {
		t.Errorf("Second ApproveFollow failed: %v", err)
	}
	if _, err := h.fed.Follows.RejectFollow(ctx, aliceURI, bob); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if n := h.drain(domain.FollowResponseOut); n != 0 {
		t.Errorf("Expected no further responses, got %d", n)
	}
}

func TestRejectedFollowCanBeRequestedAgain(t *testing.T) {
	h := newHarness(t, func(conf *util.AppConfig) { conf.Conf.ManualApproval = true })
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")
	ctx := context.Background()

	first := &Follow{ID: bob + "/follows/1", Actor: bob, Object: aliceURI}
	if err := h.deliver(remote, "bob", encode(t, first)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if _, err := h.fed.Follows.RejectFollow(ctx, aliceURI, bob); err != nil {
		t.Fatalf("RejectFollow failed: %v", err)
	}
	h.drain(domain.FollowResponseOut)
	if rejects := ofType(remote.receivedActivities(t), "Reject"); len(rejects) != 1 {
		t.Fatalf("Expected one Reject, got %d", len(rejects))
	}
	if rel := h.follow(bob, aliceURI); rel.State != domain.FollowRejected {
		t.Fatalf("Expected rejected, got %s", rel.State)
	}

	second := &Follow{ID: bob + "/follows/2", Actor: bob, Object: aliceURI}
	if err := h.deliver(remote, "bob", encode(t, second)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	rel := h.follow(bob, aliceURI)
	if rel.State != domain.FollowRequested || rel.ActivityURI != second.ID {
		t.Errorf("Expected a restarted request for %s, got %s/%s", second.ID, rel.State, rel.ActivityURI)
	}
}

func TestDuplicateFollowResendsAccept(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")

	for i, id := range []string{bob + "/follows/1", bob + "/follows/2"} {
		follow := &Follow{ID: id, Actor: bob, Object: aliceURI}
		if err := h.deliver(remote, "bob", encode(t, follow)); err != nil {
			t.Fatalf("deliver #%d failed: %v", i, err)
		}
		h.drain(domain.FollowResponseOut)
	}

	accepts := ofType(remote.receivedActivities(t), "Accept")
	if len(accepts) != 2 {
		t.Fatalf("Expected an Accept per Follow, got %d", len(accepts))
	}
	if got := accepts[1].(*Accept).Follow.ID; got != bob+"/follows/2" {
		t.Errorf("Second Accept should answer the second Follow, got %s", got)
	}
	if rel := h.follow(bob, aliceURI); rel.State != domain.FollowAccepted {
		t.Errorf("Expected accepted, got %s", rel.State)
	}
}

func TestReceiveFollowForUnknownActor(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")

	_, err := h.fed.Follows.ReceiveFollow(context.Background(), &Follow{
		ID: bob + "/follows/1", Actor: bob, Object: "https://local.example/users/nobody",
	})
	if !errors.Is(err, ErrActorNotFound) {
		t.Errorf("Expected ErrActorNotFound, got %v", err)
	}
}

func TestRequestFollowHandshake(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")
	ctx := context.Background()

	rel, err := h.fed.Follows.RequestFollow(ctx, aliceURI, bob)
	if err != nil {
		t.Fatalf("RequestFollow failed: %v", err)
	}
	if rel.State != domain.FollowRequested {
		t.Errorf("Expected requested, got %s", rel.State)
	}
	h.drain(domain.FollowRequestOut)

	received := remote.received()
	if len(received) != 1 {
		t.Fatalf("Expected one delivery, got %d", len(received))
	}
	verifyDelivery(t, h, received[0])
	sent, ok := remote.receivedActivities(t)[0].(*Follow)
	if !ok || sent.ID != rel.ActivityURI || sent.Actor != aliceURI || sent.Object != bob {
		t.Fatalf("Unexpected Follow %+v", sent)
	}

	accept := &Accept{
		ID:     bob + "/accepts/1",
		Actor:  bob,
		Follow: Follow{ID: sent.ID, Actor: aliceURI, Object: bob},
	}
	if err := h.deliver(remote, "bob", encode(t, accept)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if got := h.follow(aliceURI, bob); got.State != domain.FollowAccepted {
		t.Fatalf("Expected accepted, got %s", got.State)
	}

	// A duplicate Accept changes nothing
	accept.ID = bob + "/accepts/2"
	again, err := h.fed.Follows.ReceiveAccept(ctx, accept)
	if err != nil {
		t.Fatalf("Duplicate Accept failed: %v", err)
	}
	if again.State != domain.FollowAccepted {
		t.Errorf("Expected accepted, got %s", again.State)
	}

	// Following an actor already followed sends nothing
	if _, err := h.fed.Follows.RequestFollow(ctx, aliceURI, bob); err != nil {
		t.Fatalf("Repeated RequestFollow failed: %v", err)
	}
	if n := h.drain(domain.FollowRequestOut); n != 0 {
		t.Errorf("Expected no new Follow, got %d jobs", n)
	}
}

func TestReceiveResponseErrors(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob, carol := remote.actor("bob"), remote.actor("carol")
	ctx := context.Background()

	_, err := h.fed.Follows.ReceiveAccept(ctx, &Accept{
		ID: bob + "/accepts/1", Actor: bob, Follow: Follow{ID: "https://local.example/activities/unknown"},
	})
	if !errors.Is(err, ErrMissingFollow) {
		t.Errorf("Expected ErrMissingFollow, got %v", err)
	}

	rel, err := h.fed.Follows.RequestFollow(ctx, aliceURI, bob)
	if err != nil {
		t.Fatalf("RequestFollow failed: %v", err)
	}

	_, err = h.fed.Follows.ReceiveAccept(ctx, &Accept{
		ID: carol + "/accepts/1", Actor: carol, Follow: Follow{ID: rel.ActivityURI},
	})
	if !errors.Is(err, ErrActorMismatch) {
		t.Errorf("Expected ErrActorMismatch, got %v", err)
	}
	if got := h.follow(aliceURI, bob); got.State != domain.FollowRequested {
		t.Errorf("A foreign Accept must not change the state, got %s", got.State)
	}

	if _, err := h.fed.Follows.ReceiveReject(ctx, &Reject{
		ID: bob + "/rejects/1", Actor: bob, Follow: Follow{ID: rel.ActivityURI},
	}); err != nil {
		t.Fatalf("ReceiveReject failed: %v", err)
	}
	_, err = h.fed.Follows.ReceiveAccept(ctx, &Accept{
		ID: bob + "/accepts/2", Actor: bob, Follow: Follow{ID: rel.ActivityURI},
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Accept after Reject: expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequestFollowAfterReject(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")
	ctx := context.Background()

	rel, err := h.fed.Follows.RequestFollow(ctx, aliceURI, bob)
	if err != nil {
		t.Fatalf("RequestFollow failed: %v", err)
	}
	firstID := rel.ActivityURI
	if _, err := h.fed.Follows.ReceiveReject(ctx, &Reject{
		ID: bob + "/rejects/1", Actor: bob, Follow: Follow{ID: firstID},
	}); err != nil {
		t.Fatalf("ReceiveReject failed: %v", err)
	}

	rel, err = h.fed.Follows.RequestFollow(ctx, aliceURI, bob)
	if err != nil {
		t.Fatalf("Second RequestFollow failed: %v", err)
	}
	if rel.State != domain.FollowRequested || rel.ActivityURI == firstID {
		t.Errorf("Expected a fresh request, got %s/%s", rel.State, rel.ActivityURI)
	}

	h.drain(domain.FollowRequestOut)
	follows := ofType(remote.receivedActivities(t), "Follow")
	if len(follows) != 2 {
		t.Fatalf("Expected two Follows, got %d", len(follows))
	}
	if follows[1].ActivityID() != rel.ActivityURI {
		t.Errorf("Expected the second Follow to be %s, got %s", rel.ActivityURI, follows[1].ActivityID())
	}
}

func TestUndoFollow(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")
	ctx := context.Background()

	if _, err := h.fed.Follows.UndoFollow(ctx, aliceURI, bob); !errors.Is(err, ErrMissingFollow) {
		t.Errorf("Undo without a follow: expected ErrMissingFollow, got %v", err)
	}

	rel, err := h.fed.Follows.RequestFollow(ctx, aliceURI, bob)
	if err != nil {
		t.Fatalf("RequestFollow failed: %v", err)
	}
	if _, err := h.fed.Follows.UndoFollow(ctx, aliceURI, bob); !errors.Is(err, ErrMissingFollow) {
		t.Errorf("Undo of a pending follow: expected ErrMissingFollow, got %v", err)
	}

	if _, err := h.fed.Follows.ReceiveAccept(ctx, &Accept{
		ID: bob + "/accepts/1", Actor: bob, Follow: Follow{ID: rel.ActivityURI},
	}); err != nil {
		t.Fatalf("ReceiveAccept failed: %v", err)
	}

	undone, err := h.fed.Follows.UndoFollow(ctx, aliceURI, bob)
	if err != nil {
		t.Fatalf("UndoFollow failed: %v", err)
	}
	if undone.State != domain.FollowUndone {
		t.Errorf("Expected undone, got %s", undone.State)
	}

	h.drain(domain.FollowRequestOut)
	undos := ofType(remote.receivedActivities(t), "Undo")
	if len(undos) != 1 {
		t.Fatalf("Expected one Undo, got %d", len(undos))
	}
	undo := undos[0].(*Undo)
	if undo.Actor != aliceURI || undo.Follow.ID != rel.ActivityURI || undo.Follow.Object != bob {
		t.Errorf("Unexpected Undo %+v", undo)
	}
}

func TestReceiveUndo(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob, carol := remote.actor("bob"), remote.actor("carol")
	ctx := context.Background()

	follow := &Follow{ID: bob + "/follows/1", Actor: bob, Object: aliceURI}
	if err := h.deliver(remote, "bob", encode(t, follow)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	_, err := h.fed.Follows.ReceiveUndo(ctx, &Undo{ID: carol + "/undos/1", Actor: carol, Follow: *follow})
	if !errors.Is(err, ErrActorMismatch) {
		t.Errorf("Expected ErrActorMismatch, got %v", err)
	}

	undo := &Undo{ID: bob + "/undos/1", Actor: bob, Follow: *follow}
	if err := h.deliver(remote, "bob", encode(t, undo)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if rel := h.follow(bob, aliceURI); rel.State != domain.FollowUndone {
		t.Fatalf("Expected undone, got %s", rel.State)
	}
	followers, _ := h.fed.Follows.Followers(ctx, aliceURI)
	if len(followers) != 0 {
		t.Errorf("Expected no followers after Undo, got %d", len(followers))
	}

	undo.ID = bob + "/undos/2"
	if _, err := h.fed.Follows.ReceiveUndo(ctx, undo); !errors.Is(err, ErrMissingFollow) {
		t.Errorf("Second Undo: expected ErrMissingFollow, got %v", err)
	}

	// An Undo that identifies the Follow by its actors only
	if err := h.deliver(remote, "bob", encode(t, &Follow{ID: bob + "/follows/2", Actor: bob, Object: aliceURI})); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if _, err := h.fed.Follows.ReceiveUndo(ctx, &Undo{
		ID: bob + "/undos/3", Actor: bob, Follow: Follow{Actor: bob, Object: aliceURI},
	}); err != nil {
		t.Fatalf("Undo by actor pair failed: %v", err)
	}
}

func TestRequestFollowToBlockedDomain(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	ctx := context.Background()

	if err := h.db.BlockDomain(ctx, "127.0.0.1", "spam"); err != nil {
		t.Fatalf("BlockDomain failed: %v", err)
	}
	_, err := h.fed.Follows.RequestFollow(ctx, aliceURI, remote.actor("bob"))
	if !errors.Is(err, ErrDomainBlocked) {
		t.Fatalf("Expected ErrDomainBlocked, got %v", err)
	}
	if _, err := h.db.ReadFollow(ctx, aliceURI, remote.actor("bob")); err == nil {
		t.Error("No relationship should be created for a blocked domain")
	}
	if len(remote.received()) != 0 {
		t.Error("Nothing should be sent to a blocked domain")
	}
}

func TestDecisionSurvivesEnqueueFailure(t *testing.T) {
	for _, accept := range []bool{true, false} {
		want, kind := domain.FollowRejected, "Reject"
		if accept {
			want, kind = domain.FollowAccepted, "Accept"
		}
		t.Run(kind, func(t *testing.T) {
			h := newHarness(t, func(conf *util.AppConfig) { conf.Conf.ManualApproval = true })
			remote := newRemote(t, testKey(t, 0), false)
			bob := remote.actor("bob")
			ctx := context.Background()

			follow := &Follow{ID: bob + "/follows/1", Actor: bob, Object: aliceURI}
			if err := h.deliver(remote, "bob", encode(t, follow)); err != nil {
				t.Fatalf("deliver failed: %v", err)
			}
			decide := h.fed.Follows.RejectFollow
			if accept {
				decide = h.fed.Follows.ApproveFollow
			}

			h.jobs.failEnqueues(1)
			if _, err := decide(ctx, aliceURI, bob); !errors.Is(err, ErrStore) || !Retryable(err) {
				t.Fatalf("Expected a retryable ErrStore, got %v", err)
			}
			if rel := h.follow(bob, aliceURI); rel.State != domain.FollowRequested {
				t.Fatalf("State must not change when the %s was not queued, got %s", kind, rel.State)
			}
			if n := h.drain(domain.FollowResponseOut); n != 0 {
				t.Fatalf("Expected nothing queued, got %d", n)
			}

			rel, err := decide(ctx, aliceURI, bob)
			if err != nil {
				t.Fatalf("Retried decision failed: %v", err)
			}
			if rel.State != want || h.follow(bob, aliceURI).State != want {
				t.Errorf("Expected %s, got %s", want, rel.State)
			}
			h.drain(domain.FollowResponseOut)
			if got := ofType(remote.receivedActivities(t), kind); len(got) != 1 {
				t.Errorf("Expected one %s, got %d", kind, len(got))
			}
		})
	}
}

func TestUndoFollowSurvivesEnqueueFailure(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")
	ctx := context.Background()

	rel, err := h.fed.Follows.RequestFollow(ctx, aliceURI, bob)
	if err != nil {
		t.Fatalf("RequestFollow failed: %v", err)
	}
	if _, err := h.fed.Follows.ReceiveAccept(ctx, &Accept{
		ID: bob + "/accepts/1", Actor: bob, Follow: Follow{ID: rel.ActivityURI},
	}); err != nil {
		t.Fatalf("ReceiveAccept failed: %v", err)
	}

	h.jobs.failEnqueues(1)
	if _, err := h.fed.Follows.UndoFollow(ctx, aliceURI, bob); !errors.Is(err, ErrStore) || !Retryable(err) {
		t.Fatalf("Expected a retryable ErrStore, got %v", err)
	}
	if state := h.follow(aliceURI, bob).State; state != domain.FollowAccepted {
		t.Fatalf("Follow must stay accepted when the Undo was not queued, got %s", state)
	}

	undone, err := h.fed.Follows.UndoFollow(ctx, aliceURI, bob)
	if err != nil {
		t.Fatalf("Retried UndoFollow failed: %v", err)
	}
	if undone.State != domain.FollowUndone {
		t.Errorf("Expected undone, got %s", undone.State)
	}
	h.drain(domain.FollowRequestOut)
	if undos := ofType(remote.receivedActivities(t), "Undo"); len(undos) != 1 {
		t.Errorf("Expected one Undo, got %d", len(undos))
	}
}

func TestAutoAcceptRetriedAfterEnqueueFailure(t *testing.T) {
	h := newHarness(t, nil)
	remote := newRemote(t, testKey(t, 0), false)
	bob := remote.actor("bob")
	ctx := context.Background()
	body := encode(t, &Follow{ID: bob + "/follows/1", Actor: bob, Object: aliceURI})

	if _, err := h.fed.Inbox.Receive(ctx, h.signedBy(remote, "bob", "/users/alice/inbox", body), body, domain.UserInboxIn, aliceInbox); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	h.jobs.failEnqueues(1)
	h.drain(domain.UserInboxIn)
	if state := h.follow(bob, aliceURI).State; state != domain.FollowRequested {
		t.Fatalf("Follow must not be accepted before the Accept is queued, got %s", state)
	}
	if n := h.drain(domain.FollowResponseOut); n != 0 {
		t.Fatalf("Expected nothing queued, got %d", n)
	}

	// The inbound job is retried after its backoff
	h.advance(31 * time.Second)
	if n := h.drain(domain.UserInboxIn); n != 1 {
		t.Fatalf("Expected the inbound job to run again, got %d", n)
	}
	if state := h.follow(bob, aliceURI).State; state != domain.FollowAccepted {
		t.Errorf("Expected accepted after the retry, got %s", state)
	}
	h.drain(domain.FollowResponseOut)
	if accepts := ofType(remote.receivedActivities(t), "Accept"); len(accepts) != 1 {
		t.Errorf("Expected one Accept, got %d", len(accepts))
	}
}
