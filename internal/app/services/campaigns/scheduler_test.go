package campaigns

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/openpromo/adboard/internal/app/domain/campaign"
	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/storage/memory"
)

type fakeLifecycle struct {
	mu        sync.Mutex
	activated []string
	completed []string
}

func (f *fakeLifecycle) Activate(_ context.Context, orderID string) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, orderID)
	return order.Order{ID: orderID, Status: order.StatusActive}, nil
}

func (f *fakeLifecycle) Complete(_ context.Context, orderID string) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, orderID)
	return order.Order{ID: orderID, Status: order.StatusCompleted}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	posts []campaign.ScheduledPost
}

func (f *fakeNotifier) PostPublished(_ context.Context, _ int64, post campaign.ScheduledPost) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post)
}

// materializeDue creates a campaign whose posts are already due.
func materializeDue(t *testing.T, store *memory.Store, channels []int64, days, postsPerDay int) campaign.Campaign {
	t.Helper()
	svc := New(store, Options{PostsPerDay: postsPerDay}, nil)
	svc.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }

	c, err := svc.Materialize(context.Background(), confirmedOrder("ord-1", channels, days, 0))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	return c
}

func TestSweepPublishesDuePosts(t *testing.T) {
	store := memory.New()
	c := materializeDue(t, store, []int64{-100}, 1, 2)
	lifecycle := &fakeLifecycle{}
	notifier := &fakeNotifier{}

	publisher := PublisherFunc(func(_ context.Context, channelID int64, _ string) (string, error) {
		return "msg-1", nil
	})
	s := NewScheduler(store, lifecycle, publisher, SchedulerOptions{
		StaleAfter:     1000 * time.Hour,
		PerChannelRate: rate.Inf,
	}, nil)
	s.WithNotifier(notifier)

	s.Sweep(context.Background())

	posts, err := store.ListCampaignPosts(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("ListCampaignPosts: %v", err)
	}
	for _, post := range posts {
		if post.Status != campaign.PostPublished {
			t.Fatalf("post %s = %s, want published", post.ID, post.Status)
		}
		if post.MessageRef == "" || post.PublishedTime.IsZero() {
			t.Fatalf("post %s missing publication stamp", post.ID)
		}
	}

	got, err := store.GetCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.Status != campaign.StatusCompleted {
		t.Fatalf("campaign = %s, want completed", got.Status)
	}
	if len(lifecycle.activated) != 1 || lifecycle.activated[0] != "ord-1" {
		t.Fatalf("activated = %v, want exactly [ord-1]", lifecycle.activated)
	}
	if len(lifecycle.completed) != 1 || lifecycle.completed[0] != "ord-1" {
		t.Fatalf("completed = %v, want exactly [ord-1]", lifecycle.completed)
	}
	if len(notifier.posts) != len(posts) {
		t.Fatalf("notified %d publications, want %d", len(notifier.posts), len(posts))
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	store := memory.New()
	c := materializeDue(t, store, []int64{-100, -200}, 1, 1)
	lifecycle := &fakeLifecycle{}

	var mu sync.Mutex
	broken := true
	publisher := PublisherFunc(func(_ context.Context, channelID int64, _ string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if broken && channelID == -200 {
			return "", &PublishError{Reason: ReasonForbidden, Message: "bot is not an admin"}
		}
		return "msg-1", nil
	})
	s := NewScheduler(store, lifecycle, publisher, SchedulerOptions{
		StaleAfter:     1000 * time.Hour,
		PerChannelRate: rate.Inf,
	}, nil)

	ctx := context.Background()
	s.Sweep(ctx)

	posts, err := store.ListCampaignPosts(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCampaignPosts: %v", err)
	}
	var failedID string
	for _, post := range posts {
		switch post.ChannelID {
		case -100:
			if post.Status != campaign.PostPublished {
				t.Fatalf("healthy channel post = %s, want published", post.Status)
			}
		case -200:
			if post.Status != campaign.PostFailed {
				t.Fatalf("broken channel post = %s, want failed", post.Status)
			}
			if !strings.Contains(post.Error, "forbidden") {
				t.Fatalf("failure reason not recorded: %q", post.Error)
			}
			failedID = post.ID
		}
	}

	// One failed post blocks completion but not activation.
	got, err := store.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.Status != campaign.StatusActive {
		t.Fatalf("campaign = %s, want active", got.Status)
	}
	if len(lifecycle.completed) != 0 {
		t.Fatalf("order completed despite a failed post: %v", lifecycle.completed)
	}

	// A second sweep leaves the failed post alone: failed is terminal until
	// an operator re-enqueues it.
	s.Sweep(ctx)
	post, err := store.GetPost(ctx, failedID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.Status != campaign.PostFailed {
		t.Fatalf("failed post changed to %s without a requeue", post.Status)
	}

	// Operator fixes the channel and re-enqueues; the next sweep finishes
	// the campaign.
	mu.Lock()
	broken = false
	mu.Unlock()
	if _, err := store.RequeuePost(ctx, failedID); err != nil {
		t.Fatalf("RequeuePost: %v", err)
	}
	s.Sweep(ctx)

	post, err = store.GetPost(ctx, failedID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.Status != campaign.PostPublished {
		t.Fatalf("requeued post = %s, want published", post.Status)
	}
	got, err = store.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.Status != campaign.StatusCompleted {
		t.Fatalf("campaign = %s, want completed", got.Status)
	}
	if len(lifecycle.completed) != 1 {
		t.Fatalf("completed = %v, want exactly one completion", lifecycle.completed)
	}

	if count, _ := store.CountPostsByStatus(ctx, c.ID, campaign.PostPublished); count != len(posts) {
		t.Fatalf("published count = %d, want %d (no duplicate rows)", count, len(posts))
	}
}

func TestSweepFlagsStalePosts(t *testing.T) {
	store := memory.New()
	c := materializeDue(t, store, []int64{-100}, 1, 1)
	lifecycle := &fakeLifecycle{}

	var published int
	publisher := PublisherFunc(func(context.Context, int64, string) (string, error) {
		published++
		return "msg-1", nil
	})
	s := NewScheduler(store, lifecycle, publisher, SchedulerOptions{
		StaleAfter:     30 * time.Minute,
		PerChannelRate: rate.Inf,
	}, nil)

	ctx := context.Background()
	s.Sweep(ctx)

	if published != 0 {
		t.Fatalf("stale posts must not be back-published, got %d publications", published)
	}
	posts, err := store.ListCampaignPosts(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCampaignPosts: %v", err)
	}
	if posts[0].Status != campaign.PostFailed {
		t.Fatalf("stale post = %s, want failed", posts[0].Status)
	}
	if !strings.Contains(posts[0].Error, "missed schedule") {
		t.Fatalf("stale reason not recorded: %q", posts[0].Error)
	}

	// Re-enqueueing resets the schedule, so the retry is not stale again.
	if _, err := store.RequeuePost(ctx, posts[0].ID); err != nil {
		t.Fatalf("RequeuePost: %v", err)
	}
	s.Sweep(ctx)
	post, err := store.GetPost(ctx, posts[0].ID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.Status != campaign.PostPublished {
		t.Fatalf("requeued post = %s, want published", post.Status)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	store := memory.New()
	publisher := PublisherFunc(func(context.Context, int64, string) (string, error) { return "msg", nil })
	s := NewScheduler(store, &fakeLifecycle{}, publisher, SchedulerOptions{SweepInterval: time.Hour}, nil)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start must be a no-op: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop must be a no-op: %v", err)
	}
}
