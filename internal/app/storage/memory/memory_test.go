package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpromo/adboard/internal/app/domain/campaign"
	"github.com/openpromo/adboard/internal/app/domain/order"
)

func pendingOrder(buyerID int64) order.Order {
	ord := order.New(buyerID, []int64{-100}, "-1:1", 7, time.Now(), 30*time.Minute)
	ord.Price = decimal.NewFromInt(100)
	ord.MemoToken = "ABCD2345"
	return ord
}

func TestConfirmThenExpireRace(t *testing.T) {
	store := New()
	ctx := context.Background()

	ord, err := store.CreateOrder(ctx, pendingOrder(1))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	rec := order.PaymentRecord{ReceivedAmount: decimal.NewFromInt(100), TxReference: "tx-1"}
	if _, err := store.ConfirmOrder(ctx, ord.ID, rec, time.Now()); err != nil {
		t.Fatalf("ConfirmOrder: %v", err)
	}

	// The expiry path must lose once the payment record exists.
	if _, err := store.ExpireOrder(ctx, ord.ID, time.Now()); !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := store.GetOrder(ctx, ord.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != order.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
}

func TestExpireThenConfirmRace(t *testing.T) {
	store := New()
	ctx := context.Background()

	ord, err := store.CreateOrder(ctx, pendingOrder(1))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := store.ExpireOrder(ctx, ord.ID, time.Now()); err != nil {
		t.Fatalf("ExpireOrder: %v", err)
	}

	_, err = store.ConfirmOrder(ctx, ord.ID, order.PaymentRecord{}, time.Now())
	if !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition confirming an expired order, got %v", err)
	}
	if _, err := store.GetPaymentRecord(ctx, ord.ID); err == nil {
		t.Fatal("no payment record may exist for an expired order")
	}
}

func TestConfirmDuplicate(t *testing.T) {
	store := New()
	ctx := context.Background()

	ord, err := store.CreateOrder(ctx, pendingOrder(1))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := store.ConfirmOrder(ctx, ord.ID, order.PaymentRecord{TxReference: "tx-1"}, time.Now()); err != nil {
		t.Fatalf("first ConfirmOrder: %v", err)
	}
	if _, err := store.ConfirmOrder(ctx, ord.ID, order.PaymentRecord{TxReference: "tx-2"}, time.Now()); !errors.Is(err, order.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	// The original record must survive the duplicate.
	rec, err := store.GetPaymentRecord(ctx, ord.ID)
	if err != nil {
		t.Fatalf("GetPaymentRecord: %v", err)
	}
	if rec.TxReference != "tx-1" {
		t.Fatalf("tx reference = %q, want tx-1", rec.TxReference)
	}
}

func TestCreateCampaignIsUniquePerOrder(t *testing.T) {
	store := New()
	ctx := context.Background()

	c := campaign.Campaign{OrderID: "ord-1", BuyerID: 1, ChannelIDs: []int64{-100}, Status: campaign.StatusScheduled}
	posts := []campaign.ScheduledPost{{ChannelID: -100, ScheduledTime: time.Now(), Status: campaign.PostScheduled}}

	created, err := store.CreateCampaign(ctx, c, posts)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if created.TotalPosts != 1 {
		t.Fatalf("total posts = %d, want 1", created.TotalPosts)
	}

	if _, err := store.CreateCampaign(ctx, c, posts); err == nil {
		t.Fatal("expected a second campaign for the same order to be rejected")
	}

	byOrder, err := store.GetCampaignByOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetCampaignByOrder: %v", err)
	}
	if byOrder.ID != created.ID {
		t.Fatalf("campaign id = %s, want %s", byOrder.ID, created.ID)
	}
}

func TestPostTransitions(t *testing.T) {
	store := New()
	ctx := context.Background()

	c, err := store.CreateCampaign(ctx, campaign.Campaign{OrderID: "ord-1", Status: campaign.StatusScheduled},
		[]campaign.ScheduledPost{{ChannelID: -100, ScheduledTime: time.Now().Add(-time.Hour)}})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	posts, err := store.ListCampaignPosts(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListCampaignPosts: %v", err)
	}
	postID := posts[0].ID

	published, err := store.MarkPostPublished(ctx, postID, time.Now(), "msg-9")
	if err != nil {
		t.Fatalf("MarkPostPublished: %v", err)
	}
	if published.MessageRef != "msg-9" || published.PublishedTime.IsZero() {
		t.Fatal("publication stamp missing")
	}

	// Published is terminal for both failure and re-publication.
	if _, err := store.MarkPostFailed(ctx, postID, "boom"); !errors.Is(err, campaign.ErrInvalidPostTransition) {
		t.Fatalf("expected ErrInvalidPostTransition, got %v", err)
	}
	if _, err := store.MarkPostPublished(ctx, postID, time.Now(), "msg-10"); !errors.Is(err, campaign.ErrInvalidPostTransition) {
		t.Fatalf("expected ErrInvalidPostTransition, got %v", err)
	}
	if _, err := store.RequeuePost(ctx, postID); !errors.Is(err, campaign.ErrInvalidPostTransition) {
		t.Fatalf("expected ErrInvalidPostTransition requeueing a published post, got %v", err)
	}
}

func TestListDuePosts(t *testing.T) {
	store := New()
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := store.CreateCampaign(ctx, campaign.Campaign{OrderID: "ord-1", Status: campaign.StatusScheduled},
		[]campaign.ScheduledPost{
			{ChannelID: -100, ScheduledTime: now.Add(-time.Hour)},
			{ChannelID: -100, ScheduledTime: now.Add(time.Hour)},
		})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	due, err := store.ListDuePosts(ctx, now)
	if err != nil {
		t.Fatalf("ListDuePosts: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due post, got %d", len(due))
	}
	if !due[0].ScheduledTime.Before(now) {
		t.Fatal("future post listed as due")
	}
}

func TestRequeueResetsSchedule(t *testing.T) {
	store := New()
	ctx := context.Background()

	c, err := store.CreateCampaign(ctx, campaign.Campaign{OrderID: "ord-1", Status: campaign.StatusScheduled},
		[]campaign.ScheduledPost{{ChannelID: -100, ScheduledTime: time.Now().Add(-48 * time.Hour)}})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	posts, _ := store.ListCampaignPosts(ctx, c.ID)
	if _, err := store.MarkPostFailed(ctx, posts[0].ID, "missed"); err != nil {
		t.Fatalf("MarkPostFailed: %v", err)
	}

	requeued, err := store.RequeuePost(ctx, posts[0].ID)
	if err != nil {
		t.Fatalf("RequeuePost: %v", err)
	}
	if time.Since(requeued.ScheduledTime) > time.Minute {
		t.Fatalf("schedule not reset: %s", requeued.ScheduledTime)
	}
	if requeued.Error != "" {
		t.Fatalf("error text not cleared: %q", requeued.Error)
	}
}
