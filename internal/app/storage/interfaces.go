// Package storage declares the persistence interfaces the application
// services depend on. The store is the single source of truth for order and
// post status; conditional transition methods are the mechanism that keeps
// concurrent paths (confirm vs expire, publish vs requeue) mutually
// exclusive per row.
package storage

import (
	"context"
	"time"

	"github.com/openpromo/adboard/internal/app/domain/campaign"
	"github.com/openpromo/adboard/internal/app/domain/order"
)

// OrderStore persists orders and their payment records.
type OrderStore interface {
	CreateOrder(ctx context.Context, ord order.Order) (order.Order, error)
	GetOrder(ctx context.Context, id string) (order.Order, error)
	ListOrdersByStatus(ctx context.Context, status order.Status) ([]order.Order, error)

	// ConfirmOrder atomically writes the payment record and moves the order
	// from pending to confirmed. It returns order.ErrAlreadyProcessed when
	// the order was confirmed before, and order.ErrInvalidTransition for any
	// other non-pending state.
	ConfirmOrder(ctx context.Context, id string, rec order.PaymentRecord, at time.Time) (order.Order, error)

	// ExpireOrder moves the order from pending to expired. It fails with
	// order.ErrInvalidTransition if the order left pending, and never
	// succeeds once a payment record exists.
	ExpireOrder(ctx context.Context, id string, at time.Time) (order.Order, error)

	// TransitionOrder performs a guarded status change for the remaining
	// legal transitions (activate, complete, cancel). The update only
	// applies while the order is still in from.
	TransitionOrder(ctx context.Context, id string, from, to order.Status) (order.Order, error)

	GetPaymentRecord(ctx context.Context, orderID string) (order.PaymentRecord, error)
}

// CampaignStore persists campaigns and their scheduled posts.
type CampaignStore interface {
	// CreateCampaign atomically inserts the campaign and its full post set.
	CreateCampaign(ctx context.Context, c campaign.Campaign, posts []campaign.ScheduledPost) (campaign.Campaign, error)
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	GetCampaignByOrder(ctx context.Context, orderID string) (campaign.Campaign, error)
	TransitionCampaign(ctx context.Context, id string, from, to campaign.Status) (campaign.Campaign, error)

	GetPost(ctx context.Context, id string) (campaign.ScheduledPost, error)
	ListCampaignPosts(ctx context.Context, campaignID string) ([]campaign.ScheduledPost, error)
	ListDuePosts(ctx context.Context, before time.Time) ([]campaign.ScheduledPost, error)
	CountPostsByStatus(ctx context.Context, campaignID string, status campaign.PostStatus) (int, error)

	// MarkPostPublished moves a post from scheduled to published, stamping
	// the publication time and message reference.
	MarkPostPublished(ctx context.Context, id string, at time.Time, messageRef string) (campaign.ScheduledPost, error)

	// MarkPostFailed moves a post from scheduled to failed, recording the
	// error text. Failed posts stay terminal until requeued by an operator.
	MarkPostFailed(ctx context.Context, id string, errText string) (campaign.ScheduledPost, error)

	// RequeuePost is the operator repair primitive: failed -> scheduled.
	// The post is rescheduled to the current time so the next sweep picks
	// it up without tripping the staleness flag again.
	RequeuePost(ctx context.Context, id string) (campaign.ScheduledPost, error)
}
