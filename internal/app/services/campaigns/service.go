// Package campaigns turns confirmed orders into publication plans and runs
// the sweep that publishes due posts.
package campaigns

import (
	"context"
	"fmt"
	"time"

	"github.com/openpromo/adboard/internal/app/domain/campaign"
	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/storage"
	"github.com/openpromo/adboard/pkg/logger"
)

// Options tune materialization.
type Options struct {
	PostsPerDay int
	// Posts are placed inside the daily posting window, offsets from UTC
	// midnight. Spreading posts across the window instead of bursting them
	// at one instant keeps channels under rate limits and looks organic.
	WindowStart time.Duration
	WindowEnd   time.Duration
	// ChannelStagger offsets simultaneous slots channel by channel.
	ChannelStagger time.Duration
}

// Service owns campaign creation and read access.
type Service struct {
	store storage.CampaignStore
	opts  Options
	log   *logger.Logger
	now   func() time.Time
}

// New constructs the campaign service.
func New(store storage.CampaignStore, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("campaigns")
	}
	if opts.PostsPerDay <= 0 {
		opts.PostsPerDay = 2
	}
	if opts.WindowStart <= 0 {
		opts.WindowStart = 10 * time.Hour
	}
	if opts.WindowEnd <= opts.WindowStart {
		opts.WindowEnd = 22 * time.Hour
	}
	if opts.ChannelStagger <= 0 {
		opts.ChannelStagger = 5 * time.Minute
	}
	return &Service{
		store: store,
		opts:  opts,
		log:   log,
		now:   time.Now,
	}
}

// Materialize expands a confirmed order into one campaign with its complete
// scheduled post set. It is idempotent: when a campaign already exists for
// the order it is returned unchanged and no posts are created.
func (s *Service) Materialize(ctx context.Context, ord order.Order) (campaign.Campaign, error) {
	if existing, err := s.store.GetCampaignByOrder(ctx, ord.ID); err == nil {
		return existing, nil
	}

	days := ord.DurationDays + ord.BonusDays
	if days <= 0 {
		return campaign.Campaign{}, fmt.Errorf("order %s has no duration", ord.ID)
	}
	if len(ord.ChannelIDs) == 0 {
		return campaign.Campaign{}, fmt.Errorf("order %s has no channels", ord.ID)
	}

	c := campaign.Campaign{
		OrderID:     ord.ID,
		BuyerID:     ord.BuyerID,
		ChannelIDs:  append([]int64(nil), ord.ChannelIDs...),
		ContentRef:  ord.ContentRef,
		PostsPerDay: s.opts.PostsPerDay,
		Status:      campaign.StatusScheduled,
	}
	posts := s.plan(ord, days)

	created, err := s.store.CreateCampaign(ctx, c, posts)
	if err != nil {
		// A concurrent materialization may have won; the existing campaign
		// is the correct answer then.
		if existing, getErr := s.store.GetCampaignByOrder(ctx, ord.ID); getErr == nil {
			return existing, nil
		}
		return campaign.Campaign{}, err
	}

	s.log.WithField("campaign_id", created.ID).
		WithField("order_id", ord.ID).
		WithField("posts", created.TotalPosts).
		Info("campaign materialized")
	return created, nil
}

// plan lays out days × slots × channels posts. The first posting day is the
// next UTC midnight after confirmation, so every purchased day gets its full
// slot count.
func (s *Service) plan(ord order.Order, days int) []campaign.ScheduledPost {
	firstDay := s.now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	slotSpan := (s.opts.WindowEnd - s.opts.WindowStart) / time.Duration(s.opts.PostsPerDay)

	posts := make([]campaign.ScheduledPost, 0, days*s.opts.PostsPerDay*len(ord.ChannelIDs))
	for day := 0; day < days; day++ {
		dayStart := firstDay.Add(time.Duration(day) * 24 * time.Hour)
		for slot := 0; slot < s.opts.PostsPerDay; slot++ {
			slotTime := dayStart.Add(s.opts.WindowStart + time.Duration(slot)*slotSpan)
			for i, channelID := range ord.ChannelIDs {
				posts = append(posts, campaign.ScheduledPost{
					ChannelID:     channelID,
					ScheduledTime: slotTime.Add(time.Duration(i) * s.opts.ChannelStagger),
					Status:        campaign.PostScheduled,
				})
			}
		}
	}
	return posts
}

// Get fetches one campaign.
func (s *Service) Get(ctx context.Context, id string) (campaign.Campaign, error) {
	return s.store.GetCampaign(ctx, id)
}

// GetByOrder fetches the campaign of an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (campaign.Campaign, error) {
	return s.store.GetCampaignByOrder(ctx, orderID)
}

// Posts lists every scheduled post of a campaign, publication history
// included.
func (s *Service) Posts(ctx context.Context, campaignID string) ([]campaign.ScheduledPost, error) {
	return s.store.ListCampaignPosts(ctx, campaignID)
}

// Requeue is the operator repair primitive: it moves a failed post back to
// scheduled so the next sweep retries it. No other post state is eligible.
func (s *Service) Requeue(ctx context.Context, postID string) (campaign.ScheduledPost, error) {
	post, err := s.store.RequeuePost(ctx, postID)
	if err != nil {
		return campaign.ScheduledPost{}, err
	}
	s.log.WithField("post_id", postID).
		WithField("campaign_id", post.CampaignID).
		Info("failed post re-enqueued")
	return post, nil
}
