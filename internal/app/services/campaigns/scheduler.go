package campaigns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/openpromo/adboard/internal/app/domain/campaign"
	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/metrics"
	"github.com/openpromo/adboard/internal/app/storage"
	"github.com/openpromo/adboard/internal/app/system"
	"github.com/openpromo/adboard/pkg/logger"
)

// OrderLifecycle is the slice of the order ledger the scheduler drives:
// orders activate on their first publication and complete when their last
// post is terminal.
type OrderLifecycle interface {
	Activate(ctx context.Context, orderID string) (order.Order, error)
	Complete(ctx context.Context, orderID string) (order.Order, error)
}

// Notifier informs the buyer about publications. Delivery is best-effort.
type Notifier interface {
	PostPublished(ctx context.Context, buyerID int64, post campaign.ScheduledPost)
}

// SchedulerOptions tune the publication sweep.
type SchedulerOptions struct {
	SweepInterval time.Duration
	// StaleAfter flags posts overdue beyond this threshold for operator
	// attention instead of back-publishing them in a burst.
	StaleAfter time.Duration
	// PerChannelRate throttles publications per channel.
	PerChannelRate rate.Limit
}

// Scheduler periodically publishes due posts. Failed posts are terminal
// until an operator re-enqueues them; a failure on one post never blocks the
// rest of the sweep.
type Scheduler struct {
	store     storage.CampaignStore
	orders    OrderLifecycle
	publisher Publisher
	notifier  Notifier
	interval  time.Duration
	stale     time.Duration
	perChan   rate.Limit
	log       *logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	runCtx   context.Context
	cron     *cron.Cron
	limiters map[int64]*rate.Limiter
	sweeping sync.Mutex
}

var _ system.Service = (*Scheduler)(nil)

// NewScheduler creates the publication scheduler.
func NewScheduler(store storage.CampaignStore, orders OrderLifecycle, publisher Publisher, opts SchedulerOptions, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("publication-scheduler")
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = time.Hour
	}
	perChan := opts.PerChannelRate
	if perChan <= 0 {
		perChan = rate.Every(3 * time.Second)
	}
	return &Scheduler{
		store:     store,
		orders:    orders,
		publisher: publisher,
		interval:  interval,
		stale:     stale,
		perChan:   perChan,
		log:       log,
		now:       time.Now,
		limiters:  make(map[int64]*rate.Limiter),
	}
}

// WithNotifier attaches the buyer notification dispatcher.
func (s *Scheduler) WithNotifier(n Notifier) { s.notifier = n }

func (s *Scheduler) Name() string { return "publication-scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.Sweep(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true

	s.log.WithField("interval", s.interval.String()).Info("publication scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	c := s.cron
	s.running = false
	s.cancel = nil
	s.cron = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("publication scheduler stopped")
	return nil
}

// Sweep runs one due-post scan. Sweeps never overlap; a sweep that outlasts
// the interval simply delays the next one.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.sweeping.Lock()
	defer s.sweeping.Unlock()

	start := s.now()
	defer func() { metrics.ObserveSweep(time.Since(start)) }()

	due, err := s.store.ListDuePosts(ctx, start)
	if err != nil {
		s.log.WithError(err).Warn("list due posts failed; skipping sweep")
		return
	}
	if len(due) == 0 {
		return
	}

	touched := make(map[string]struct{})
	for _, post := range due {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, post)
		touched[post.CampaignID] = struct{}{}
	}

	for campaignID := range touched {
		s.finishIfDone(ctx, campaignID)
	}
}

func (s *Scheduler) process(ctx context.Context, post campaign.ScheduledPost) {
	log := s.log.WithField("post_id", post.ID).
		WithField("campaign_id", post.CampaignID).
		WithField("channel_id", post.ChannelID)

	c, err := s.store.GetCampaign(ctx, post.CampaignID)
	if err != nil {
		log.WithError(err).Error("load campaign for due post failed")
		return
	}

	if s.now().Sub(post.ScheduledTime) > s.stale {
		metrics.ObserveStalePost()
		if _, err := s.store.MarkPostFailed(ctx, post.ID, fmt.Sprintf("missed schedule by more than %s", s.stale)); err != nil {
			log.WithError(err).Error("flag stale post failed")
			return
		}
		log.WithField("scheduled_time", post.ScheduledTime).
			Warn("post overdue beyond staleness threshold; flagged for operator")
		return
	}

	if err := s.limiter(post.ChannelID).Wait(ctx); err != nil {
		return
	}

	messageRef, err := s.publisher.Publish(ctx, post.ChannelID, c.ContentRef)
	if err != nil {
		metrics.ObservePublication(string(campaign.PostFailed))
		if _, markErr := s.store.MarkPostFailed(ctx, post.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("mark post failed errored")
			return
		}
		log.WithError(err).Warn("publication rejected; post needs operator attention")
		return
	}

	published, err := s.store.MarkPostPublished(ctx, post.ID, s.now(), messageRef)
	if err != nil {
		log.WithError(err).Error("mark post published failed")
		return
	}

	metrics.ObservePublication(string(campaign.PostPublished))
	log.WithField("message_ref", messageRef).Info("post published")

	s.activateIfFirst(ctx, c)

	if s.notifier != nil {
		s.notifier.PostPublished(ctx, c.BuyerID, published)
	}
}

// activateIfFirst moves the campaign and its order to active on the first
// successful publication.
func (s *Scheduler) activateIfFirst(ctx context.Context, c campaign.Campaign) {
	if c.Status != campaign.StatusScheduled {
		return
	}
	if _, err := s.store.TransitionCampaign(ctx, c.ID, campaign.StatusScheduled, campaign.StatusActive); err != nil {
		// Another post in the same sweep already activated it.
		return
	}
	if s.orders != nil {
		if _, err := s.orders.Activate(ctx, c.OrderID); err != nil {
			s.log.WithError(err).WithField("order_id", c.OrderID).Warn("activate order failed")
		}
	}
}

// finishIfDone completes the campaign and its order once no scheduled posts
// remain. Failed posts block completion until the operator resolves them.
func (s *Scheduler) finishIfDone(ctx context.Context, campaignID string) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil || c.Status != campaign.StatusActive {
		return
	}
	remaining, err := s.store.CountPostsByStatus(ctx, campaignID, campaign.PostScheduled)
	if err != nil || remaining > 0 {
		return
	}
	failed, err := s.store.CountPostsByStatus(ctx, campaignID, campaign.PostFailed)
	if err != nil || failed > 0 {
		return
	}

	if _, err := s.store.TransitionCampaign(ctx, campaignID, campaign.StatusActive, campaign.StatusCompleted); err != nil {
		return
	}
	if s.orders != nil {
		if _, err := s.orders.Complete(ctx, c.OrderID); err != nil {
			s.log.WithError(err).WithField("order_id", c.OrderID).Warn("complete order failed")
		}
	}
	s.log.WithField("campaign_id", campaignID).Info("campaign completed")
}

func (s *Scheduler) limiter(channelID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[channelID]
	if !ok {
		limiter = rate.NewLimiter(s.perChan, 1)
		s.limiters[channelID] = limiter
	}
	return limiter
}
