// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is intended for tests and prototyping and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openpromo/adboard/internal/app/domain/campaign"
	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/storage"
)

// Store keeps all records in process memory guarded by one RWMutex. The
// mutex also plays the role of the per-row transaction scope the relational
// store gets from conditional updates.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	orders    map[string]order.Order
	payments  map[string]order.PaymentRecord
	campaigns map[string]campaign.Campaign
	posts     map[string]campaign.ScheduledPost
}

var _ storage.OrderStore = (*Store)(nil)
var _ storage.CampaignStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:    1,
		orders:    make(map[string]order.Order),
		payments:  make(map[string]order.PaymentRecord),
		campaigns: make(map[string]campaign.Campaign),
		posts:     make(map[string]campaign.ScheduledPost),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func cloneOrder(ord order.Order) order.Order {
	ord.ChannelIDs = append([]int64(nil), ord.ChannelIDs...)
	return ord
}

func cloneCampaign(c campaign.Campaign) campaign.Campaign {
	c.ChannelIDs = append([]int64(nil), c.ChannelIDs...)
	return c
}

// OrderStore implementation --------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, ord order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ord.ID == "" {
		ord.ID = s.nextIDLocked()
	} else if _, exists := s.orders[ord.ID]; exists {
		return order.Order{}, fmt.Errorf("order %s already exists", ord.ID)
	}
	if ord.CreatedAt.IsZero() {
		ord.CreatedAt = time.Now().UTC()
	}

	s.orders[ord.ID] = cloneOrder(ord)
	return cloneOrder(ord), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ord, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return cloneOrder(ord), nil
}

func (s *Store) ListOrdersByStatus(_ context.Context, status order.Status) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []order.Order
	for _, ord := range s.orders {
		if ord.Status == status {
			result = append(result, cloneOrder(ord))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ConfirmOrder(_ context.Context, id string, rec order.PaymentRecord, at time.Time) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}

	switch ord.Status {
	case order.StatusPending:
	case order.StatusConfirmed, order.StatusActive, order.StatusCompleted:
		return order.Order{}, order.ErrAlreadyProcessed
	default:
		return order.Order{}, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, ord.Status, order.StatusConfirmed)
	}

	rec.OrderID = id
	rec.ConfirmedAt = at.UTC()
	s.payments[id] = rec

	ord.Status = order.StatusConfirmed
	ord.ConfirmedAt = at.UTC()
	s.orders[id] = ord
	return cloneOrder(ord), nil
}

func (s *Store) ExpireOrder(_ context.Context, id string, at time.Time) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if ord.Status != order.StatusPending {
		return order.Order{}, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, ord.Status, order.StatusExpired)
	}
	if _, exists := s.payments[id]; exists {
		// A recorded payment means confirmation won the race.
		return order.Order{}, fmt.Errorf("%w: payment already recorded", order.ErrInvalidTransition)
	}

	ord.Status = order.StatusExpired
	s.orders[id] = ord
	return cloneOrder(ord), nil
}

func (s *Store) TransitionOrder(_ context.Context, id string, from, to order.Status) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if ord.Status != from || !from.CanTransitionTo(to) {
		return order.Order{}, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, ord.Status, to)
	}

	ord.Status = to
	s.orders[id] = ord
	return cloneOrder(ord), nil
}

func (s *Store) GetPaymentRecord(_ context.Context, orderID string) (order.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.payments[orderID]
	if !ok {
		return order.PaymentRecord{}, fmt.Errorf("payment record for order %s not found", orderID)
	}
	return rec, nil
}

// CampaignStore implementation -----------------------------------------------

func (s *Store) CreateCampaign(_ context.Context, c campaign.Campaign, posts []campaign.ScheduledPost) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.campaigns {
		if existing.OrderID == c.OrderID {
			return campaign.Campaign{}, fmt.Errorf("campaign for order %s already exists", c.OrderID)
		}
	}

	if c.ID == "" {
		c.ID = s.nextIDLocked()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.TotalPosts = len(posts)
	s.campaigns[c.ID] = cloneCampaign(c)

	for _, post := range posts {
		if post.ID == "" {
			post.ID = s.nextIDLocked()
		}
		post.CampaignID = c.ID
		if post.Status == "" {
			post.Status = campaign.PostScheduled
		}
		s.posts[post.ID] = post
	}
	return cloneCampaign(c), nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	return cloneCampaign(c), nil
}

func (s *Store) GetCampaignByOrder(_ context.Context, orderID string) (campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.campaigns {
		if c.OrderID == orderID {
			return cloneCampaign(c), nil
		}
	}
	return campaign.Campaign{}, fmt.Errorf("%w: order %s", campaign.ErrNotFound, orderID)
}

func (s *Store) TransitionCampaign(_ context.Context, id string, from, to campaign.Status) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	if c.Status != from {
		return campaign.Campaign{}, fmt.Errorf("campaign %s is %s, not %s", id, c.Status, from)
	}

	c.Status = to
	s.campaigns[id] = c
	return cloneCampaign(c), nil
}

func (s *Store) GetPost(_ context.Context, id string) (campaign.ScheduledPost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	post, ok := s.posts[id]
	if !ok {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: %s", campaign.ErrPostNotFound, id)
	}
	return post, nil
}

func (s *Store) ListCampaignPosts(_ context.Context, campaignID string) ([]campaign.ScheduledPost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []campaign.ScheduledPost
	for _, post := range s.posts {
		if post.CampaignID == campaignID {
			result = append(result, post)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ScheduledTime.Before(result[j].ScheduledTime)
	})
	return result, nil
}

func (s *Store) ListDuePosts(_ context.Context, before time.Time) ([]campaign.ScheduledPost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []campaign.ScheduledPost
	for _, post := range s.posts {
		if post.Status == campaign.PostScheduled && !post.ScheduledTime.After(before) {
			result = append(result, post)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ScheduledTime.Before(result[j].ScheduledTime)
	})
	return result, nil
}

func (s *Store) CountPostsByStatus(_ context.Context, campaignID string, status campaign.PostStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, post := range s.posts {
		if post.CampaignID == campaignID && post.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *Store) MarkPostPublished(_ context.Context, id string, at time.Time, messageRef string) (campaign.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: %s", campaign.ErrPostNotFound, id)
	}
	if post.Status != campaign.PostScheduled {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: %s -> published", campaign.ErrInvalidPostTransition, post.Status)
	}

	post.Status = campaign.PostPublished
	post.PublishedTime = at.UTC()
	post.MessageRef = messageRef
	post.Error = ""
	s.posts[id] = post
	return post, nil
}

func (s *Store) MarkPostFailed(_ context.Context, id string, errText string) (campaign.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: %s", campaign.ErrPostNotFound, id)
	}
	if post.Status != campaign.PostScheduled {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: %s -> failed", campaign.ErrInvalidPostTransition, post.Status)
	}

	post.Status = campaign.PostFailed
	post.Error = errText
	s.posts[id] = post
	return post, nil
}

func (s *Store) RequeuePost(_ context.Context, id string) (campaign.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: %s", campaign.ErrPostNotFound, id)
	}
	if post.Status != campaign.PostFailed {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: %s -> scheduled", campaign.ErrInvalidPostTransition, post.Status)
	}

	post.Status = campaign.PostScheduled
	post.Error = ""
	post.ScheduledTime = time.Now().UTC()
	s.posts[id] = post
	return post, nil
}
