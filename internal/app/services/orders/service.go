// Package orders implements the order ledger: it owns the Order and
// PaymentRecord lifecycle, allocates memo tokens, and runs the payment
// watchers that turn pending orders into confirmed ones.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/metrics"
	"github.com/openpromo/adboard/internal/app/storage"
	"github.com/openpromo/adboard/pkg/logger"
)

// RateBook resolves the daily placement price of a channel in the
// settlement asset.
type RateBook interface {
	DailyRate(ctx context.Context, channelID int64) (decimal.Decimal, error)
}

// StaticRateBook prices channels from a fixed table with a default rate for
// unlisted channels.
type StaticRateBook struct {
	Default  decimal.Decimal
	Channels map[int64]decimal.Decimal
}

func (b StaticRateBook) DailyRate(_ context.Context, channelID int64) (decimal.Decimal, error) {
	if rate, ok := b.Channels[channelID]; ok {
		return rate, nil
	}
	if b.Default.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("no rate configured for channel %d", channelID)
	}
	return b.Default, nil
}

// Options tune the ledger.
type Options struct {
	PaymentWindow     time.Duration
	SettlementAddress string
	// BonusDays maps a minimum purchased duration to free extra days,
	// e.g. {7: 1, 30: 5}. The largest satisfied threshold wins.
	BonusDays map[int]int
}

// Watch is implemented by the payment watcher supervisor; the ledger calls
// it for every freshly created pending order.
type Watch interface {
	Watch(ord order.Order)
}

// Service is the order ledger.
type Service struct {
	store     storage.OrderStore
	rateBook  RateBook
	memo      *MemoAllocator
	window    time.Duration
	address   string
	bonusDays map[int]int
	log       *logger.Logger
	now       func() time.Time

	watcher     Watch
	onConfirmed func(ctx context.Context, ord order.Order, rec order.PaymentRecord)
	onExpired   func(ctx context.Context, ord order.Order)
}

// New constructs the ledger service.
func New(store storage.OrderStore, rateBook RateBook, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("orders")
	}
	window := opts.PaymentWindow
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Service{
		store:     store,
		rateBook:  rateBook,
		memo:      NewMemoAllocator(store),
		window:    window,
		address:   opts.SettlementAddress,
		bonusDays: opts.BonusDays,
		log:       log,
		now:       time.Now,
	}
}

// AttachWatcher wires the payment watcher supervisor. Call before serving
// order creation.
func (s *Service) AttachWatcher(w Watch) { s.watcher = w }

// AttachConfirmedHook registers the callback invoked exactly once per
// successful confirmation, after the ledger transition committed.
func (s *Service) AttachConfirmedHook(fn func(ctx context.Context, ord order.Order, rec order.PaymentRecord)) {
	s.onConfirmed = fn
}

// AttachExpiredHook registers the callback invoked after an order expired.
func (s *Service) AttachExpiredHook(fn func(ctx context.Context, ord order.Order)) {
	s.onExpired = fn
}

// CreateOrder prices the requested placement, allocates a memo token, and
// persists a pending order with a payment deadline. A watcher is started for
// the new order immediately.
func (s *Service) CreateOrder(ctx context.Context, buyerID int64, channelIDs []int64, contentRef string, durationDays int, discountPercent decimal.Decimal) (order.Order, error) {
	if buyerID <= 0 {
		return order.Order{}, fmt.Errorf("buyer_id is required")
	}
	if len(channelIDs) == 0 {
		return order.Order{}, fmt.Errorf("at least one channel is required")
	}
	if contentRef == "" {
		return order.Order{}, fmt.Errorf("content_ref is required")
	}
	if durationDays <= 0 {
		return order.Order{}, fmt.Errorf("duration_days must be positive")
	}
	if discountPercent.Sign() < 0 || discountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return order.Order{}, fmt.Errorf("discount_percent must be between 0 and 100")
	}

	price, err := s.price(ctx, channelIDs, durationDays, discountPercent)
	if err != nil {
		return order.Order{}, err
	}

	token, err := s.memo.Allocate(ctx)
	if err != nil {
		return order.Order{}, err
	}

	now := s.now()
	ord := order.New(buyerID, channelIDs, contentRef, durationDays, now, s.window)
	ord.BonusDays = s.bonusFor(durationDays)
	ord.Price = price
	ord.DiscountPercent = discountPercent
	ord.MemoToken = token
	ord.SettlementAddress = s.address

	ord, err = s.store.CreateOrder(ctx, ord)
	if err != nil {
		return order.Order{}, err
	}

	s.log.WithField("order_id", ord.ID).
		WithField("buyer_id", buyerID).
		WithField("price", ord.Price.String()).
		WithField("memo", ord.MemoToken).
		Info("order created")

	if s.watcher != nil {
		s.watcher.Watch(ord)
	}
	return ord, nil
}

func (s *Service) price(ctx context.Context, channelIDs []int64, days int, discountPercent decimal.Decimal) (decimal.Decimal, error) {
	subtotal := decimal.Zero
	for _, channelID := range channelIDs {
		daily, err := s.rateBook.DailyRate(ctx, channelID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("price channel %d: %w", channelID, err)
		}
		subtotal = subtotal.Add(daily.Mul(decimal.NewFromInt(int64(days))))
	}
	multiplier := decimal.NewFromInt(100).Sub(discountPercent).Div(decimal.NewFromInt(100))
	return subtotal.Mul(multiplier).Round(9), nil
}

func (s *Service) bonusFor(days int) int {
	best := 0
	bestThreshold := -1
	for threshold, bonus := range s.bonusDays {
		if days >= threshold && threshold > bestThreshold {
			best = bonus
			bestThreshold = threshold
		}
	}
	return best
}

// Confirm records the matched payment and moves the order to confirmed. A
// repeat call for an already-confirmed order returns
// order.ErrAlreadyProcessed and triggers nothing.
func (s *Service) Confirm(ctx context.Context, orderID string, rec order.PaymentRecord) (order.Order, error) {
	ord, err := s.store.ConfirmOrder(ctx, orderID, rec, s.now())
	if err != nil {
		if errors.Is(err, order.ErrAlreadyProcessed) {
			s.log.WithField("order_id", orderID).Debug("duplicate confirmation ignored")
			return order.Order{}, err
		}
		if errors.Is(err, order.ErrInvalidTransition) {
			s.log.WithError(err).
				WithField("order_id", orderID).
				Error("confirmation attempted from illegal state")
		}
		return order.Order{}, err
	}

	metrics.ObserveOrderTransition(string(order.StatusConfirmed))
	s.log.WithField("order_id", ord.ID).
		WithField("tx_reference", rec.TxReference).
		WithField("received", rec.ReceivedAmount.String()).
		Info("order confirmed")

	if s.onConfirmed != nil {
		s.onConfirmed(ctx, ord, rec)
	}
	return ord, nil
}

// Expire moves a pending order past its payment deadline to expired. It
// refuses while the deadline has not passed and can never succeed once a
// payment record exists.
func (s *Service) Expire(ctx context.Context, orderID string) (order.Order, error) {
	ord, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	if s.now().Before(ord.ExpiresAt) {
		return order.Order{}, fmt.Errorf("order %s payment window still open", orderID)
	}

	expired, err := s.store.ExpireOrder(ctx, orderID, s.now())
	if err != nil {
		if errors.Is(err, order.ErrInvalidTransition) {
			// Expected when confirmation won the race; anything else is a bug.
			if ord.Status == order.StatusPending {
				s.log.WithError(err).WithField("order_id", orderID).Error("expiry attempted from illegal state")
			} else {
				s.log.WithField("order_id", orderID).Debug("expiry lost race to confirmation")
			}
		}
		return order.Order{}, err
	}

	metrics.ObserveOrderTransition(string(order.StatusExpired))
	s.log.WithField("order_id", orderID).Info("order expired unpaid")

	if s.onExpired != nil {
		s.onExpired(ctx, expired)
	}
	return expired, nil
}

// Activate moves a confirmed order to active once its campaign starts.
func (s *Service) Activate(ctx context.Context, orderID string) (order.Order, error) {
	return s.transition(ctx, orderID, order.StatusConfirmed, order.StatusActive)
}

// Complete moves an active order to completed once every post is terminal.
func (s *Service) Complete(ctx context.Context, orderID string) (order.Order, error) {
	return s.transition(ctx, orderID, order.StatusActive, order.StatusCompleted)
}

// Cancel cancels an order from pending or active.
func (s *Service) Cancel(ctx context.Context, orderID string) (order.Order, error) {
	ord, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	return s.transition(ctx, orderID, ord.Status, order.StatusCancelled)
}

func (s *Service) transition(ctx context.Context, orderID string, from, to order.Status) (order.Order, error) {
	ord, err := s.store.TransitionOrder(ctx, orderID, from, to)
	if err != nil {
		if errors.Is(err, order.ErrInvalidTransition) {
			s.log.WithError(err).
				WithField("order_id", orderID).
				Error("illegal order transition")
		}
		return order.Order{}, err
	}
	metrics.ObserveOrderTransition(string(to))
	s.log.WithField("order_id", orderID).Infof("order %s", to)
	return ord, nil
}

// Get fetches one order.
func (s *Service) Get(ctx context.Context, orderID string) (order.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// PaymentRecord fetches the payment record of an order, if any.
func (s *Service) PaymentRecord(ctx context.Context, orderID string) (order.PaymentRecord, error) {
	return s.store.GetPaymentRecord(ctx, orderID)
}

// PendingOrders lists pending orders ordered by creation time. The watcher
// supervisor uses it for its startup recovery sweep.
func (s *Service) PendingOrders(ctx context.Context) ([]order.Order, error) {
	pending, err := s.store.ListOrdersByStatus(ctx, order.StatusPending)
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	return pending, nil
}
