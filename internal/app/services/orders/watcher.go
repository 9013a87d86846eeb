package orders

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/metrics"
	"github.com/openpromo/adboard/internal/app/system"
	"github.com/openpromo/adboard/pkg/logger"
)

// WatcherOptions tune payment watching.
type WatcherOptions struct {
	PollInterval time.Duration
	// Tolerance is the fraction of the expected amount an incoming transfer
	// must reach to count as payment, absorbing fee and rounding noise.
	// Policy, not a constant: 0.95 by default.
	Tolerance decimal.Decimal
}

// Watcher supervises one polling goroutine per pending order. Exactly one
// goroutine runs per order id; starting a watch for an already-watched order
// is a no-op.
type Watcher struct {
	service   *Service
	feed      TransactionFeed
	interval  time.Duration
	tolerance decimal.Decimal
	log       *logger.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	runCtx   context.Context
	wg       sync.WaitGroup
	watching map[string]struct{}
}

var _ system.Service = (*Watcher)(nil)

// NewWatcher creates the watcher supervisor.
func NewWatcher(service *Service, feed TransactionFeed, opts WatcherOptions, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.NewDefault("payment-watcher")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	tolerance := opts.Tolerance
	if tolerance.Sign() <= 0 || tolerance.GreaterThan(decimal.NewFromInt(1)) {
		tolerance = decimal.NewFromFloat(0.95)
	}
	return &Watcher{
		service:   service,
		feed:      feed,
		interval:  interval,
		tolerance: tolerance,
		log:       log,
		watching:  make(map[string]struct{}),
	}
}

func (w *Watcher) Name() string { return "payment-watcher" }

// Start runs the recovery sweep and begins accepting Watch calls. Orders
// still pending from a previous process are re-attached; pending orders
// whose window already elapsed are expired immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.runCtx = runCtx
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	pending, err := w.service.PendingOrders(ctx)
	if err != nil {
		w.log.WithError(err).Warn("recovery sweep failed; pending orders not re-attached")
	} else {
		for _, ord := range pending {
			if !time.Now().Before(ord.ExpiresAt) {
				if _, err := w.service.Expire(ctx, ord.ID); err != nil && !errors.Is(err, order.ErrInvalidTransition) {
					w.log.WithError(err).WithField("order_id", ord.ID).Warn("expire overdue order failed")
				}
				continue
			}
			w.Watch(ord)
		}
		if len(pending) > 0 {
			w.log.WithField("count", len(pending)).Info("recovery sweep re-attached pending orders")
		}
	}

	w.log.Info("payment watcher started")
	return nil
}

// Stop cancels all per-order goroutines and waits for them to drain.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.log.Info("payment watcher stopped")
	return nil
}

// Watch begins polling for the order's payment. Duplicate calls for the same
// order id, and calls while the supervisor is stopped, are no-ops; stopped
// orders are picked up by the next recovery sweep.
func (w *Watcher) Watch(ord order.Order) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	if _, exists := w.watching[ord.ID]; exists {
		w.mu.Unlock()
		return
	}
	w.watching[ord.ID] = struct{}{}
	ctx := w.runCtx
	w.mu.Unlock()

	w.wg.Add(1)
	go w.watchOrder(ctx, ord)
}

// Watching reports whether a watcher goroutine is attached to the order.
func (w *Watcher) Watching(orderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, exists := w.watching[orderID]
	return exists
}

func (w *Watcher) watchOrder(ctx context.Context, ord order.Order) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.watching, ord.ID)
		w.mu.Unlock()
	}()

	log := w.log.WithField("order_id", ord.ID)

	deadline := time.NewTimer(time.Until(ord.ExpiresAt))
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// First poll right away so a transfer sent before order creation is
	// picked up without waiting a full interval.
	if w.poll(ctx, ord, log) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			w.expire(ctx, ord.ID, log)
			return
		case <-ticker.C:
			if w.poll(ctx, ord, log) {
				return
			}
		}
	}
}

// poll checks the feed once. It returns true when watching is finished,
// either because the payment was confirmed or because another path already
// settled the order.
func (w *Watcher) poll(ctx context.Context, ord order.Order, log *logger.Logger) bool {
	txs, err := w.feed.RecentTransactions(ctx, ord.SettlementAddress)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		metrics.ObserveWatcherPoll("error")
		log.WithError(err).Warn("chain feed poll failed; will retry")
		return false
	}

	minimum := ord.Price.Mul(w.tolerance)
	for _, tx := range txs {
		if !strings.EqualFold(tx.Memo, ord.MemoToken) {
			continue
		}
		if tx.Amount.LessThan(minimum) {
			log.WithField("received", tx.Amount.String()).
				WithField("minimum", minimum.String()).
				Warn("memo matched but amount below tolerance")
			continue
		}

		metrics.ObserveWatcherPoll("match")
		rec := order.PaymentRecord{
			OrderID:        ord.ID,
			ExpectedAmount: ord.Price,
			ReceivedAmount: tx.Amount,
			TxReference:    tx.TxReference,
			DetectedAt:     time.Now().UTC(),
		}
		if _, err := w.service.Confirm(ctx, ord.ID, rec); err != nil {
			if errors.Is(err, order.ErrAlreadyProcessed) {
				return true
			}
			log.WithError(err).Error("confirm matched payment failed")
			return false
		}
		return true
	}

	metrics.ObserveWatcherPoll("miss")
	return false
}

func (w *Watcher) expire(ctx context.Context, orderID string, log *logger.Logger) {
	if _, err := w.service.Expire(ctx, orderID); err != nil {
		if errors.Is(err, order.ErrInvalidTransition) {
			// Confirmation won the race; nothing to do.
			return
		}
		log.WithError(err).Warn("expire order failed")
	}
}
