package orders

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/storage/memory"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newWatchedService(t *testing.T, feed TransactionFeed, window time.Duration) (*Service, *Watcher) {
	t.Helper()
	store := memory.New()
	svc := New(store, StaticRateBook{Default: decimal.NewFromInt(100)}, Options{
		PaymentWindow:     window,
		SettlementAddress: "EQtest-address",
	}, nil)
	watcher := NewWatcher(svc, feed, WatcherOptions{
		PollInterval: 10 * time.Millisecond,
		Tolerance:    decimal.NewFromFloat(0.95),
	}, nil)
	svc.AttachWatcher(watcher)
	return svc, watcher
}

func paymentFeed(memo string, amount decimal.Decimal) TransactionFeed {
	return FeedFunc(func(context.Context, string) ([]ChainTransaction, error) {
		return []ChainTransaction{{Memo: memo, Amount: amount, TxReference: "tx-feed"}}, nil
	})
}

func TestWatcherConfirmsPaymentWithinTolerance(t *testing.T) {
	var memo atomic.Value
	memo.Store("")
	feed := FeedFunc(func(context.Context, string) ([]ChainTransaction, error) {
		// 96 against a price of 100 clears the 0.95 tolerance.
		return []ChainTransaction{{Memo: memo.Load().(string), Amount: decimal.NewFromInt(96), TxReference: "tx-feed"}}, nil
	})

	svc, watcher := newWatchedService(t, feed, time.Hour)
	ctx := context.Background()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop(context.Background())

	ord, err := svc.CreateOrder(ctx, 1, []int64{-100}, "-1:1", 1, decimal.Zero)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	// Memo matching is case-insensitive.
	memo.Store(strings.ToLower(ord.MemoToken))

	waitFor(t, 2*time.Second, func() bool {
		got, err := svc.Get(ctx, ord.ID)
		return err == nil && got.Status == order.StatusConfirmed
	})

	rec, err := svc.PaymentRecord(ctx, ord.ID)
	if err != nil {
		t.Fatalf("PaymentRecord: %v", err)
	}
	if !rec.ReceivedAmount.Equal(decimal.NewFromInt(96)) {
		t.Fatalf("received = %s, want 96", rec.ReceivedAmount)
	}
}

func TestWatcherIgnoresUnderpaymentAndExpires(t *testing.T) {
	var memo atomic.Value
	memo.Store("")
	feed := FeedFunc(func(context.Context, string) ([]ChainTransaction, error) {
		// 80 is below the 95 minimum for a price of 100.
		return []ChainTransaction{{Memo: memo.Load().(string), Amount: decimal.NewFromInt(80), TxReference: "tx-feed"}}, nil
	})

	svc, watcher := newWatchedService(t, feed, 60*time.Millisecond)
	ctx := context.Background()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop(context.Background())

	ord, err := svc.CreateOrder(ctx, 1, []int64{-100}, "-1:1", 1, decimal.Zero)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	memo.Store(ord.MemoToken)

	waitFor(t, 2*time.Second, func() bool {
		got, err := svc.Get(ctx, ord.ID)
		return err == nil && got.Status == order.StatusExpired
	})
}

func TestWatcherRetriesAfterFeedError(t *testing.T) {
	var calls int64
	var memo atomic.Value
	memo.Store("")
	feed := FeedFunc(func(context.Context, string) ([]ChainTransaction, error) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			return nil, fmt.Errorf("indexer unavailable")
		}
		return []ChainTransaction{{Memo: memo.Load().(string), Amount: decimal.NewFromInt(100), TxReference: "tx-feed"}}, nil
	})

	svc, watcher := newWatchedService(t, feed, time.Hour)
	ctx := context.Background()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop(context.Background())

	ord, err := svc.CreateOrder(ctx, 1, []int64{-100}, "-1:1", 1, decimal.Zero)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	memo.Store(ord.MemoToken)

	waitFor(t, 2*time.Second, func() bool {
		got, err := svc.Get(ctx, ord.ID)
		return err == nil && got.Status == order.StatusConfirmed
	})
	if atomic.LoadInt64(&calls) < 3 {
		t.Fatalf("expected the watcher to poll through the errors, got %d calls", calls)
	}
}

func TestWatchDuplicateIsNoop(t *testing.T) {
	feed := FeedFunc(func(context.Context, string) ([]ChainTransaction, error) { return nil, nil })
	svc, watcher := newWatchedService(t, feed, time.Hour)
	ctx := context.Background()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop(context.Background())

	ord, err := svc.CreateOrder(ctx, 1, []int64{-100}, "-1:1", 1, decimal.Zero)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if !watcher.Watching(ord.ID) {
		t.Fatal("expected a watcher goroutine for the new order")
	}
	watcher.Watch(ord)
	watcher.Watch(ord)
	if !watcher.Watching(ord.ID) {
		t.Fatal("duplicate Watch calls must leave the registry intact")
	}
}

func TestWatchWhileStoppedIsNoop(t *testing.T) {
	feed := FeedFunc(func(context.Context, string) ([]ChainTransaction, error) { return nil, nil })
	_, watcher := newWatchedService(t, feed, time.Hour)

	ord := order.New(1, []int64{-100}, "-1:1", 1, time.Now(), time.Hour)
	ord.ID = "unstarted"
	ord.Price = decimal.NewFromInt(100)

	watcher.Watch(ord)
	if watcher.Watching(ord.ID) {
		t.Fatal("a stopped supervisor must not accept watches")
	}
}

func TestWatcherRecoverySweep(t *testing.T) {
	store := memory.New()
	svc := New(store, StaticRateBook{Default: decimal.NewFromInt(100)}, Options{
		PaymentWindow:     time.Hour,
		SettlementAddress: "EQtest-address",
	}, nil)
	ctx := context.Background()

	// One order still inside its window, one already overdue.
	live := order.New(1, []int64{-100}, "-1:1", 1, time.Now(), time.Hour)
	live.MemoToken = "LIVETOKE"
	live.Price = decimal.NewFromInt(100)
	live, err := store.CreateOrder(ctx, live)
	if err != nil {
		t.Fatalf("seed live order: %v", err)
	}

	overdue := order.New(2, []int64{-100}, "-1:1", 1, time.Now().Add(-2*time.Hour), time.Hour)
	overdue.MemoToken = "LATETOKE"
	overdue.Price = decimal.NewFromInt(100)
	overdue, err = store.CreateOrder(ctx, overdue)
	if err != nil {
		t.Fatalf("seed overdue order: %v", err)
	}

	feed := FeedFunc(func(context.Context, string) ([]ChainTransaction, error) { return nil, nil })
	watcher := NewWatcher(svc, feed, WatcherOptions{PollInterval: 10 * time.Millisecond}, nil)
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop(context.Background())

	got, err := svc.Get(ctx, overdue.ID)
	if err != nil {
		t.Fatalf("Get overdue: %v", err)
	}
	if got.Status != order.StatusExpired {
		t.Fatalf("overdue order = %s, want expired", got.Status)
	}
	if !watcher.Watching(live.ID) {
		t.Fatal("live pending order not re-attached")
	}
}

func TestWatcherStopDrainsGoroutines(t *testing.T) {
	feed := FeedFunc(func(context.Context, string) ([]ChainTransaction, error) { return nil, nil })
	svc, watcher := newWatchedService(t, feed, time.Hour)
	ctx := context.Background()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := svc.CreateOrder(ctx, 1, []int64{-100}, "-1:1", 1, decimal.Zero); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := watcher.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
