// Package app wires the services together and owns their lifecycles.
package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/services/campaigns"
	"github.com/openpromo/adboard/internal/app/services/notify"
	"github.com/openpromo/adboard/internal/app/services/orders"
	ratesvc "github.com/openpromo/adboard/internal/app/services/rates"
	"github.com/openpromo/adboard/internal/app/storage"
	"github.com/openpromo/adboard/internal/app/storage/memory"
	"github.com/openpromo/adboard/internal/app/system"
	"github.com/openpromo/adboard/internal/config"
	"github.com/openpromo/adboard/pkg/logger"
)

// Stores carries the persistence backends. Nil fields default to a shared
// in-memory store, which keeps tests and local development setup-free.
type Stores struct {
	Orders    storage.OrderStore
	Campaigns storage.CampaignStore
}

// Dependencies are the externally constructed collaborators: the chain feed,
// the price feed, the publisher, and the notification sink. main assembles
// real ones; tests substitute fakes.
type Dependencies struct {
	Stores      Stores
	RateCache   ratesvc.Cache
	RateFetcher ratesvc.Fetcher
	Feed        orders.TransactionFeed
	Publisher   campaigns.Publisher
	NotifySink  notify.Sink
}

// Application is the assembled core.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	manager *system.Manager

	Orders    *orders.Service
	Campaigns *campaigns.Service
	Rates     *ratesvc.Service
	Watcher   *orders.Watcher
	Scheduler *campaigns.Scheduler
	Notify    *notify.Dispatcher
}

// New builds the application from configuration and dependencies.
func New(cfg *config.Config, deps Dependencies, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	orderStore := deps.Stores.Orders
	campaignStore := deps.Stores.Campaigns
	if orderStore == nil || campaignStore == nil {
		mem := memory.New()
		if orderStore == nil {
			orderStore = mem
		}
		if campaignStore == nil {
			campaignStore = mem
		}
	}

	tolerance, err := parseDecimal("settlement.tolerance", cfg.Settlement.Tolerance)
	if err != nil {
		return nil, err
	}
	rateBook, err := rateBookFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	fallbacks, err := parseDecimalMap("rates.fallback", cfg.Rates.Fallback)
	if err != nil {
		return nil, err
	}

	ratesSvc := ratesvc.New(deps.RateCache, deps.RateFetcher, ratesvc.Options{
		TTL:      cfg.Rates.TTL,
		Fallback: fallbacks,
	}, nil)

	ordersSvc := orders.New(orderStore, rateBook, orders.Options{
		PaymentWindow:     cfg.Settlement.PaymentWindow,
		SettlementAddress: cfg.Settlement.Address,
		BonusDays:         cfg.Pricing.BonusDays,
	}, nil)

	watcher := orders.NewWatcher(ordersSvc, deps.Feed, orders.WatcherOptions{
		PollInterval: cfg.Settlement.PollInterval,
		Tolerance:    tolerance,
	}, nil)
	ordersSvc.AttachWatcher(watcher)

	campaignsSvc := campaigns.New(campaignStore, campaigns.Options{
		PostsPerDay:    cfg.Publishing.PostsPerDay,
		WindowStart:    cfg.Publishing.WindowStart,
		WindowEnd:      cfg.Publishing.WindowEnd,
		ChannelStagger: cfg.Publishing.ChannelStagger,
	}, nil)

	scheduler := campaigns.NewScheduler(campaignStore, ordersSvc, deps.Publisher, campaigns.SchedulerOptions{
		SweepInterval: cfg.Publishing.SweepInterval,
		StaleAfter:    cfg.Publishing.StaleAfter,
	}, nil)

	dispatcher := notify.New(deps.NotifySink, nil)
	scheduler.WithNotifier(dispatcher)

	app := &Application{
		cfg:       cfg,
		log:       log,
		manager:   system.NewManager(),
		Orders:    ordersSvc,
		Campaigns: campaignsSvc,
		Rates:     ratesSvc,
		Watcher:   watcher,
		Scheduler: scheduler,
		Notify:    dispatcher,
	}
	app.wireHooks()

	if err := app.manager.Register(watcher); err != nil {
		return nil, err
	}
	if err := app.manager.Register(scheduler); err != nil {
		return nil, err
	}
	return app, nil
}

// wireHooks connects the ledger's lifecycle callbacks: a confirmed payment
// materializes the campaign before the buyer hears about it, so the
// notification never precedes the schedule it announces.
func (a *Application) wireHooks() {
	a.Orders.AttachConfirmedHook(func(ctx context.Context, ord order.Order, rec order.PaymentRecord) {
		if _, err := a.Campaigns.Materialize(ctx, ord); err != nil {
			a.log.WithError(err).
				WithField("order_id", ord.ID).
				Error("materialize campaign for confirmed order failed")
		}
		a.Notify.OrderConfirmed(ctx, ord, rec)
	})
	a.Orders.AttachExpiredHook(func(ctx context.Context, ord order.Order) {
		a.Notify.OrderExpired(ctx, ord)
	})
}

// RegisterService adds another lifecycle-managed service, such as the HTTP
// API server, to the application. Call before Start.
func (a *Application) RegisterService(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start brings up the background services in registration order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts the background services down in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	return d, nil
}

func parseDecimalMap(field string, raw map[string]string) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for key, value := range raw {
		d, err := parseDecimal(fmt.Sprintf("%s[%s]", field, key), value)
		if err != nil {
			return nil, err
		}
		out[key] = d
	}
	return out, nil
}

func rateBookFromConfig(cfg *config.Config) (orders.StaticRateBook, error) {
	book := orders.StaticRateBook{Channels: make(map[int64]decimal.Decimal, len(cfg.Pricing.ChannelRates))}

	defaultRate, err := parseDecimal("pricing.default_daily_rate", cfg.Pricing.DefaultDailyRate)
	if err != nil {
		return orders.StaticRateBook{}, err
	}
	book.Default = defaultRate

	for channelID, raw := range cfg.Pricing.ChannelRates {
		rate, err := parseDecimal(fmt.Sprintf("pricing.channel_rates[%d]", channelID), raw)
		if err != nil {
			return orders.StaticRateBook{}, err
		}
		book.Channels[channelID] = rate
	}
	return book, nil
}
