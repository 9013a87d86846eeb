// Package main runs the adboard core: the order ledger, payment watcher,
// campaign scheduler, and the operational HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/go-redis/redis/v8"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/openpromo/adboard/internal/app"
	"github.com/openpromo/adboard/internal/app/services/campaigns"
	"github.com/openpromo/adboard/internal/app/services/notify"
	"github.com/openpromo/adboard/internal/app/services/orders"
	ratesvc "github.com/openpromo/adboard/internal/app/services/rates"
	"github.com/openpromo/adboard/internal/app/storage/postgres"
	"github.com/openpromo/adboard/internal/app/httpapi"
	"github.com/openpromo/adboard/internal/config"
	"github.com/openpromo/adboard/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default config/adboard.yaml)")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.NewDefault("adboard")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("load configuration failed")
		os.Exit(1)
	}

	deps, cleanup, err := buildDependencies(cfg, log)
	if err != nil {
		log.WithError(err).Error("assemble dependencies failed")
		os.Exit(1)
	}
	defer cleanup()

	application, err := app.New(cfg, deps, log)
	if err != nil {
		log.WithError(err).Error("build application failed")
		os.Exit(1)
	}

	router := httpapi.NewRouter(application)
	if err := application.RegisterService(httpapi.NewServer(cfg.HTTP.Addr, router, nil)); err != nil {
		log.WithError(err).Error("register http server failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application failed")
		os.Exit(1)
	}
	log.Info("adboard core started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown finished with errors")
	}
	log.Info("adboard core stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.LoadOrDefault(), nil
}

// buildDependencies assembles the store, feeds, publisher, and notification
// sink from configuration. Missing external endpoints degrade to development
// fallbacks instead of failing startup, except the chain feed, which the
// payment pipeline cannot run without.
func buildDependencies(cfg *config.Config, log *logger.Logger) (app.Dependencies, func(), error) {
	deps := app.Dependencies{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Database.DSN != "" {
		db, err := sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			return app.Dependencies{}, cleanup, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		store := postgres.New(db)
		deps.Stores = app.Stores{Orders: store, Campaigns: store}
		log.Info("using postgres persistence")
	} else {
		log.Warn("no database configured; using in-memory store")
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = client.Close() })
		deps.RateCache = ratesvc.NewRedisCache(client, "adboard:rates", nil)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}

	if cfg.Settlement.FeedURL == "" {
		return app.Dependencies{}, cleanup, fmt.Errorf("settlement.feed_url is required")
	}
	feed, err := orders.NewHTTPFeed(httpClient, cfg.Settlement.FeedURL, cfg.Settlement.FeedKey, nil)
	if err != nil {
		return app.Dependencies{}, cleanup, fmt.Errorf("chain feed: %w", err)
	}
	deps.Feed = feed

	if cfg.Rates.FeedURL != "" {
		fetcher, err := ratesvc.NewHTTPFetcher(httpClient, cfg.Rates.FeedURL, cfg.Rates.FeedKey, cfg.Rates.RatePath, nil)
		if err != nil {
			return app.Dependencies{}, cleanup, fmt.Errorf("price feed: %w", err)
		}
		deps.RateFetcher = fetcher
	}

	if cfg.Telegram.BotToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			return app.Dependencies{}, cleanup, fmt.Errorf("telegram bot: %w", err)
		}
		deps.Publisher = campaigns.NewTelegramPublisher(bot, nil)
		deps.NotifySink = notify.NewTelegramSink(bot)
	} else {
		log.Warn("no telegram token configured; publications are logged, not sent")
		deps.Publisher = devPublisher(log)
	}

	return deps, cleanup, nil
}

// devPublisher stands in for Telegram during local development.
func devPublisher(log *logger.Logger) campaigns.Publisher {
	return campaigns.PublisherFunc(func(_ context.Context, channelID int64, contentRef string) (string, error) {
		log.WithField("channel_id", channelID).
			WithField("content_ref", contentRef).
			Info("dev publisher: would publish")
		return fmt.Sprintf("dev-%d", time.Now().UnixNano()), nil
	})
}
