// Package rates converts amounts of the settlement asset into display
// currencies. Quotes are cached with a short TTL and pricing always resolves
// to a number: a feed outage degrades to the configured fallback rate.
package rates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openpromo/adboard/internal/app/domain/rates"
	"github.com/openpromo/adboard/pkg/logger"
)

// Cache stores quotes keyed by currency pair. Implementations are advisory
// and last-write-wins; a lost update only costs one extra feed call.
type Cache interface {
	Get(ctx context.Context, base, target string) (rates.Quote, bool)
	Put(ctx context.Context, quote rates.Quote)
}

// Options tune the converter.
type Options struct {
	TTL      time.Duration
	Fallback map[string]decimal.Decimal // "TON/USD" -> rate
}

// Service resolves exchange rates through cache, feed, and fallback, in that
// order.
type Service struct {
	cache     Cache
	fetcher   Fetcher
	ttl       time.Duration
	fallbacks map[string]decimal.Decimal
	log       *logger.Logger
	now       func() time.Time
}

// New constructs a converter. A nil cache defaults to the in-process cache.
func New(cache Cache, fetcher Fetcher, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rates")
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	fallbacks := make(map[string]decimal.Decimal, len(opts.Fallback))
	for pair, rate := range opts.Fallback {
		fallbacks[strings.ToUpper(pair)] = rate
	}
	return &Service{
		cache:     cache,
		fetcher:   fetcher,
		ttl:       ttl,
		fallbacks: fallbacks,
		log:       log,
		now:       time.Now,
	}
}

// Rate returns the exchange rate from base to target. A cached quote younger
// than the TTL wins; otherwise the feed is consulted and the cache updated.
// When the feed fails and no fresh quote exists, the configured fallback is
// returned rather than an error.
func (s *Service) Rate(ctx context.Context, base, target string) (decimal.Decimal, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	target = strings.ToUpper(strings.TrimSpace(target))
	if base == "" || target == "" {
		return decimal.Zero, fmt.Errorf("base and target are required")
	}
	if base == target {
		return decimal.NewFromInt(1), nil
	}

	now := s.now()
	if quote, ok := s.cache.Get(ctx, base, target); ok && quote.Fresh(now, s.ttl) {
		return quote.Rate, nil
	}

	if s.fetcher != nil {
		quote, err := s.fetcher.Fetch(ctx, base, target)
		if err == nil {
			quote.Base = base
			quote.Target = target
			if quote.FetchedAt.IsZero() {
				quote.FetchedAt = now.UTC()
			}
			s.cache.Put(ctx, quote)
			return quote.Rate, nil
		}
		s.log.WithError(err).
			WithField("pair", base+"/"+target).
			Warn("price feed fetch failed; falling back")
	}

	// A stale cached quote still beats the static fallback.
	if quote, ok := s.cache.Get(ctx, base, target); ok {
		return quote.Rate, nil
	}

	if rate, ok := s.fallbacks[base+"/"+target]; ok {
		return rate, nil
	}
	return decimal.Zero, fmt.Errorf("no rate available for %s/%s and no fallback configured", base, target)
}

// Convert prices an amount of base currency in the target currency.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, base, target string) (decimal.Decimal, error) {
	rate, err := s.Rate(ctx, base, target)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}
