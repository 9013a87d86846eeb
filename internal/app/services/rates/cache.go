package rates

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openpromo/adboard/internal/app/domain/rates"
	"github.com/openpromo/adboard/pkg/logger"
)

func pairKey(base, target string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(target)
}

// MemoryCache is the default in-process quote cache.
type MemoryCache struct {
	mu     sync.RWMutex
	quotes map[string]rates.Quote
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{quotes: make(map[string]rates.Quote)}
}

func (c *MemoryCache) Get(_ context.Context, base, target string) (rates.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	quote, ok := c.quotes[pairKey(base, target)]
	return quote, ok
}

func (c *MemoryCache) Put(_ context.Context, quote rates.Quote) {
	c.mu.Lock()
	c.quotes[pairKey(quote.Base, quote.Target)] = quote
	c.mu.Unlock()
}

// RedisCache shares quotes across processes through Redis. Entries carry
// their own FetchedAt, so the redis TTL only bounds storage, not freshness.
type RedisCache struct {
	client *redis.Client
	prefix string
	expiry time.Duration
	log    *logger.Logger
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a quote cache on the given client. Keys live under
// the prefix for an hour; freshness is still judged by the converter TTL.
func NewRedisCache(client *redis.Client, prefix string, log *logger.Logger) *RedisCache {
	if log == nil {
		log = logger.NewDefault("rates-cache")
	}
	if prefix == "" {
		prefix = "adboard:rates"
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		expiry: time.Hour,
		log:    log,
	}
}

type redisQuote struct {
	Rate      string    `json:"rate"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (c *RedisCache) key(base, target string) string {
	return c.prefix + ":" + pairKey(base, target)
}

func (c *RedisCache) Get(ctx context.Context, base, target string) (rates.Quote, bool) {
	raw, err := c.client.Get(ctx, c.key(base, target)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Warn("redis rate cache read failed")
		}
		return rates.Quote{}, false
	}

	var stored redisQuote
	if err := json.Unmarshal(raw, &stored); err != nil {
		return rates.Quote{}, false
	}
	quote := rates.Quote{
		Base:      strings.ToUpper(base),
		Target:    strings.ToUpper(target),
		Source:    stored.Source,
		FetchedAt: stored.FetchedAt,
	}
	if err := quote.Rate.UnmarshalText([]byte(stored.Rate)); err != nil {
		return rates.Quote{}, false
	}
	return quote, true
}

func (c *RedisCache) Put(ctx context.Context, quote rates.Quote) {
	raw, err := json.Marshal(redisQuote{
		Rate:      quote.Rate.String(),
		Source:    quote.Source,
		FetchedAt: quote.FetchedAt,
	})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(quote.Base, quote.Target), raw, c.expiry).Err(); err != nil {
		c.log.WithError(err).Warn("redis rate cache write failed")
	}
}
