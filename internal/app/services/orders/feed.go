package orders

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/openpromo/adboard/pkg/logger"
)

// ChainTransaction is one incoming transfer observed on the settlement
// address.
type ChainTransaction struct {
	Memo        string
	Amount      decimal.Decimal
	TxReference string
	Timestamp   time.Time
}

// TransactionFeed lists recent incoming transfers for an address. A feed
// error is transient by contract: the watcher logs it and retries on the
// next tick.
type TransactionFeed interface {
	RecentTransactions(ctx context.Context, address string) ([]ChainTransaction, error)
}

// FeedFunc adapts a function to the TransactionFeed interface.
type FeedFunc func(ctx context.Context, address string) ([]ChainTransaction, error)

func (f FeedFunc) RecentTransactions(ctx context.Context, address string) ([]ChainTransaction, error) {
	if f == nil {
		return nil, fmt.Errorf("no transaction feed configured")
	}
	return f(ctx, address)
}

// HTTPFeed reads recent transfers from a chain indexer over HTTP. The
// expected response shape is
//
//	{"transactions": [{"hash": "...", "comment": "...", "value": "12.5", "utime": 1719000000}, ...]}
//
// with value denominated in the settlement asset.
type HTTPFeed struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewHTTPFeed constructs a feed client for the given indexer endpoint.
func NewHTTPFeed(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPFeed, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("transaction feed endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse transaction feed endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("chain-feed")
	}
	return &HTTPFeed{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

func (f *HTTPFeed) RecentTransactions(ctx context.Context, address string) ([]ChainTransaction, error) {
	requestURL := *f.endpoint
	q := requestURL.Query()
	q.Set("address", address)
	requestURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	if f.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read feed response: %w", err)
	}

	var result []ChainTransaction
	for _, entry := range gjson.GetBytes(body, "transactions").Array() {
		amount, err := decimal.NewFromString(entry.Get("value").String())
		if err != nil {
			// Skip malformed entries instead of failing the whole poll.
			f.log.WithField("hash", entry.Get("hash").String()).
				Warn("skipping transaction with unparseable value")
			continue
		}
		tx := ChainTransaction{
			Memo:        strings.TrimSpace(entry.Get("comment").String()),
			Amount:      amount,
			TxReference: entry.Get("hash").String(),
		}
		if utime := entry.Get("utime").Int(); utime > 0 {
			tx.Timestamp = time.Unix(utime, 0).UTC()
		}
		result = append(result, tx)
	}
	return result, nil
}
