package rates

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

	"github.com/openpromo/adboard/internal/app/domain/rates"
	"github.com/openpromo/adboard/pkg/logger"
)

// Fetcher retrieves a spot quote for a currency pair from an external feed.
type Fetcher interface {
	Fetch(ctx context.Context, base, target string) (rates.Quote, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, base, target string) (rates.Quote, error)

func (f FetcherFunc) Fetch(ctx context.Context, base, target string) (rates.Quote, error) {
	if f == nil {
		return rates.Quote{}, fmt.Errorf("no fetcher configured")
	}
	return f(ctx, base, target)
}

// HTTPFetcher reads spot rates from an HTTP price feed. The response is
// located with a configurable gjson path, so any feed shaped like
// {"rates": {"USD": 5.21}} or {"price": 5.21} can be wired in.
type HTTPFetcher struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	path     string
	log      *logger.Logger
}

// NewHTTPFetcher constructs a fetcher for the given endpoint. ratePath is
// the gjson path of the rate in the response body; empty defaults to
// "price".
func NewHTTPFetcher(client *http.Client, endpoint, apiKey, ratePath string, log *logger.Logger) (*HTTPFetcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("price feed endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse price feed endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("rates-fetcher")
	}
	if ratePath == "" {
		ratePath = "price"
	}
	return &HTTPFetcher{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		path:     ratePath,
		log:      log,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, base, target string) (rates.Quote, error) {
	requestURL := *f.endpoint
	q := requestURL.Query()
	q.Set("base", strings.ToUpper(base))
	q.Set("quote", strings.ToUpper(target))
	requestURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return rates.Quote{}, fmt.Errorf("build price feed request: %w", err)
	}
	if f.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return rates.Quote{}, fmt.Errorf("price feed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rates.Quote{}, fmt.Errorf("price feed status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return rates.Quote{}, fmt.Errorf("read price feed response: %w", err)
	}

	value := gjson.GetBytes(body, f.path)
	if !value.Exists() {
		return rates.Quote{}, fmt.Errorf("price feed response missing %q", f.path)
	}
	rate, err := decimal.NewFromString(value.String())
	if err != nil {
		return rates.Quote{}, fmt.Errorf("parse rate %q: %w", value.String(), err)
	}
	if rate.Sign() <= 0 {
		return rates.Quote{}, fmt.Errorf("non-positive rate %s", rate)
	}

	source := gjson.GetBytes(body, "source").String()
	if source == "" {
		source = f.endpoint.Host
	}
	return rates.Quote{
		Base:      strings.ToUpper(base),
		Target:    strings.ToUpper(target),
		Rate:      rate,
		Source:    source,
		FetchedAt: time.Now().UTC(),
	}, nil
}
