package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestHTTPFetcherReadsDefaultPath(t *testing.T) {
	var gotBase, gotQuote string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBase = r.URL.Query().Get("base")
		gotQuote = r.URL.Query().Get("quote")
		_, _ = w.Write([]byte(`{"price": "5.21", "source": "testfeed"}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "", "", nil)
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}

	quote, err := fetcher.Fetch(context.Background(), "ton", "usd")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotBase != "TON" || gotQuote != "USD" {
		t.Fatalf("query pair = %s/%s", gotBase, gotQuote)
	}
	if !quote.Rate.Equal(decimal.NewFromFloat(5.21)) {
		t.Fatalf("rate = %s, want 5.21", quote.Rate)
	}
	if quote.Source != "testfeed" {
		t.Fatalf("source = %q", quote.Source)
	}
	if quote.FetchedAt.IsZero() {
		t.Fatal("expected FetchedAt to be stamped")
	}
}

func TestHTTPFetcherCustomPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"rates": {"USD": 5.5}}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "", "rates.USD", nil)
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}

	quote, err := fetcher.Fetch(context.Background(), "TON", "USD")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !quote.Rate.Equal(decimal.NewFromFloat(5.5)) {
		t.Fatalf("rate = %s, want 5.5", quote.Rate)
	}
}

func TestHTTPFetcherErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing path", `{"other": 1}`, http.StatusOK},
		{"non-numeric rate", `{"price": "abc"}`, http.StatusOK},
		{"non-positive rate", `{"price": "0"}`, http.StatusOK},
		{"server error", `{}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "", "", nil)
			if err != nil {
				t.Fatalf("NewHTTPFetcher: %v", err)
			}
			if _, err := fetcher.Fetch(context.Background(), "TON", "USD"); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
