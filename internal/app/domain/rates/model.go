// Package rates defines exchange-rate quotes between the settlement asset
// and display currencies.
package rates

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one observed exchange rate. Quotes are advisory pricing data and
// safely recomputable; staleness is judged against FetchedAt.
type Quote struct {
	Base      string
	Target    string
	Rate      decimal.Decimal
	Source    string
	FetchedAt time.Time
}

// Fresh reports whether the quote is younger than ttl at the given instant.
func (q Quote) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.FetchedAt) < ttl
}
