// Package order defines the purchase order records and the status machine
// every ledger transition is checked against.
package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// transitions lists the legal next states per source state. Terminal states
// have no entry.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusExpired, StatusCancelled},
	StatusConfirmed: {StatusActive},
	StatusActive:    {StatusCompleted, StatusCancelled},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Order is a purchase of recurring ad placements on a set of channels, paid
// by a memo-correlated transfer of the settlement asset.
type Order struct {
	ID                string          `db:"id"`
	BuyerID           int64           `db:"buyer_id"`
	ChannelIDs        []int64         `db:"-"`
	ContentRef        string          `db:"content_ref"`
	DurationDays      int             `db:"duration_days"`
	BonusDays         int             `db:"bonus_days"`
	Price             decimal.Decimal `db:"price"`
	DiscountPercent   decimal.Decimal `db:"discount_percent"`
	MemoToken         string          `db:"memo_token"`
	SettlementAddress string          `db:"settlement_address"`
	Status            Status          `db:"status"`
	CreatedAt         time.Time       `db:"created_at"`
	ExpiresAt         time.Time       `db:"expires_at"`
	ConfirmedAt       time.Time       `db:"confirmed_at"`
}

// New constructs a pending order, enforcing the fields every order must
// carry. Price and token assignment belong to the ledger service.
func New(buyerID int64, channelIDs []int64, contentRef string, durationDays int, now time.Time, window time.Duration) Order {
	return Order{
		BuyerID:      buyerID,
		ChannelIDs:   append([]int64(nil), channelIDs...),
		ContentRef:   contentRef,
		DurationDays: durationDays,
		Status:       StatusPending,
		CreatedAt:    now.UTC(),
		ExpiresAt:    now.UTC().Add(window),
	}
}

// PaymentRecord captures the on-chain transfer that settled an order. It is
// written exactly once, when a matching transaction is first observed.
type PaymentRecord struct {
	OrderID        string          `db:"order_id"`
	ExpectedAmount decimal.Decimal `db:"expected_amount"`
	ReceivedAmount decimal.Decimal `db:"received_amount"`
	TxReference    string          `db:"tx_reference"`
	DetectedAt     time.Time       `db:"detected_at"`
	ConfirmedAt    time.Time       `db:"confirmed_at"`
}
