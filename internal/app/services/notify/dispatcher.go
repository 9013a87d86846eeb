// Package notify delivers best-effort buyer notifications. A failed
// delivery is logged and dropped; it never rolls back the ledger or
// scheduler state that triggered it.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/openpromo/adboard/internal/app/domain/campaign"
	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/pkg/logger"
)

// Sink delivers one message to one buyer.
type Sink interface {
	Deliver(ctx context.Context, recipientID int64, text string) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, recipientID int64, text string) error

func (f SinkFunc) Deliver(ctx context.Context, recipientID int64, text string) error {
	if f == nil {
		return nil
	}
	return f(ctx, recipientID, text)
}

// TelegramSink delivers notifications through the bot's private chat with
// the buyer.
type TelegramSink struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramSink(bot *tgbotapi.BotAPI) *TelegramSink {
	return &TelegramSink{bot: bot}
}

func (s *TelegramSink) Deliver(_ context.Context, recipientID int64, text string) error {
	_, err := s.bot.Send(tgbotapi.NewMessage(recipientID, text))
	return err
}

// Dispatcher formats and sends lifecycle notifications.
type Dispatcher struct {
	sink Sink
	log  *logger.Logger
}

// New creates a dispatcher over the given sink. A nil sink disables
// delivery but keeps the call sites uniform.
func New(sink Sink, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Dispatcher{sink: sink, log: log}
}

func (d *Dispatcher) deliver(ctx context.Context, recipientID int64, text string) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Deliver(ctx, recipientID, text); err != nil {
		d.log.WithError(err).
			WithField("recipient_id", recipientID).
			Warn("notification delivery failed")
	}
}

// OrderConfirmed tells the buyer the payment arrived and publication is
// scheduled.
func (d *Dispatcher) OrderConfirmed(ctx context.Context, ord order.Order, rec order.PaymentRecord) {
	text := fmt.Sprintf(
		"Payment received (%s, tx %s). Your campaign on %d channel(s) starts tomorrow and runs %d day(s).",
		rec.ReceivedAmount.String(), rec.TxReference, len(ord.ChannelIDs), ord.DurationDays+ord.BonusDays,
	)
	d.deliver(ctx, ord.BuyerID, text)
}

// OrderExpired tells the buyer the payment window closed unpaid.
func (d *Dispatcher) OrderExpired(ctx context.Context, ord order.Order) {
	text := fmt.Sprintf(
		"Payment window for order %s expired. No payment was detected; please create a new order to retry.",
		ord.ID,
	)
	d.deliver(ctx, ord.BuyerID, text)
}

// PostPublished tells the buyer one placement went live.
func (d *Dispatcher) PostPublished(ctx context.Context, buyerID int64, post campaign.ScheduledPost) {
	text := fmt.Sprintf(
		"Your ad was published to channel %d (message %s).",
		post.ChannelID, post.MessageRef,
	)
	d.deliver(ctx, buyerID, text)
}
