package campaigns

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/openpromo/adboard/pkg/logger"
)

// Publish rejection reasons reported by the channel endpoint.
const (
	ReasonForbidden   = "forbidden"
	ReasonNotFound    = "not_found"
	ReasonRateLimited = "rate_limited"
	ReasonUnknown     = "unknown"
)

// PublishError is a channel-side publication failure. Every publish failure
// is terminal for its post; the reason tells the operator what to fix before
// re-enqueueing.
type PublishError struct {
	Reason  string
	Message string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish rejected (%s): %s", e.Reason, e.Message)
}

// Publisher posts campaign content to a channel and returns a message
// reference.
type Publisher interface {
	Publish(ctx context.Context, channelID int64, contentRef string) (string, error)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, channelID int64, contentRef string) (string, error)

func (f PublisherFunc) Publish(ctx context.Context, channelID int64, contentRef string) (string, error) {
	if f == nil {
		return "", &PublishError{Reason: ReasonUnknown, Message: "no publisher configured"}
	}
	return f(ctx, channelID, contentRef)
}

// TelegramPublisher republishes the buyer's creative by copying the source
// message into the target channel. Content references have the form
// "<source_chat_id>:<message_id>".
type TelegramPublisher struct {
	bot *tgbotapi.BotAPI
	log *logger.Logger
}

// NewTelegramPublisher wraps a bot client as a channel publisher.
func NewTelegramPublisher(bot *tgbotapi.BotAPI, log *logger.Logger) *TelegramPublisher {
	if log == nil {
		log = logger.NewDefault("telegram-publisher")
	}
	return &TelegramPublisher{bot: bot, log: log}
}

func (p *TelegramPublisher) Publish(_ context.Context, channelID int64, contentRef string) (string, error) {
	fromChatID, messageID, err := parseContentRef(contentRef)
	if err != nil {
		return "", &PublishError{Reason: ReasonNotFound, Message: err.Error()}
	}

	sent, err := p.bot.CopyMessage(tgbotapi.NewCopyMessage(channelID, fromChatID, messageID))
	if err != nil {
		return "", classifyTelegramError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func parseContentRef(contentRef string) (int64, int, error) {
	parts := strings.SplitN(contentRef, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed content ref %q", contentRef)
	}
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed chat id in content ref %q", contentRef)
	}
	messageID, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed message id in content ref %q", contentRef)
	}
	return chatID, messageID, nil
}

func classifyTelegramError(err error) *PublishError {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 403:
			return &PublishError{Reason: ReasonForbidden, Message: apiErr.Message}
		case apiErr.Code == 429:
			return &PublishError{Reason: ReasonRateLimited, Message: apiErr.Message}
		case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "not found"):
			return &PublishError{Reason: ReasonNotFound, Message: apiErr.Message}
		default:
			return &PublishError{Reason: ReasonUnknown, Message: apiErr.Message}
		}
	}
	return &PublishError{Reason: ReasonUnknown, Message: err.Error()}
}
