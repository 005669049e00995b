// Package notify tells buyers about terminal purchase outcomes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const defaultExplorerURL = "https://tonviewer.com/transaction/"

// ErrUnreachable is returned when the buyer id cannot be mapped to a chat.
var ErrUnreachable = errors.New("notify: buyer is not reachable")

// Outcome describes a finished purchase from the buyer's point of view.
type Outcome struct {
	BuyerID     string
	IntentID    string
	Recipient   string
	Quantity    int64
	Amount      string
	TransferRef string
	Reason      string
}

// Notifier delivers terminal purchase outcomes.
type Notifier interface {
	PurchaseCompleted(ctx context.Context, outcome Outcome) error
	PurchaseFailed(ctx context.Context, outcome Outcome) error
}

// Nop discards notifications.
type Nop struct{}

// PurchaseCompleted does nothing.
func (Nop) PurchaseCompleted(context.Context, Outcome) error { return nil }

// PurchaseFailed does nothing.
func (Nop) PurchaseFailed(context.Context, Outcome) error { return nil }

// MessageSender is the part of the bot API used for delivery.
type MessageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// ChatResolver maps a buyer id to the Telegram chat that receives the buyer's notifications.
type ChatResolver func(ctx context.Context, buyerID string) (int64, error)

// NumericChatResolver treats the buyer id itself as the Telegram user id. It fits deployments where
// the session issuer mints Telegram ids as user ids; any other id is ErrUnreachable.
func NumericChatResolver(_ context.Context, buyerID string) (int64, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(buyerID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a telegram id", ErrUnreachable, buyerID)
	}
	return chatID, nil
}

// StaticChatResolver looks buyer ids up in a fixed directory.
func StaticChatResolver(directory map[string]int64) ChatResolver {
	chats := make(map[string]int64, len(directory))
	for buyerID, chatID := range directory {
		chats[strings.TrimSpace(buyerID)] = chatID
	}
	return func(_ context.Context, buyerID string) (int64, error) {
		chatID, ok := chats[strings.TrimSpace(buyerID)]
		if !ok {
			return 0, fmt.Errorf("%w: no chat for %q", ErrUnreachable, buyerID)
		}
		return chatID, nil
	}
}

// TelegramOption customizes a Telegram notifier.
type TelegramOption func(*Telegram)

// WithChatResolver replaces the buyer to chat mapping.
func WithChatResolver(resolver ChatResolver) TelegramOption {
	return func(notifier *Telegram) {
		if resolver != nil {
			notifier.resolveChat = resolver
		}
	}
}

// Telegram sends outcomes as chat messages.
type Telegram struct {
	sender      MessageSender
	explorerURL string
	resolveChat ChatResolver
}

// NewTelegram wires a Telegram notifier. An empty explorerURL uses the public TON explorer.
// Without WithChatResolver buyer ids must be Telegram user ids (NumericChatResolver); buyers whose
// id does not resolve get no message and the send returns ErrUnreachable.
func NewTelegram(sender MessageSender, explorerURL string, options ...TelegramOption) (*Telegram, error) {
	if sender == nil {
		return nil, errors.New("notify: sender is nil")
	}
	if strings.TrimSpace(explorerURL) == "" {
		explorerURL = defaultExplorerURL
	}
	notifier := &Telegram{sender: sender, explorerURL: explorerURL, resolveChat: NumericChatResolver}
	for _, option := range options {
		if option != nil {
			option(notifier)
		}
	}
	return notifier, nil
}

// PurchaseCompleted reports the delivered quantity and the transfer link.
func (notifier *Telegram) PurchaseCompleted(ctx context.Context, outcome Outcome) error {
	return notifier.send(ctx, outcome.BuyerID, CompletedText(outcome, notifier.explorerURL))
}

// PurchaseFailed reports a failed purchase and points the buyer to support.
func (notifier *Telegram) PurchaseFailed(ctx context.Context, outcome Outcome) error {
	return notifier.send(ctx, outcome.BuyerID, FailedText(outcome))
}

func (notifier *Telegram) send(ctx context.Context, buyerID string, text string) error {
	chatID, err := notifier.resolveChat(ctx, buyerID)
	if err != nil {
		return err
	}
	if _, err := notifier.sender.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("notify: send to %d: %w", chatID, err)
	}
	return nil
}

// CompletedText renders the success message.
func CompletedText(outcome Outcome, explorerURL string) string {
	return fmt.Sprintf(
		"✅ Done!\n\n⭐️ Sent: %d\n👤 Recipient: %s\n💰 Charged: %s\n\n🔗 %s%s",
		outcome.Quantity,
		outcome.Recipient,
		outcome.Amount,
		explorerURL,
		outcome.TransferRef,
	)
}

// FailedText renders the failure message. Internal reasons are not shown to the buyer.
func FailedText(outcome Outcome) string {
	return fmt.Sprintf(
		"❌ The purchase of %d stars for %s did not go through. Your balance was not charged.\nIf you have questions, contact support and quote order %s.",
		outcome.Quantity,
		outcome.Recipient,
		outcome.IntentID,
	)
}
