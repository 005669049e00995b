package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mymmrac/telego"
)

type recordingSender struct {
	sent []*telego.SendMessageParams
	err  error
}

func (sender *recordingSender) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	sender.sent = append(sender.sent, params)
	if sender.err != nil {
		return nil, sender.err
	}
	return &telego.Message{}, nil
}

func TestPurchaseCompletedSendsExplorerLink(test *testing.T) {
	test.Parallel()
	sender := &recordingSender{}
	notifier, err := NewTelegram(sender, "")
	if err != nil {
		test.Fatalf("new telegram: %v", err)
	}
	err = notifier.PurchaseCompleted(context.Background(), Outcome{
		BuyerID:     "1001",
		Recipient:   "@alice",
		Quantity:    50,
		Amount:      "125.00",
		TransferRef: "abc123",
	})
	if err != nil {
		test.Fatalf("notify: %v", err)
	}
	if len(sender.sent) != 1 {
		test.Fatalf("expected one message, got %d", len(sender.sent))
	}
	message := sender.sent[0]
	if message.ChatID.ID != 1001 {
		test.Fatalf("unexpected chat %+v", message.ChatID)
	}
	for _, fragment := range []string{"50", "@alice", "125.00", defaultExplorerURL + "abc123"} {
		if !strings.Contains(message.Text, fragment) {
			test.Fatalf("message %q lacks %q", message.Text, fragment)
		}
	}
}

func TestPurchaseFailedHidesReason(test *testing.T) {
	test.Parallel()
	sender := &recordingSender{}
	notifier, err := NewTelegram(sender, "https://explorer.example/tx/")
	if err != nil {
		test.Fatalf("new telegram: %v", err)
	}
	err = notifier.PurchaseFailed(context.Background(), Outcome{
		BuyerID:   "7",
		IntentID:  "intent-9",
		Recipient: "@bob",
		Quantity:  10,
		Reason:    "liteserver timeout",
	})
	if err != nil {
		test.Fatalf("notify: %v", err)
	}
	text := sender.sent[0].Text
	if strings.Contains(text, "liteserver") || !strings.Contains(text, "intent-9") {
		test.Fatalf("unexpected failure text %q", text)
	}
}

func TestTelegramErrors(test *testing.T) {
	test.Parallel()
	notifier, err := NewTelegram(&recordingSender{}, "")
	if err != nil {
		test.Fatalf("new telegram: %v", err)
	}
	if err := notifier.PurchaseFailed(context.Background(), Outcome{BuyerID: "web-user"}); !errors.Is(err, ErrUnreachable) {
		test.Fatalf("expected ErrUnreachable, got %v", err)
	}
	sendErr := errors.New("bot blocked by user")
	failing, err := NewTelegram(&recordingSender{err: sendErr}, "")
	if err != nil {
		test.Fatalf("new telegram: %v", err)
	}
	if err := failing.PurchaseCompleted(context.Background(), Outcome{BuyerID: "5"}); !errors.Is(err, sendErr) {
		test.Fatalf("expected send error, got %v", err)
	}
	if _, err := NewTelegram(nil, ""); err == nil {
		test.Fatalf("expected error for nil sender")
	}
}

func TestChatResolvers(test *testing.T) {
	test.Parallel()
	if _, err := NumericChatResolver(context.Background(), "google-oauth2|42"); !errors.Is(err, ErrUnreachable) {
		test.Fatalf("expected ErrUnreachable for a non-telegram id, got %v", err)
	}
	resolver := StaticChatResolver(map[string]int64{" user-a ": 555})
	chatID, err := resolver(context.Background(), "user-a")
	if err != nil || chatID != 555 {
		test.Fatalf("expected chat 555, got %d (%v)", chatID, err)
	}
	if _, err := resolver(context.Background(), "user-b"); !errors.Is(err, ErrUnreachable) {
		test.Fatalf("expected ErrUnreachable for an unknown buyer, got %v", err)
	}
}

func TestTelegramUsesChatResolver(test *testing.T) {
	test.Parallel()
	sender := &recordingSender{}
	notifier, err := NewTelegram(sender, "", WithChatResolver(StaticChatResolver(map[string]int64{"session-user": 9001})))
	if err != nil {
		test.Fatalf("new telegram: %v", err)
	}
	if err := notifier.PurchaseCompleted(context.Background(), Outcome{BuyerID: "session-user", Quantity: 1}); err != nil {
		test.Fatalf("notify: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].ChatID.ID != 9001 {
		test.Fatalf("expected delivery to chat 9001, got %+v", sender.sent)
	}
	if err := notifier.PurchaseFailed(context.Background(), Outcome{BuyerID: "stranger"}); !errors.Is(err, ErrUnreachable) {
		test.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if len(sender.sent) != 1 {
		test.Fatalf("unreachable buyer must not produce a message")
	}
}
