// Package purchase runs one star purchase from recipient lookup to ledger finalization.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/starshop/internal/config"
	"github.com/MarkoPoloResearchLab/starshop/internal/marketplace"
	"github.com/MarkoPoloResearchLab/starshop/internal/metrics"
	"github.com/MarkoPoloResearchLab/starshop/internal/notify"
	"github.com/MarkoPoloResearchLab/starshop/internal/settlement"
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"go.uber.org/zap"
)

// ErrPurchaseFailed is returned for any failure after the purchase intent was recorded.
// It wraps the underlying cause.
var ErrPurchaseFailed = errors.New("purchase: failed, contact support")

const (
	reasonUnconfirmed      = "unconfirmed"
	maxReasonLength        = 512
	defaultTransferTimeout = 4 * time.Minute
)

// State names a step of the purchase flow.
type State string

// Purchase flow states in order.
const (
	StateQuoted        State = "quoted"
	StatePriced        State = "priced"
	StateIntentCreated State = "intent_created"
	StateTransferring  State = "transferring"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Gateway resolves recipients and quotes transfers on the marketplace.
type Gateway interface {
	ResolveRecipient(ctx context.Context, handle string) (marketplace.RecipientRef, error)
	OpenSession(ctx context.Context, recipient marketplace.RecipientRef, quantity int64) (marketplace.SessionID, error)
	QuoteTransfer(ctx context.Context, recipient marketplace.RecipientRef, session marketplace.SessionID, quantity int64) (marketplace.TransferQuote, error)
}

// Executor performs the on-chain transfer for a quote.
type Executor interface {
	Execute(ctx context.Context, quote marketplace.TransferQuote, quantity int64) (string, error)
}

// Ledger is the subset of the ledger service used by purchases.
type Ledger interface {
	User(ctx context.Context, userID ledger.UserID) (ledger.User, error)
	Balance(ctx context.Context, userID ledger.UserID) (ledger.AmountCents, error)
	CreatePurchaseIntent(ctx context.Context, buyerID ledger.UserID, recipientHandle string, quantity ledger.Quantity, amount ledger.PositiveAmountCents) (ledger.IntentID, error)
	FinalizePurchase(ctx context.Context, intentID ledger.IntentID, outcome ledger.PurchaseOutcome) error
}

// ConfigSource supplies the active configuration snapshot.
type ConfigSource interface {
	Current() *config.Snapshot
}

// Receipt reports how far a purchase got.
type Receipt struct {
	IntentID    ledger.IntentID
	TransferRef ledger.TransferRef
	Amount      ledger.PositiveAmountCents
	Quantity    ledger.Quantity
	Recipient   string
	State       State
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the terminal outcome notifier.
func WithNotifier(notifier notify.Notifier) Option {
	return func(orchestrator *Orchestrator) {
		if notifier != nil {
			orchestrator.notifier = notifier
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithClock overrides the time source used for flow durations.
func WithClock(now func() time.Time) Option {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.now = now
		}
	}
}

// WithTransferTimeout bounds how long the executor may wait for a transfer to be observed.
// A transfer still unobserved at the deadline is recorded as unconfirmed.
func WithTransferTimeout(timeout time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		if timeout > 0 {
			orchestrator.transferTimeout = timeout
		}
	}
}

// Orchestrator coordinates the marketplace, the transfer executor and the ledger.
type Orchestrator struct {
	gateway  Gateway
	executor Executor
	ledger   Ledger
	config   ConfigSource
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time

	transferTimeout time.Duration
}

// New wires an Orchestrator.
func New(gateway Gateway, executor Executor, accountLedger Ledger, configSource ConfigSource, options ...Option) (*Orchestrator, error) {
	switch {
	case gateway == nil:
		return nil, errors.New("purchase: gateway is nil")
	case executor == nil:
		return nil, errors.New("purchase: executor is nil")
	case accountLedger == nil:
		return nil, errors.New("purchase: ledger is nil")
	case configSource == nil:
		return nil, errors.New("purchase: config source is nil")
	}
	orchestrator := &Orchestrator{
		gateway:  gateway,
		executor: executor,
		ledger:   accountLedger,
		config:   configSource,
		notifier: notify.Nop{},
		logger:   zap.NewNop(),
		now:      time.Now,

		transferTimeout: defaultTransferTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Purchase buys quantity stars for the recipient handle on behalf of the buyer.
// Failures before the intent is recorded leave no ledger trace. Once the transfer starts the flow
// ignores cancellation of ctx and always records a terminal status unless the ledger itself fails.
func (orchestrator *Orchestrator) Purchase(ctx context.Context, buyerID ledger.UserID, handle string, quantity int64) (Receipt, error) {
	started := orchestrator.now()
	receipt, err := orchestrator.run(ctx, buyerID, handle, quantity)
	metrics.ObservePurchase(string(receipt.State), classify(err), orchestrator.now().Sub(started))
	return receipt, err
}

func (orchestrator *Orchestrator) run(ctx context.Context, buyerID ledger.UserID, handle string, rawQuantity int64) (Receipt, error) {
	receipt := Receipt{State: StateFailed}
	quantity, err := ledger.NewQuantity(rawQuantity)
	if err != nil {
		return receipt, err
	}
	recipient, err := ledger.NormalizeRecipientHandle(handle)
	if err != nil {
		return receipt, err
	}
	receipt.Quantity = quantity
	receipt.Recipient = recipient
	logger := orchestrator.logger.With(
		zap.String("buyer_id", buyerID.String()),
		zap.String("recipient", recipient),
		zap.Int64("quantity", quantity.Int64()),
	)

	buyer, err := orchestrator.ledger.User(ctx, buyerID)
	if err != nil {
		return receipt, err
	}
	if buyer.Blocked {
		return receipt, ledger.ErrUserBlocked
	}

	recipientRef, err := orchestrator.gateway.ResolveRecipient(ctx, recipient)
	if err != nil {
		return receipt, err
	}
	logger.Debug("purchase state", zap.String("state", string(StateQuoted)))

	snapshot := orchestrator.config.Current()
	price, err := snapshot.UnitPrice.Times(quantity)
	if err != nil {
		return receipt, err
	}
	settleWait := snapshot.SettleWait
	receipt.Amount = price
	balance, err := orchestrator.ledger.Balance(ctx, buyerID)
	if err != nil {
		return receipt, err
	}
	if balance.Int64() < price.Int64() {
		return receipt, fmt.Errorf("%w: balance %s, price %s", ledger.ErrInsufficientFunds, balance, price)
	}
	logger.Debug("purchase state", zap.String("state", string(StatePriced)), zap.String("price", price.String()))

	session, err := orchestrator.gateway.OpenSession(ctx, recipientRef, quantity.Int64())
	if err != nil {
		return receipt, err
	}
	quote, err := orchestrator.gateway.QuoteTransfer(ctx, recipientRef, session, quantity.Int64())
	if err != nil {
		return receipt, err
	}

	intentID, err := orchestrator.ledger.CreatePurchaseIntent(ctx, buyerID, recipient, quantity, price)
	if err != nil {
		return receipt, err
	}
	receipt.IntentID = intentID
	receipt.State = StateIntentCreated
	logger = logger.With(zap.String("intent_id", intentID.String()))
	logger.Debug("purchase state", zap.String("state", string(StateIntentCreated)))

	finalizeCtx := context.WithoutCancel(ctx)
	receipt.State = StateTransferring
	logger.Debug("purchase state", zap.String("state", string(StateTransferring)))
	transferHash, executeErr := orchestrator.execute(finalizeCtx, quote, quantity.Int64())
	if executeErr == nil {
		waitSettle(ctx, settleWait)
		return orchestrator.complete(finalizeCtx, logger, receipt, buyerID, transferHash)
	}
	return orchestrator.fail(finalizeCtx, logger, receipt, buyerID, executeErr)
}

func (orchestrator *Orchestrator) execute(ctx context.Context, quote marketplace.TransferQuote, quantity int64) (string, error) {
	transferCtx, cancel := context.WithTimeout(ctx, orchestrator.transferTimeout)
	defer cancel()
	transferHash, err := orchestrator.executor.Execute(transferCtx, quote, quantity)
	if err != nil && !errors.Is(err, settlement.ErrUnconfirmed) && errors.Is(transferCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: %w", settlement.ErrUnconfirmed, err)
	}
	return transferHash, err
}

func (orchestrator *Orchestrator) complete(ctx context.Context, logger *zap.Logger, receipt Receipt, buyerID ledger.UserID, transferHash string) (Receipt, error) {
	transferRef, err := ledger.NewTransferRef(transferHash)
	if err != nil {
		logger.Error("transfer sent but reference is unusable, intent left pending", zap.String("transfer_ref", transferHash), zap.Error(err))
		return receipt, fmt.Errorf("%w: %w", ErrPurchaseFailed, err)
	}
	if err := orchestrator.ledger.FinalizePurchase(ctx, receipt.IntentID, ledger.CompletedOutcome(transferRef)); err != nil {
		logger.Error("transfer sent but finalize failed, intent left pending", zap.String("transfer_ref", transferHash), zap.Error(err))
		return receipt, fmt.Errorf("%w: %w", ErrPurchaseFailed, err)
	}
	receipt.TransferRef = transferRef
	receipt.State = StateCompleted
	logger.Info("purchase completed", zap.String("transfer_ref", transferHash), zap.String("amount", receipt.Amount.String()))
	orchestrator.notify(ctx, logger, receipt, buyerID, "")
	return receipt, nil
}

func (orchestrator *Orchestrator) fail(ctx context.Context, logger *zap.Logger, receipt Receipt, buyerID ledger.UserID, cause error) (Receipt, error) {
	reason := truncate(cause.Error(), maxReasonLength)
	if errors.Is(cause, settlement.ErrUnconfirmed) {
		reason = reasonUnconfirmed
		logger.Warn("transfer outcome unknown, funds may have left the wallet; recording as failed", zap.Error(cause))
	}
	if err := orchestrator.ledger.FinalizePurchase(ctx, receipt.IntentID, ledger.FailedOutcome(reason)); err != nil {
		logger.Error("finalize failed, intent left pending", zap.NamedError("cause", cause), zap.Error(err))
		return receipt, fmt.Errorf("%w: %w", ErrPurchaseFailed, errors.Join(cause, err))
	}
	receipt.State = StateFailed
	logger.Info("purchase failed", zap.String("reason", reason))
	orchestrator.notify(ctx, logger, receipt, buyerID, reason)
	return receipt, fmt.Errorf("%w: %w", ErrPurchaseFailed, cause)
}

func (orchestrator *Orchestrator) notify(ctx context.Context, logger *zap.Logger, receipt Receipt, buyerID ledger.UserID, reason string) {
	outcome := notify.Outcome{
		BuyerID:     buyerID.String(),
		IntentID:    receipt.IntentID.String(),
		Recipient:   receipt.Recipient,
		Quantity:    receipt.Quantity.Int64(),
		Amount:      receipt.Amount.String(),
		TransferRef: receipt.TransferRef.String(),
		Reason:      reason,
	}
	var err error
	if receipt.State == StateCompleted {
		err = orchestrator.notifier.PurchaseCompleted(ctx, outcome)
	} else {
		err = orchestrator.notifier.PurchaseFailed(ctx, outcome)
	}
	if err != nil {
		logger.Warn("purchase notification failed", zap.Error(err))
	}
}

func waitSettle(ctx context.Context, wait time.Duration) {
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
