// Package settlement executes the on-chain value transfer for a marketplace quote.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/starshop/internal/marketplace"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const nanoExponent = -9

// Transfer errors. ErrUnconfirmed means the message left the wallet but its inclusion
// was not observed, so funds may have moved.
var (
	ErrInvalidQuote    = errors.New("settlement: invalid quote")
	ErrExecutionFailed = errors.New("settlement: execution failed")
	ErrUnconfirmed     = errors.New("settlement: transfer unconfirmed")
)

// Transfer is a single signed value transfer with a text comment.
type Transfer struct {
	Destination string
	AmountNano  int64
	Comment     string
}

// Wallet signs and broadcasts transfers, returning the network transfer hash.
type Wallet interface {
	Transfer(ctx context.Context, transfer Transfer) (string, error)
}

// Executor turns marketplace quotes into wallet transfers.
type Executor struct {
	wallet Wallet
	logger *zap.Logger
}

// NewExecutor wires an Executor.
func NewExecutor(wallet Wallet, logger *zap.Logger) (*Executor, error) {
	if wallet == nil {
		return nil, errors.New("settlement: wallet is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{wallet: wallet, logger: logger}, nil
}

// Execute validates the quote, derives the comment from its memo, and broadcasts the transfer.
// Nothing is sent when the quote is invalid.
func (executor *Executor) Execute(ctx context.Context, quote marketplace.TransferQuote, quantity int64) (string, error) {
	destination := strings.TrimSpace(quote.Destination)
	if destination == "" {
		return "", fmt.Errorf("%w: empty destination", ErrInvalidQuote)
	}
	if quote.AmountNano <= 0 {
		return "", fmt.Errorf("%w: amount %d", ErrInvalidQuote, quote.AmountNano)
	}
	comment, err := DecodeMemo(quote.MemoPayload, quantity)
	if err != nil {
		return "", err
	}
	executor.logger.Info("sending transfer",
		zap.String("destination", destination),
		zap.String("amount", ToNative(quote.AmountNano).StringFixed(4)),
		zap.String("comment", comment),
	)
	hash, err := executor.wallet.Transfer(ctx, Transfer{
		Destination: destination,
		AmountNano:  quote.AmountNano,
		Comment:     comment,
	})
	if err != nil {
		if errors.Is(err, ErrUnconfirmed) || errors.Is(err, ErrInvalidQuote) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	if strings.TrimSpace(hash) == "" {
		return "", fmt.Errorf("%w: wallet returned an empty transfer hash", ErrUnconfirmed)
	}
	executor.logger.Info("transfer sent", zap.String("transfer_ref", hash))
	return hash, nil
}

// ToNative converts nano units into the network's native decimal unit.
func ToNative(amountNano int64) decimal.Decimal {
	return decimal.New(amountNano, nanoExponent)
}
