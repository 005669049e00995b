package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
)

const (
	mainnetConfigURL = "https://ton.org/global.config.json"
	testnetConfigURL = "https://ton.org/testnet-global.config.json"
	mnemonicWords    = 24
)

// TonSettings configures the signing wallet.
type TonSettings struct {
	Mnemonic  []string
	ConfigURL string
	Testnet   bool
	Bounce    bool
}

// TonWallet broadcasts transfers from a V5R1 wallet through liteservers.
type TonWallet struct {
	wallet *wallet.Wallet
	bounce bool
}

// NewTonWallet connects to the liteserver pool and derives the wallet from its mnemonic.
func NewTonWallet(ctx context.Context, settings TonSettings) (*TonWallet, error) {
	words := normalizeMnemonic(settings.Mnemonic)
	if len(words) != mnemonicWords {
		return nil, fmt.Errorf("settlement: mnemonic must have %d words, got %d", mnemonicWords, len(words))
	}
	configURL := settings.ConfigURL
	if configURL == "" {
		configURL = mainnetConfigURL
		if settings.Testnet {
			configURL = testnetConfigURL
		}
	}
	pool := liteclient.NewConnectionPool()
	networkConfig, err := liteclient.GetConfigFromUrl(ctx, configURL)
	if err != nil {
		return nil, fmt.Errorf("settlement: load network config: %w", err)
	}
	if err := pool.AddConnectionsFromConfig(ctx, networkConfig); err != nil {
		return nil, fmt.Errorf("settlement: connect liteservers: %w", err)
	}
	api := ton.NewAPIClient(pool, ton.ProofCheckPolicyFast).WithRetry()

	networkID := int32(wallet.MainnetGlobalID)
	if settings.Testnet {
		networkID = int32(wallet.TestnetGlobalID)
	}
	signer, err := wallet.FromSeed(api, words, wallet.ConfigV5R1Final{NetworkGlobalID: networkID})
	if err != nil {
		return nil, fmt.Errorf("settlement: derive wallet: %w", err)
	}
	return &TonWallet{wallet: signer, bounce: settings.Bounce}, nil
}

// Address returns the wallet's user-friendly address.
func (tonWallet *TonWallet) Address() string {
	return tonWallet.wallet.WalletAddress().String()
}

// Transfer signs the transfer, sends it, and waits for the wallet transaction.
// A wait cut short by ctx is reported as ErrUnconfirmed since the message may already be out.
func (tonWallet *TonWallet) Transfer(ctx context.Context, transfer Transfer) (string, error) {
	destination, err := parseAddress(transfer.Destination)
	if err != nil {
		return "", fmt.Errorf("%w: destination %q: %v", ErrInvalidQuote, transfer.Destination, err)
	}
	message, err := tonWallet.wallet.BuildTransfer(destination, tlb.FromNanoTONU(uint64(transfer.AmountNano)), tonWallet.bounce, transfer.Comment)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}
	transaction, _, err := tonWallet.wallet.SendWaitTransaction(ctx, message)
	if err != nil {
		if errors.Is(err, wallet.ErrTxWasNotConfirmed) || ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrUnconfirmed, err)
		}
		return "", fmt.Errorf("send transfer: %w", err)
	}
	return hex.EncodeToString(transaction.Hash), nil
}

func parseAddress(raw string) (*address.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.Contains(trimmed, ":") {
		return address.ParseRawAddr(trimmed)
	}
	return address.ParseAddr(trimmed)
}

func normalizeMnemonic(words []string) []string {
	normalized := make([]string, 0, len(words))
	for _, word := range words {
		for _, part := range strings.FieldsFunc(word, func(symbol rune) bool {
			return symbol == ',' || symbol == ' ' || symbol == '\t' || symbol == '\n'
		}) {
			normalized = append(normalized, strings.ToLower(part))
		}
	}
	return normalized
}
