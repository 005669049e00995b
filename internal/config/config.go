// Package config supplies the immutable runtime configuration snapshot and reloads it atomically.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
)

// ErrInvalidConfig is returned when a loaded snapshot fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// MarketplaceSettings holds the marketplace endpoint, session cookies and the fixed wallet triple.
type MarketplaceSettings struct {
	BaseURL         string
	APIHash         string
	SessionID       string
	DeviceToken     string
	TonToken        string
	AuthToken       string
	WalletAddress   string
	WalletStateInit string
	PublicKey       string
}

// SettlementSettings configures the signing wallet.
type SettlementSettings struct {
	Mnemonic  []string
	ConfigURL string
	Testnet   bool
	Bounce    bool
}

// Snapshot is one immutable view of the configuration. Callers keep the pointer for the
// whole request so a concurrent reload never produces a mixed view.
type Snapshot struct {
	UnitPrice   ledger.PositiveAmountCents
	DailyBonus  ledger.PositiveAmountCents
	AdminIDs    []string
	Marketplace MarketplaceSettings
	Settlement  SettlementSettings
	SettleWait  time.Duration

	admins map[string]struct{}
}

// IsAdmin reports whether the user id is configured as an administrator.
func (snapshot *Snapshot) IsAdmin(userID string) bool {
	if snapshot == nil {
		return false
	}
	_, ok := snapshot.admins[strings.TrimSpace(userID)]
	return ok
}

func (snapshot *Snapshot) prepare() error {
	if snapshot.UnitPrice.Int64() <= 0 {
		return fmt.Errorf("%w: unit price must be positive", ErrInvalidConfig)
	}
	if snapshot.DailyBonus.Int64() <= 0 {
		return fmt.Errorf("%w: daily bonus must be positive", ErrInvalidConfig)
	}
	if snapshot.SettleWait < 0 {
		return fmt.Errorf("%w: settle wait must not be negative", ErrInvalidConfig)
	}
	admins := make(map[string]struct{}, len(snapshot.AdminIDs))
	normalized := make([]string, 0, len(snapshot.AdminIDs))
	for _, adminID := range snapshot.AdminIDs {
		trimmed := strings.TrimSpace(adminID)
		if trimmed == "" {
			continue
		}
		if _, seen := admins[trimmed]; seen {
			continue
		}
		admins[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	snapshot.AdminIDs = normalized
	snapshot.admins = admins
	return nil
}

// Loader produces a fresh snapshot from the configuration sources.
type Loader func() (Snapshot, error)

// Provider serves the current snapshot and replaces it on reload.
type Provider struct {
	loader  Loader
	mutex   sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewProvider loads the initial snapshot.
func NewProvider(loader Loader) (*Provider, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: loader is nil", ErrInvalidConfig)
	}
	provider := &Provider{loader: loader}
	if _, err := provider.Reload(); err != nil {
		return nil, err
	}
	return provider, nil
}

// NewStaticProvider serves a fixed snapshot.
func NewStaticProvider(snapshot Snapshot) (*Provider, error) {
	return NewProvider(func() (Snapshot, error) { return snapshot, nil })
}

// Current returns the active snapshot.
func (provider *Provider) Current() *Snapshot {
	return provider.current.Load()
}

// Reload re-reads the sources and swaps the snapshot. The previous snapshot stays active on failure.
func (provider *Provider) Reload() (*Snapshot, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	snapshot, err := provider.loader()
	if err != nil {
		return nil, err
	}
	snapshot.AdminIDs = append([]string(nil), snapshot.AdminIDs...)
	snapshot.Settlement.Mnemonic = append([]string(nil), snapshot.Settlement.Mnemonic...)
	if err := snapshot.prepare(); err != nil {
		return nil, err
	}
	provider.current.Store(&snapshot)
	return &snapshot, nil
}
