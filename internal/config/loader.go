package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Configuration keys as they appear in config files.
const (
	KeyUnitPrice                  = "unit_price"
	KeyDailyBonus                 = "daily_bonus"
	KeyAdminIDs                   = "admin_ids"
	KeySettleWait                 = "settle_wait"
	KeyMarketplaceBaseURL         = "marketplace.base_url"
	KeyMarketplaceAPIHash         = "marketplace.api_hash"
	KeyMarketplaceSessionID       = "marketplace.ssid"
	KeyMarketplaceDeviceToken     = "marketplace.dt"
	KeyMarketplaceTonToken        = "marketplace.ton_token"
	KeyMarketplaceAuthToken       = "marketplace.token"
	KeyMarketplaceWalletAddress   = "marketplace.wallet_address"
	KeyMarketplaceWalletStateInit = "marketplace.wallet_state_init"
	KeyMarketplacePublicKey       = "marketplace.public_key"
	KeySettlementMnemonic         = "settlement.mnemonic"
	KeySettlementConfigURL        = "settlement.config_url"
	KeySettlementTestnet          = "settlement.testnet"
	KeySettlementBounce           = "settlement.bounce"
)

const (
	defaultUnitPrice      = "2.50"
	defaultDailyBonus     = "10.00"
	defaultSettleWait     = "5s"
	defaultMarketplaceURL = "https://fragment.com"
	defaultEnvFile        = ".env"
)

var environmentBindings = map[string]string{
	KeyUnitPrice:                  "STARSHOP_UNIT_PRICE",
	KeyDailyBonus:                 "STARSHOP_DAILY_BONUS",
	KeyAdminIDs:                   "STARSHOP_ADMIN_IDS",
	KeySettleWait:                 "STARSHOP_SETTLE_WAIT",
	KeyMarketplaceBaseURL:         "MARKETPLACE_BASE_URL",
	KeyMarketplaceAPIHash:         "MARKETPLACE_API_HASH",
	KeyMarketplaceSessionID:       "MARKETPLACE_SSID",
	KeyMarketplaceDeviceToken:     "MARKETPLACE_DT",
	KeyMarketplaceTonToken:        "MARKETPLACE_TON_TOKEN",
	KeyMarketplaceAuthToken:       "MARKETPLACE_TOKEN",
	KeyMarketplaceWalletAddress:   "MARKETPLACE_WALLET_ADDRESS",
	KeyMarketplaceWalletStateInit: "MARKETPLACE_WALLET_STATE_INIT",
	KeyMarketplacePublicKey:       "MARKETPLACE_PUBLIC_KEY",
	KeySettlementMnemonic:         "TON_MNEMONIC",
	KeySettlementConfigURL:        "TON_CONFIG_URL",
	KeySettlementTestnet:          "TON_TESTNET",
	KeySettlementBounce:           "TON_BOUNCE",
}

// LoadEnvFile loads variables from a dotenv file into the process environment.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Configure sets defaults, environment bindings and the optional config file on the viper instance.
func Configure(v *viper.Viper, configFile string) error {
	v.SetDefault(KeyUnitPrice, defaultUnitPrice)
	v.SetDefault(KeyDailyBonus, defaultDailyBonus)
	v.SetDefault(KeySettleWait, defaultSettleWait)
	v.SetDefault(KeyMarketplaceBaseURL, defaultMarketplaceURL)
	v.SetDefault(KeySettlementBounce, false)
	for key, environmentName := range environmentBindings {
		if err := v.BindEnv(key, environmentName); err != nil {
			return err
		}
	}
	if trimmed := strings.TrimSpace(configFile); trimmed != "" {
		v.SetConfigFile(trimmed)
	}
	return nil
}

// NewViperLoader reads a snapshot from the viper instance, re-reading the config file on every call.
func NewViperLoader(v *viper.Viper) Loader {
	return func() (Snapshot, error) {
		if v.ConfigFileUsed() != "" {
			if err := v.ReadInConfig(); err != nil {
				return Snapshot{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
			}
		}
		unitPrice, err := ledger.ParseAmount(v.GetString(KeyUnitPrice))
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeyUnitPrice, err)
		}
		dailyBonus, err := ledger.ParseAmount(v.GetString(KeyDailyBonus))
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeyDailyBonus, err)
		}
		settleWait, err := parseDuration(v.GetString(KeySettleWait))
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeySettleWait, err)
		}
		return Snapshot{
			UnitPrice:  unitPrice,
			DailyBonus: dailyBonus,
			AdminIDs:   splitList(v.GetStringSlice(KeyAdminIDs)),
			SettleWait: settleWait,
			Marketplace: MarketplaceSettings{
				BaseURL:         strings.TrimRight(strings.TrimSpace(v.GetString(KeyMarketplaceBaseURL)), "/"),
				APIHash:         strings.TrimSpace(v.GetString(KeyMarketplaceAPIHash)),
				SessionID:       strings.TrimSpace(v.GetString(KeyMarketplaceSessionID)),
				DeviceToken:     strings.TrimSpace(v.GetString(KeyMarketplaceDeviceToken)),
				TonToken:        strings.TrimSpace(v.GetString(KeyMarketplaceTonToken)),
				AuthToken:       strings.TrimSpace(v.GetString(KeyMarketplaceAuthToken)),
				WalletAddress:   strings.TrimSpace(v.GetString(KeyMarketplaceWalletAddress)),
				WalletStateInit: strings.TrimSpace(v.GetString(KeyMarketplaceWalletStateInit)),
				PublicKey:       strings.TrimSpace(v.GetString(KeyMarketplacePublicKey)),
			},
			Settlement: SettlementSettings{
				Mnemonic:  splitList(v.GetStringSlice(KeySettlementMnemonic)),
				ConfigURL: strings.TrimSpace(v.GetString(KeySettlementConfigURL)),
				Testnet:   v.GetBool(KeySettlementTestnet),
				Bounce:    v.GetBool(KeySettlementBounce),
			},
		}, nil
	}
}

func splitList(values []string) []string {
	items := make([]string, 0, len(values))
	for _, value := range values {
		for _, item := range strings.FieldsFunc(value, func(symbol rune) bool {
			return symbol == ',' || symbol == ' ' || symbol == '\t' || symbol == '\n'
		}) {
			items = append(items, item)
		}
	}
	return items
}
