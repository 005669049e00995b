package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarkoPoloResearchLab/starshop/internal/buyerlock"
	"github.com/MarkoPoloResearchLab/starshop/internal/config"
	"github.com/MarkoPoloResearchLab/starshop/internal/httpapi"
	"github.com/MarkoPoloResearchLab/starshop/internal/marketplace"
	"github.com/MarkoPoloResearchLab/starshop/internal/notify"
	"github.com/MarkoPoloResearchLab/starshop/internal/oplog"
	"github.com/MarkoPoloResearchLab/starshop/internal/purchase"
	"github.com/MarkoPoloResearchLab/starshop/internal/settlement"
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL     = "database-url"
	flagStoreDriver     = "store-driver"
	flagListenAddr      = "listen-addr"
	flagConfigFile      = "config"
	flagEnvFile         = "env-file"
	flagRedisAddr       = "redis-addr"
	flagRedisPassword   = "redis-password"
	flagTelegramToken   = "telegram-token"
	flagTelegramChats   = "telegram-chats"
	flagExplorerURL     = "explorer-url"
	flagAllowedOrigins  = "allowed-origins"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagJWTCookieName   = "jwt-cookie-name"
	flagRequestTimeout  = "request-timeout"
	flagMarketTimeout   = "marketplace-timeout"
	flagTransferTimeout = "transfer-timeout"
	flagOlderThan       = "older-than"
	envPrefix           = "STARSHOP"
	defaultDatabaseURL  = "sqlite:///tmp/starshop.db"
	defaultStoreDriver  = storeDriverGorm
	defaultListenAddr   = ":8080"
	defaultMarketWait   = 30 * time.Second
	defaultTransferWait = 4 * time.Minute
	defaultPendingAge   = 10 * time.Minute
	pendingListingLimit = 500
)

var boundFlags = []string{
	flagDatabaseURL,
	flagStoreDriver,
	flagListenAddr,
	flagConfigFile,
	flagEnvFile,
	flagRedisAddr,
	flagRedisPassword,
	flagTelegramToken,
	flagTelegramChats,
	flagExplorerURL,
	flagAllowedOrigins,
	flagJWTSigningKey,
	flagJWTIssuer,
	flagJWTCookieName,
	flagRequestTimeout,
	flagMarketTimeout,
	flagTransferTimeout,
}

type runtimeConfig struct {
	DatabaseURL        string
	StoreDriver        string
	ConfigFile         string
	RedisAddr          string
	RedisPassword      string
	TelegramToken      string
	TelegramChats      map[string]int64
	ExplorerURL        string
	MarketplaceTimeout time.Duration
	TransferTimeout    time.Duration
	HTTP               httpapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "starshopd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "starshopd",
		Short:         "Star shop purchase orchestrator and ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, v, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database url (sqlite://, postgres://, mysql://)")
	flags.String(flagStoreDriver, defaultStoreDriver, "ledger store implementation: gorm or pgx (postgres only)")
	flags.String(flagConfigFile, "", "shop configuration file (json or yaml)")
	flags.String(flagEnvFile, "", "dotenv file loaded before reading the environment (default .env)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisAddr, "", "redis address for purchase locks (in-memory locks when empty)")
	cmd.Flags().String(flagRedisPassword, "", "redis password")
	cmd.Flags().String(flagTelegramToken, "", "telegram bot token for purchase notifications")
	cmd.Flags().String(flagTelegramChats, "", "buyer=chat pairs mapping session user ids to telegram chats (default: user ids are telegram ids)")
	cmd.Flags().String(flagExplorerURL, "", "transaction explorer url prefix used in notifications")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 0, "ledger request timeout")
	cmd.Flags().Duration(flagMarketTimeout, defaultMarketWait, "marketplace HTTP timeout")
	cmd.Flags().Duration(flagTransferTimeout, defaultTransferWait, "maximum wait for a broadcast transfer to be observed")

	cmd.AddCommand(newPendingCommand(cfg))
	return cmd
}

func newPendingCommand(cfg *runtimeConfig) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List purchase intents still pending after the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPending(cmd.Context(), cfg, olderThan, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&olderThan, flagOlderThan, defaultPendingAge, "minimum age of listed intents")
	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *runtimeConfig) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range boundFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	if err := v.BindEnv(flagDatabaseURL, "DATABASE_URL", envPrefix+"_DATABASE_URL"); err != nil {
		return err
	}
	if err := config.LoadEnvFile(v.GetString(flagEnvFile)); err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = strings.TrimSpace(v.GetString(flagStoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaultStoreDriver
	}
	cfg.ConfigFile = strings.TrimSpace(v.GetString(flagConfigFile))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RedisPassword = v.GetString(flagRedisPassword)
	cfg.TelegramToken = strings.TrimSpace(v.GetString(flagTelegramToken))
	cfg.ExplorerURL = strings.TrimSpace(v.GetString(flagExplorerURL))
	chats, err := parseChatDirectory(v.GetString(flagTelegramChats))
	if err != nil {
		return err
	}
	cfg.TelegramChats = chats
	cfg.MarketplaceTimeout = v.GetDuration(flagMarketTimeout)
	if cfg.MarketplaceTimeout <= 0 {
		cfg.MarketplaceTimeout = defaultMarketWait
	}
	cfg.TransferTimeout = v.GetDuration(flagTransferTimeout)
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = defaultTransferWait
	}
	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
	}
	switch cfg.StoreDriver {
	case storeDriverGorm, storeDriverPgx:
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	if err := cfg.HTTP.Validate(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	provider, err := newConfigProvider(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	store, cleanup, err := openLedgerStore(ctx, cfg.DatabaseURL, cfg.StoreDriver)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	marketplaceClient, err := marketplace.NewClient(func() marketplace.Settings {
		return marketplaceSettings(provider.Current())
	}, &http.Client{Timeout: cfg.MarketplaceTimeout})
	if err != nil {
		return fmt.Errorf("marketplace client init: %w", err)
	}

	settlementSettings := provider.Current().Settlement
	wallet, err := settlement.NewTonWallet(ctx, settlement.TonSettings{
		Mnemonic:  settlementSettings.Mnemonic,
		ConfigURL: settlementSettings.ConfigURL,
		Testnet:   settlementSettings.Testnet,
		Bounce:    settlementSettings.Bounce,
	})
	if err != nil {
		return fmt.Errorf("wallet init: %w", err)
	}
	logger.Info("wallet ready", zap.String("address", wallet.Address()))
	executor, err := settlement.NewExecutor(wallet, logger.Named("settlement"))
	if err != nil {
		return fmt.Errorf("executor init: %w", err)
	}

	notifier, err := newNotifier(cfg)
	if err != nil {
		return fmt.Errorf("notifier init: %w", err)
	}

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("buyer lock init: %w", err)
	}
	defer closeLocker()

	orchestrator, err := purchase.New(marketplaceClient, executor, ledgerService, provider,
		purchase.WithNotifier(notifier),
		purchase.WithLogger(logger.Named("purchase")),
		purchase.WithTransferTimeout(cfg.TransferTimeout),
	)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	router, err := httpapi.NewRouter(cfg.HTTP, httpapi.Dependencies{
		Ledger:    ledgerService,
		Purchaser: orchestrator,
		Locker:    locker,
		Config:    provider,
		Logger:    logger.Named("http"),
	})
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}
	return httpapi.Run(ctx, cfg.HTTP.ListenAddr, router, logger)
}

func listPending(ctx context.Context, cfg *runtimeConfig, olderThan time.Duration, output io.Writer) error {
	store, cleanup, err := openLedgerStore(ctx, cfg.DatabaseURL, cfg.StoreDriver)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	ledgerService, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	intents, err := ledgerService.ListPendingIntents(ctx, int64(olderThan/time.Second), pendingListingLimit)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(output, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "INTENT\tBUYER\tRECIPIENT\tQUANTITY\tAMOUNT\tCREATED")
	for _, intent := range intents {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n",
			intent.IntentID,
			intent.BuyerID,
			intent.RecipientHandle,
			intent.Quantity.Int64(),
			intent.AmountCharged,
			time.Unix(intent.CreatedUnixUTC, 0).UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

func newConfigProvider(configFile string) (*config.Provider, error) {
	v := viper.New()
	if err := config.Configure(v, configFile); err != nil {
		return nil, err
	}
	return config.NewProvider(config.NewViperLoader(v))
}

func marketplaceSettings(snapshot *config.Snapshot) marketplace.Settings {
	settings := snapshot.Marketplace
	return marketplace.Settings{
		BaseURL:         settings.BaseURL,
		APIHash:         settings.APIHash,
		SessionID:       settings.SessionID,
		DeviceToken:     settings.DeviceToken,
		TonToken:        settings.TonToken,
		AuthToken:       settings.AuthToken,
		WalletAddress:   settings.WalletAddress,
		WalletStateInit: settings.WalletStateInit,
		PublicKey:       settings.PublicKey,
	}
}

func newNotifier(cfg *runtimeConfig) (notify.Notifier, error) {
	if cfg.TelegramToken == "" {
		return notify.Nop{}, nil
	}
	bot, err := telego.NewBot(cfg.TelegramToken)
	if err != nil {
		return nil, err
	}
	var options []notify.TelegramOption
	if len(cfg.TelegramChats) > 0 {
		options = append(options, notify.WithChatResolver(notify.StaticChatResolver(cfg.TelegramChats)))
	}
	return notify.NewTelegram(bot, cfg.ExplorerURL, options...)
}

// parseChatDirectory reads "buyer=chat,buyer=chat" pairs.
func parseChatDirectory(raw string) (map[string]int64, error) {
	directory := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		buyerID, chat, found := strings.Cut(pair, "=")
		buyerID = strings.TrimSpace(buyerID)
		if !found || buyerID == "" {
			return nil, fmt.Errorf("%s: expected buyer=chat, got %q", flagTelegramChats, pair)
		}
		chatID, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: chat for %q: %w", flagTelegramChats, buyerID, err)
		}
		directory[buyerID] = chatID
	}
	return directory, nil
}

func newLocker(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (buyerlock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return buyerlock.NewMemoryLocker(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	locker, err := buyerlock.NewRedisLocker(client, logger.Named("buyerlock"))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return locker, func() { _ = client.Close() }, nil
}
