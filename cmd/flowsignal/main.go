package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/flowsignal/api"
	"github.com/gregtusar/flowsignal/internal/config"
	"github.com/gregtusar/flowsignal/pkg/book"
	"github.com/gregtusar/flowsignal/pkg/coinbase"
	"github.com/gregtusar/flowsignal/pkg/execution"
	"github.com/gregtusar/flowsignal/pkg/secrets"
	"github.com/gregtusar/flowsignal/pkg/signals"
	"github.com/gregtusar/flowsignal/pkg/simulation"
	"github.com/gregtusar/flowsignal/pkg/store"
	"github.com/gregtusar/flowsignal/pkg/trader"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	productID string
	logger    *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowsignal",
		Short: "Order book signal and paper trading service",
		Long:  `Streams a Coinbase level2 book, turns it into trade suggestions and paper-trades them, with optional real order placement`,
		Run:   runService,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.Flags().StringVar(&productID, "product", "", "product to stream (overrides feed.product_id)")

	simulationCmd := &cobra.Command{
		Use:   "simulation",
		Short: "Manage persisted simulation state",
	}
	simulationCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear all simulated orders and performance metrics",
		RunE:  runSimulationReset,
	})
	rootCmd.AddCommand(simulationCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup() *config.Config {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open log file")
		}
		logger.SetOutput(f)
	}
	return cfg
}

func runService(cmd *cobra.Command, args []string) {
	cfg := setup()
	if productID != "" {
		cfg.Feed.ProductID = productID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	simStore, closeStore, err := openSimulationStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open simulation store")
	}
	defer closeStore()

	engine := simulation.NewEngine(cfg.Feed.ProductID, simStore, logger)
	if err := engine.Load(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to load simulation state")
	}

	orchestrator := signals.NewOrchestrator(logger,
		signals.NewImbalance(cfg.AlgorithmConfig(signals.ImbalanceID, signals.DefaultImbalanceConfig())),
		signals.NewVelocity(cfg.AlgorithmConfig(signals.VelocityID, signals.DefaultVelocityConfig())),
	)

	auth, feedAuth, err := buildAuthenticator(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure Coinbase credentials")
	}

	var (
		client  *coinbase.Client
		gateway *execution.Gateway
		fees    trader.FeeSource
	)
	if auth != nil {
		client = coinbase.NewAdvancedTradeClient(auth, cfg.Coinbase.Sandbox, cfg.Coinbase.RateLimit, logger)
		fees = client

		journal, closeJournal := openJournal(ctx, cfg)
		defer closeJournal()
		gateway = execution.NewGateway(client, client.Refresh, journal, execution.Config{
			PollInterval: cfg.Execution.PollInterval,
			PollTimeout:  cfg.Execution.PollTimeout,
		}, logger)
		defer gateway.StopAll()
	} else {
		logger.Warn("No Coinbase credentials configured, real trading disabled")
	}

	feeds := func(product string) trader.Feed {
		return coinbase.NewFeedClient(cfg.Coinbase.WebSocket.URL, product, feedAuth, cfg.Coinbase.WebSocket.ReconnectDelay, logger)
	}
	pipeline := trader.NewTrader(trader.Config{
		Book: book.Config{
			ProductID:          cfg.Feed.ProductID,
			Depth:              cfg.Feed.Depth,
			MinPublishInterval: cfg.Feed.MinPublishInterval,
			SnapshotTimeout:    cfg.Feed.SnapshotTimeout,
		},
		ExpirySweepInterval: cfg.Signals.ExpirySweepInterval,
		FeeRefreshInterval:  cfg.Simulation.FeeRefreshInterval,
	}, feeds, fees, orchestrator, engine, logger)

	if err := pipeline.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start trader")
	}

	apiServer := api.NewServer(api.Services{
		Trader:       pipeline,
		Orchestrator: orchestrator,
		Engine:       engine,
		Gateway:      gateway,
		SyncLimit:    cfg.Execution.SyncLimit,
	}, logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithField("product_id", cfg.Feed.ProductID).Info("flowsignal is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown failed")
	}
	pipeline.Stop()
	cancel()

	logger.Info("flowsignal stopped")
}

func runSimulationReset(cmd *cobra.Command, args []string) error {
	cfg := setup()
	ctx := cmd.Context()

	simStore, closeStore, err := openSimulationStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := simulation.NewEngine(cfg.Feed.ProductID, simStore, logger)
	if err := engine.Reset(ctx); err != nil {
		return fmt.Errorf("reset simulation: %w", err)
	}
	logger.Info("Simulation state cleared")
	return nil
}

func openSimulationStore(ctx context.Context, cfg *config.Config) (simulation.Store, func(), error) {
	switch cfg.Simulation.Store {
	case "redis":
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Simulation.RedisKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	default:
		return store.NewFileStore(cfg.Simulation.FilePath), func() {}, nil
	}
}

// openJournal connects the Postgres order journal when a DSN is configured.
// A journal that cannot connect is logged and skipped.
func openJournal(ctx context.Context, cfg *config.Config) (execution.Journal, func()) {
	if cfg.Database.DSN == "" {
		return nil, func() {}
	}
	journal, err := store.NewOrderJournal(ctx, cfg.Database.DSN)
	if err != nil {
		logger.WithError(err).Warn("Order journal unavailable, continuing without it")
		return nil, func() {}
	}
	return journal, journal.Close
}

// buildAuthenticator returns the REST authenticator and, for CDP keys, the
// JWT signer the feed uses. Both are nil when no credentials are configured.
func buildAuthenticator(cfg *config.Config) (coinbase.Authenticator, *coinbase.JWTAuthenticator, error) {
	switch coinbase.AuthType(cfg.Coinbase.AuthType) {
	case coinbase.AuthTypeJWT:
		if cfg.Coinbase.APIKeyName == "" || cfg.Coinbase.PrivateKeyPEM == "" {
			return nil, nil, nil
		}
		jwtAuth, err := coinbase.NewJWTAuthenticator(cfg.Coinbase.APIKeyName, cfg.Coinbase.PrivateKeyPEM)
		if err != nil {
			return nil, nil, err
		}
		return jwtAuth, jwtAuth, nil
	case coinbase.AuthTypeOAuth:
		if cfg.Coinbase.OAuthToken == "" {
			return nil, nil, nil
		}
		return coinbase.NewBearerAuthenticator(cfg.Coinbase.OAuthToken, tokenRefresher(cfg), logger), nil, nil
	default:
		return nil, nil, nil
	}
}

// tokenRefresher re-reads the OAuth token from Secret Manager when enabled,
// otherwise from the environment.
func tokenRefresher(cfg *config.Config) coinbase.TokenRefresher {
	return func(ctx context.Context) (string, error) {
		if cfg.GCP.UseSecrets && cfg.GCP.ProjectID != "" {
			sm, err := secrets.NewGCPSecretManager(ctx, cfg.GCP.ProjectID, cfg.GCP.CredentialsFile, logger)
			if err != nil {
				return "", err
			}
			defer sm.Close()
			return sm.GetSecret(ctx, cfg.GCP.SecretNames.OAuthToken)
		}
		if token := os.Getenv("COINBASE_OAUTH_TOKEN"); token != "" {
			return token, nil
		}
		return "", coinbase.ErrNoCredential
	}
}
