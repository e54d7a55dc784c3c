package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/papertrade/api"
	"github.com/gregtusar/papertrade/internal/config"
	"github.com/gregtusar/papertrade/internal/observability"
	"github.com/gregtusar/papertrade/pkg/auth"
	"github.com/gregtusar/papertrade/pkg/conversion"
	"github.com/gregtusar/papertrade/pkg/feed"
	"github.com/gregtusar/papertrade/pkg/ledger"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/orderbook"
	"github.com/gregtusar/papertrade/pkg/trader"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "papertrade",
		Short: "Simulated crypto exchange",
		Long:  `A paper-trading exchange backed by live market data: leveraged positions, token conversions and aggregated order books`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(serveCmd(), pricesCmd(), tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newFeed(cfg *config.Config, logger *logrus.Logger, metrics *observability.Metrics) (*feed.Client, *feed.SnapshotFetcher) {
	backoff := feed.Backoff{
		Initial:     cfg.Feed.InitialDelay,
		Max:         cfg.Feed.MaxDelay,
		Jitter:      cfg.Feed.Jitter,
		MaxAttempts: cfg.Feed.MaxAttempts,
	}
	client := feed.NewClient(feed.Config{
		URL:         cfg.Feed.WSURL,
		Quote:       cfg.Feed.Quote,
		Symbols:     cfg.Feed.Symbols,
		DepthLevels: cfg.Feed.DepthLevels,
		Backoff:     backoff,
	}, logger, metrics)

	fetcher := feed.NewSnapshotFetcher(feed.SnapshotConfig{
		BaseURL:           cfg.Feed.RestURL,
		Timeout:           cfg.Feed.SnapshotTimeout,
		Backoff:           backoff,
		RequestsPerSecond: cfg.Feed.SnapshotRPS,
	}, client.Normalizer(), client, logger, metrics)

	return client, fetcher
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the exchange simulator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return runServe(cfg, logger)
		},
	}
}

func runServe(cfg *config.Config, logger *logrus.Logger) error {
	metrics := observability.NewMetrics()

	mode, err := orderbook.ParseMode(cfg.OrderBook.Mode)
	if err != nil {
		return err
	}
	policy, err := ledger.ParseLossPolicy(cfg.Ledger.LossPolicy)
	if err != nil {
		return err
	}

	client, fetcher := newFeed(cfg, logger, metrics)
	l := ledger.New(ledger.Config{
		Quote:           cfg.Feed.Quote,
		Tokens:          cfg.Feed.Symbols,
		StartingBalance: cfg.Ledger.StartingBalance,
		LossPolicy:      policy,
	}, client, logger, metrics)
	books := orderbook.New(mode, cfg.Feed.DepthLevels, logger)
	converter := conversion.New(l, client, cfg.Feed.Quote, models.AccountTrading, logger, metrics)

	sim := trader.NewSimulator(client, fetcher, l, books, converter, trader.Options{
		SnapshotInterval: cfg.Feed.SnapshotInterval,
	}, logger)

	var sessions *auth.Provider
	if cfg.Auth.SigningKey != "" {
		sessions, err = auth.NewProvider(cfg.Auth.SigningKey, cfg.Auth.Issuer, cfg.Auth.TTL)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("No session signing key configured, API authentication disabled")
	}

	server := api.NewServer(sim, sessions, metrics, logger, api.Options{
		Port:           fmt.Sprintf("%d", cfg.Server.Port),
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		BookThrottle:   cfg.OrderBook.Throttle,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		sim.Stop()
		return err
	})

	logger.Info("Simulator is running. Press Ctrl+C to stop.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Simulator stopped")
	return nil
}

func pricesCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Stream live prices to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			client, fetcher := newFeed(cfg, logger, nil)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				if err := fetcher.Refresh(ctx); err != nil {
					return err
				}
				printTicks(client.Snapshot(), client.Normalizer().Symbols())
				return nil
			}

			unsub := client.OnPriceUpdate(func(snap models.TickSnapshot) {
				printTicks(snap, client.Normalizer().Symbols())
			})
			defer unsub()

			if err := client.Connect(ctx); err != nil {
				logger.WithError(err).Warn("Initial feed connection failed, retrying in background")
			}
			<-ctx.Done()
			client.Disconnect()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print one REST snapshot and exit")
	return cmd
}

func printTicks(snap models.TickSnapshot, symbols []string) {
	for _, s := range symbols {
		t, ok := snap[s]
		if !ok {
			continue
		}
		fmt.Printf("%-6s %14.6f %8.2f%% %18.2f\n", s, t.Price, t.PercentChange24h, t.Volume24h)
	}
	fmt.Println()
}

func tokenCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			sessions, err := auth.NewProvider(cfg.Auth.SigningKey, cfg.Auth.Issuer, cfg.Auth.TTL)
			if err != nil {
				return err
			}
			token, err := sessions.Issue(user)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to embed in the token")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
